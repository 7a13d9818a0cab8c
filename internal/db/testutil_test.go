package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/adamavenir/murmur/internal/types"
)

func openTestStore(t *testing.T, name string, init func(*sql.DB) error) *sql.DB {
	t.Helper()
	db, err := OpenStore(filepath.Join(t.TempDir(), name), init)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func openChannelsDB(t *testing.T) *sql.DB {
	t.Helper()
	return openTestStore(t, "channels.db", InitChannelSchema)
}

func openSpawnsDB(t *testing.T) *sql.DB {
	t.Helper()
	return openTestStore(t, "spawns.db", InitSpawnSchema)
}

func openIdentitiesDB(t *testing.T) *sql.DB {
	t.Helper()
	return openTestStore(t, "identities.db", InitIdentitySchema)
}

func mustChannel(t *testing.T, db *sql.DB, name string) *types.Channel {
	t.Helper()
	channel, err := CreateChannel(db, ChannelInput{Name: name})
	if err != nil {
		t.Fatalf("create channel %s: %v", name, err)
	}
	return channel
}

func mustMessage(t *testing.T, db *sql.DB, channelID, agentID, content string, createdAt int64) *types.Message {
	t.Helper()
	msg, err := CreateMessage(db, MessageInput{ChannelID: channelID, AgentID: agentID, Content: content, CreatedAt: createdAt})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return msg
}

func messageIDs(messages []types.Message) []string {
	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.MessageID)
	}
	return ids
}

func strPtr(value string) *string {
	return &value
}
