package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
)

const messageColumns = `message_id, channel_id, agent_id, content, created_at, seq`

// MessageInput describes a new message.
type MessageInput struct {
	ChannelID string
	AgentID   string
	Content   string
	CreatedAt int64
}

// CreateMessage appends a message to a channel.
func CreateMessage(db DBTX, input MessageInput) (*types.Message, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, core.NewValidationError("message content is required")
	}
	messageID, err := newID("msg")
	if err != nil {
		return nil, err
	}
	createdAt := input.CreatedAt
	if createdAt == 0 {
		createdAt = core.NowMillis()
	}
	result, err := db.Exec(`
		INSERT INTO mm_messages (message_id, channel_id, agent_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, messageID, input.ChannelID, input.AgentID, input.Content, createdAt)
	if err != nil {
		if isForeignKeyError(err) {
			return nil, core.NotFound("channel", input.ChannelID)
		}
		return nil, err
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &types.Message{
		MessageID: messageID,
		ChannelID: input.ChannelID,
		AgentID:   input.AgentID,
		Content:   input.Content,
		CreatedAt: createdAt,
		Seq:       seq,
	}, nil
}

// GetMessage returns a message by ID.
func GetMessage(db DBTX, messageID string) (*types.Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM mm_messages WHERE message_id = ?`, messageID)
	var msg types.Message
	if err := row.Scan(&msg.MessageID, &msg.ChannelID, &msg.AgentID, &msg.Content, &msg.CreatedAt, &msg.Seq); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// GetMessages returns the last limit messages of a channel in channel
// order. limit <= 0 returns all.
func GetMessages(db DBTX, channelID string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		return queryMessages(db, `
			SELECT `+messageColumns+` FROM mm_messages
			WHERE channel_id = ?
			ORDER BY created_at, seq
		`, channelID)
	}
	return queryMessages(db, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM mm_messages
			WHERE channel_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at, seq
	`, channelID, limit)
}

// GetMessagesAfter returns messages strictly after cursor in channel order.
func GetMessagesAfter(db DBTX, channelID string, cursor types.MessageCursor) ([]types.Message, error) {
	return queryMessages(db, `
		SELECT `+messageColumns+` FROM mm_messages
		WHERE channel_id = ? AND (created_at, seq) > (?, ?)
		ORDER BY created_at, seq
	`, channelID, cursor.CreatedAt, cursor.Seq)
}

// GetMessagesSince returns messages created at or after since.
func GetMessagesSince(db DBTX, channelID string, since int64) ([]types.Message, error) {
	return queryMessages(db, `
		SELECT `+messageColumns+` FROM mm_messages
		WHERE channel_id = ? AND created_at >= ?
		ORDER BY created_at, seq
	`, channelID, since)
}

// LatestMessage returns the newest message in a channel.
func LatestMessage(db DBTX, channelID string) (*types.Message, error) {
	row := db.QueryRow(`
		SELECT `+messageColumns+` FROM mm_messages
		WHERE channel_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, channelID)
	var msg types.Message
	if err := row.Scan(&msg.MessageID, &msg.ChannelID, &msg.AgentID, &msg.Content, &msg.CreatedAt, &msg.Seq); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// ReassignMessages moves authorship from one agent to another.
func ReassignMessages(db DBTX, fromAgentID, toAgentID string) error {
	if _, err := db.Exec(`UPDATE mm_messages SET agent_id = ? WHERE agent_id = ?`, toAgentID, fromAgentID); err != nil {
		return err
	}
	if _, err := db.Exec(`UPDATE mm_handoffs SET from_agent = ? WHERE from_agent = ?`, toAgentID, fromAgentID); err != nil {
		return err
	}
	_, err := db.Exec(`UPDATE mm_handoffs SET to_agent = ? WHERE to_agent = ?`, toAgentID, fromAgentID)
	return err
}

// RecvOptions controls Recv.
type RecvOptions struct {
	// Window, when set, returns messages from the last Window instead of
	// those after the bookmark.
	Window *time.Duration
	Now    time.Time
}

// Recv returns the reader's unseen messages and advances its bookmark to
// the last one returned. A reader with no bookmark is positioned at the
// newest message and receives nothing.
func Recv(db *sql.DB, channelID, readerID string, opts RecvOptions) ([]types.Message, error) {
	if strings.TrimSpace(readerID) == "" {
		return nil, core.NewValidationError("reader is required")
	}
	var messages []types.Message
	err := withTx(db, func(tx *sql.Tx) error {
		if opts.Window != nil {
			now := opts.Now
			if now.IsZero() {
				now = time.Now()
			}
			var err error
			messages, err = GetMessagesSince(tx, channelID, now.Add(-*opts.Window).UnixMilli())
			if err != nil {
				return err
			}
			if len(messages) > 0 {
				return advanceBookmark(tx, readerID, channelID, &messages[len(messages)-1])
			}
			existing, err := getBookmarkRow(tx, readerID, channelID)
			if err != nil || existing != nil {
				return err
			}
			return positionAtNewest(tx, readerID, channelID)
		}

		existing, err := getBookmarkRow(tx, readerID, channelID)
		if err != nil {
			return err
		}
		if existing == nil {
			return positionAtNewest(tx, readerID, channelID)
		}
		messages, err = GetMessagesAfter(tx, channelID, existing.cursor())
		if err != nil {
			return err
		}
		if len(messages) > 0 {
			return advanceBookmark(tx, readerID, channelID, &messages[len(messages)-1])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Peek returns the reader's unseen messages without moving the bookmark.
func Peek(db DBTX, channelID, readerID string) ([]types.Message, error) {
	existing, err := getBookmarkRow(db, readerID, channelID)
	if err != nil || existing == nil {
		return nil, err
	}
	return GetMessagesAfter(db, channelID, existing.cursor())
}

func positionAtNewest(db DBTX, readerID, channelID string) error {
	latest, err := LatestMessage(db, channelID)
	if err != nil {
		return err
	}
	return advanceBookmark(db, readerID, channelID, latest)
}

func queryMessages(db DBTX, query string, args ...any) ([]types.Message, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []types.Message
	for rows.Next() {
		var msg types.Message
		if err := rows.Scan(&msg.MessageID, &msg.ChannelID, &msg.AgentID, &msg.Content, &msg.CreatedAt, &msg.Seq); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
