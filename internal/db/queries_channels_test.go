package db

import (
	"reflect"
	"testing"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
)

func TestCreateChannelUniqueName(t *testing.T) {
	db := openChannelsDB(t)
	mustChannel(t, db, "general")

	if _, err := CreateChannel(db, ChannelInput{Name: "general"}); !core.IsValidation(err) {
		t.Fatalf("expected validation error for duplicate name, got %v", err)
	}
	if _, err := CreateChannel(db, ChannelInput{Name: "Bad Name"}); !core.IsValidation(err) {
		t.Fatalf("expected validation error for bad name, got %v", err)
	}
}

func TestResolveOrCreateChannel(t *testing.T) {
	db := openChannelsDB(t)

	first, created, err := ResolveOrCreateChannel(db, "#ops")
	if err != nil {
		t.Fatalf("resolve or create: %v", err)
	}
	if !created || first.Name != "ops" {
		t.Fatalf("expected ops to be created, got %+v created=%v", first, created)
	}

	byID, created, err := ResolveOrCreateChannel(db, first.ChannelID)
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	if created || byID.ChannelID != first.ChannelID {
		t.Fatalf("expected existing channel by id")
	}

	if _, err := ResolveChannel(db, "missing"); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChannelLifecycle(t *testing.T) {
	db := openChannelsDB(t)
	channel := mustChannel(t, db, "general")

	if err := RenameChannel(db, channel.ChannelID, "lobby"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := PinChannel(db, channel.ChannelID); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := ArchiveChannel(db, channel.ChannelID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, err := GetChannel(db, channel.ChannelID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "lobby" || got.PinnedAt == nil || got.ArchivedAt == nil {
		t.Fatalf("unexpected channel state: %+v", got)
	}

	listed, err := ListChannels(db, ListChannelsOptions{Filter: types.ChannelFilterAll})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected archived channel hidden, got %d", len(listed))
	}

	if err := RestoreChannel(db, channel.ChannelID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := UnpinChannel(db, channel.ChannelID); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	got, _ = GetChannel(db, channel.ChannelID)
	if got.ArchivedAt != nil || got.PinnedAt != nil {
		t.Fatalf("expected restored and unpinned: %+v", got)
	}

	if err := ArchiveChannel(db, "ch-missing"); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteChannelCascades(t *testing.T) {
	db := openChannelsDB(t)
	channel := mustChannel(t, db, "general")
	other := mustChannel(t, db, "other")

	msg := mustMessage(t, db, channel.ChannelID, "agt-a", "hello", 0)
	mustMessage(t, db, other.ChannelID, "agt-a", "elsewhere", 0)
	if err := SetBookmark(db, "agt-b", channel.ChannelID, msg.MessageID); err != nil {
		t.Fatalf("bookmark: %v", err)
	}
	if _, err := AddNote(db, channel.ChannelID, "agt-a", "remember"); err != nil {
		t.Fatalf("note: %v", err)
	}
	if _, _, err := CreateHandoff(db, HandoffInput{ChannelID: channel.ChannelID, FromAgent: "agt-a", ToAgent: "agt-b", Summary: "s", Announcement: "@b handoff: s"}); err != nil {
		t.Fatalf("handoff: %v", err)
	}

	if err := DeleteChannel(db, channel.ChannelID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	for _, table := range []string{"mm_messages", "mm_bookmarks", "mm_notes", "mm_handoffs"} {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE channel_id = ?`, channel.ChannelID).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Fatalf("expected %s rows removed, got %d", table, n)
		}
	}
	remaining, err := GetMessages(db, other.ChannelID, 0)
	if err != nil {
		t.Fatalf("get other: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected other channel untouched")
	}
}

func TestListChannelsUnread(t *testing.T) {
	db := openChannelsDB(t)
	general := mustChannel(t, db, "general")
	quiet := mustChannel(t, db, "quiet")

	mustMessage(t, db, general.ChannelID, "agt-a", "first", 0)
	if _, err := Recv(db, general.ChannelID, "agt-b", RecvOptions{}); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if _, err := Recv(db, quiet.ChannelID, "agt-b", RecvOptions{}); err != nil {
		t.Fatalf("recv: %v", err)
	}
	mustMessage(t, db, general.ChannelID, "agt-a", "second", 0)
	mustMessage(t, db, general.ChannelID, "agt-b", "my own", 0)

	unread, err := ListChannels(db, ListChannelsOptions{Filter: types.ChannelFilterUnread, ReaderID: "agt-b", AgentID: "agt-b"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(unread) != 1 || unread[0].Name != "general" || unread[0].Unread != 1 {
		t.Fatalf("unexpected unread list: %+v", unread)
	}
}

func TestChannelMembersAndTimers(t *testing.T) {
	db := openChannelsDB(t)
	channel := mustChannel(t, db, "general")
	mustMessage(t, db, channel.ChannelID, "agt-b", "one", 0)
	mustMessage(t, db, channel.ChannelID, "agt-a", "two", 0)
	mustMessage(t, db, channel.ChannelID, "agt-b", "three", 0)

	members, err := ChannelMembers(db, channel.ChannelID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if !reflect.DeepEqual(members, []string{"agt-b", "agt-a"}) {
		t.Fatalf("unexpected members: %v", members)
	}

	expires := time.Now().Add(time.Minute).UnixMilli()
	if err := SetChannelTimer(db, channel.ChannelID, expires); err != nil {
		t.Fatalf("set timer: %v", err)
	}
	timed, err := ListTimedChannels(db)
	if err != nil {
		t.Fatalf("list timed: %v", err)
	}
	if len(timed) != 1 || *timed[0].TimerExpiresAt != expires {
		t.Fatalf("unexpected timed channels: %+v", timed)
	}

	cleared, err := ClearChannelTimer(db, channel.ChannelID)
	if err != nil || !cleared {
		t.Fatalf("expected timer cleared: %v", err)
	}
	cleared, err = ClearChannelTimer(db, channel.ChannelID)
	if err != nil || cleared {
		t.Fatalf("expected second clear to be a no-op: %v", err)
	}
}

func TestNextSuccessorName(t *testing.T) {
	db := openChannelsDB(t)
	mustChannel(t, db, "general")
	mustChannel(t, db, "general-2")

	name, err := NextSuccessorName(db, "general")
	if err != nil {
		t.Fatalf("successor: %v", err)
	}
	if name != "general-3" {
		t.Fatalf("expected general-3, got %s", name)
	}
	name, err = NextSuccessorName(db, "general-2")
	if err != nil {
		t.Fatalf("successor: %v", err)
	}
	if name != "general-3" {
		t.Fatalf("expected general-3 from general-2, got %s", name)
	}
}
