package db

import (
	"database/sql"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
)

type bookmarkRow struct {
	ReaderID          string
	ChannelID         string
	LastSeenMessageID sql.NullString
	LastSeenAt        int64
	LastSeenSeq       int64
	UpdatedAt         int64
}

func (row bookmarkRow) cursor() types.MessageCursor {
	return types.MessageCursor{CreatedAt: row.LastSeenAt, Seq: row.LastSeenSeq}
}

func (row bookmarkRow) toBookmark() types.Bookmark {
	return types.Bookmark{
		ReaderID:          row.ReaderID,
		ChannelID:         row.ChannelID,
		LastSeenMessageID: nullStringPtr(row.LastSeenMessageID),
		UpdatedAt:         row.UpdatedAt,
	}
}

// GetBookmark returns a reader's bookmark in a channel.
func GetBookmark(db DBTX, readerID, channelID string) (*types.Bookmark, error) {
	row, err := getBookmarkRow(db, readerID, channelID)
	if err != nil || row == nil {
		return nil, err
	}
	bookmark := row.toBookmark()
	return &bookmark, nil
}

// SetBookmark moves a reader's bookmark to messageID. The message must
// belong to the channel; moves backward in channel order are ignored.
func SetBookmark(db DBTX, readerID, channelID, messageID string) error {
	msg, err := GetMessage(db, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return core.NotFound("message", messageID)
	}
	if msg.ChannelID != channelID {
		return core.NewValidationError("message %s is not in channel %s", messageID, channelID)
	}
	return advanceBookmark(db, readerID, channelID, msg)
}

// CopyBookmarks copies every bookmark of fromReader onto toReader, keeping
// whichever position is further along. It returns the number of channels
// copied.
func CopyBookmarks(db DBTX, fromReader, toReader string) (int64, error) {
	if fromReader == toReader {
		return 0, nil
	}
	result, err := db.Exec(`
		INSERT INTO mm_bookmarks (reader_id, channel_id, last_seen_message_id, last_seen_at, last_seen_seq, updated_at)
		SELECT ?, channel_id, last_seen_message_id, last_seen_at, last_seen_seq, ?
		FROM mm_bookmarks WHERE reader_id = ?
		ON CONFLICT(reader_id, channel_id) DO UPDATE SET
			last_seen_message_id = excluded.last_seen_message_id,
			last_seen_at = excluded.last_seen_at,
			last_seen_seq = excluded.last_seen_seq,
			updated_at = excluded.updated_at
		WHERE (excluded.last_seen_at, excluded.last_seen_seq) > (mm_bookmarks.last_seen_at, mm_bookmarks.last_seen_seq)
	`, toReader, core.NowMillis(), fromReader)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// advanceBookmark upserts a bookmark at msg, or at the channel origin when
// msg is nil. Existing bookmarks only move forward.
func advanceBookmark(db DBTX, readerID, channelID string, msg *types.Message) error {
	var (
		messageID any
		at, seq   int64
	)
	if msg != nil {
		messageID = msg.MessageID
		at = msg.CreatedAt
		seq = msg.Seq
	}
	_, err := db.Exec(`
		INSERT INTO mm_bookmarks (reader_id, channel_id, last_seen_message_id, last_seen_at, last_seen_seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(reader_id, channel_id) DO UPDATE SET
			last_seen_message_id = excluded.last_seen_message_id,
			last_seen_at = excluded.last_seen_at,
			last_seen_seq = excluded.last_seen_seq,
			updated_at = excluded.updated_at
		WHERE (excluded.last_seen_at, excluded.last_seen_seq) > (mm_bookmarks.last_seen_at, mm_bookmarks.last_seen_seq)
	`, readerID, channelID, messageID, at, seq, core.NowMillis())
	return err
}

func getBookmarkRow(db DBTX, readerID, channelID string) (*bookmarkRow, error) {
	row := db.QueryRow(`
		SELECT reader_id, channel_id, last_seen_message_id, last_seen_at, last_seen_seq, updated_at
		FROM mm_bookmarks WHERE reader_id = ? AND channel_id = ?
	`, readerID, channelID)
	var b bookmarkRow
	if err := row.Scan(&b.ReaderID, &b.ChannelID, &b.LastSeenMessageID, &b.LastSeenAt, &b.LastSeenSeq, &b.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}
