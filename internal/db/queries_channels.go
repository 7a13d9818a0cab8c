package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
)

const channelColumns = `channel_id, name, topic, created_at, archived_at, pinned_at, timer_expires_at, continues_from`

// ChannelInput describes a new channel.
type ChannelInput struct {
	Name          string
	Topic         *string
	ContinuesFrom *string
}

// CreateChannel inserts a channel with a unique name.
func CreateChannel(db DBTX, input ChannelInput) (*types.Channel, error) {
	name := strings.ToLower(strings.TrimSpace(input.Name))
	if err := core.ValidateChannelName(name); err != nil {
		return nil, err
	}
	channelID, err := newID("ch")
	if err != nil {
		return nil, err
	}
	now := core.NowMillis()
	if _, err := db.Exec(`
		INSERT INTO mm_channels (channel_id, name, topic, created_at, continues_from)
		VALUES (?, ?, ?, ?, ?)
	`, channelID, name, nullableValue(input.Topic), now, nullableValue(input.ContinuesFrom)); err != nil {
		if isConstraintError(err) {
			return nil, core.NewValidationError("channel %q already exists", name)
		}
		return nil, err
	}
	return &types.Channel{
		ChannelID:     channelID,
		Name:          name,
		Topic:         input.Topic,
		CreatedAt:     now,
		ContinuesFrom: input.ContinuesFrom,
	}, nil
}

// GetChannel returns a channel by ID.
func GetChannel(db DBTX, channelID string) (*types.Channel, error) {
	row := db.QueryRow(`SELECT `+channelColumns+` FROM mm_channels WHERE channel_id = ?`, channelID)
	return scanChannelRow(row)
}

// GetChannelByName returns a channel by name.
func GetChannelByName(db DBTX, name string) (*types.Channel, error) {
	row := db.QueryRow(`SELECT `+channelColumns+` FROM mm_channels WHERE name = ?`, strings.ToLower(strings.TrimSpace(name)))
	return scanChannelRow(row)
}

// ResolveChannel finds a channel by name or ID.
func ResolveChannel(db DBTX, ref string) (*types.Channel, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "#")
	channel, err := GetChannelByName(db, ref)
	if err != nil || channel != nil {
		return channel, err
	}
	channel, err = GetChannel(db, ref)
	if err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, core.NotFound("channel", ref)
	}
	return channel, nil
}

// ResolveOrCreateChannel resolves ref, creating a channel named ref when it
// does not exist.
func ResolveOrCreateChannel(db DBTX, ref string) (*types.Channel, bool, error) {
	channel, err := ResolveChannel(db, ref)
	if err == nil {
		return channel, false, nil
	}
	if !core.IsNotFound(err) {
		return nil, false, err
	}
	channel, err = CreateChannel(db, ChannelInput{Name: strings.TrimPrefix(strings.TrimSpace(ref), "#")})
	if err != nil {
		if core.IsValidation(err) {
			if existing, lookupErr := ResolveChannel(db, ref); lookupErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return channel, true, nil
}

// RenameChannel changes a channel's name.
func RenameChannel(db DBTX, channelID, newName string) error {
	newName = strings.ToLower(strings.TrimSpace(newName))
	if err := core.ValidateChannelName(newName); err != nil {
		return err
	}
	result, err := db.Exec(`UPDATE mm_channels SET name = ? WHERE channel_id = ?`, newName, channelID)
	if err != nil {
		if isConstraintError(err) {
			return core.NewValidationError("channel %q already exists", newName)
		}
		return err
	}
	return requireRow(result, "channel", channelID)
}

// SetChannelTopic sets or clears the topic.
func SetChannelTopic(db DBTX, channelID string, topic *string) error {
	result, err := db.Exec(`UPDATE mm_channels SET topic = ? WHERE channel_id = ?`, nullableValue(topic), channelID)
	if err != nil {
		return err
	}
	return requireRow(result, "channel", channelID)
}

// ArchiveChannel marks a channel archived.
func ArchiveChannel(db DBTX, channelID string) error {
	return setChannelStamp(db, channelID, "archived_at", true)
}

// RestoreChannel clears archived_at.
func RestoreChannel(db DBTX, channelID string) error {
	return setChannelStamp(db, channelID, "archived_at", false)
}

// PinChannel marks a channel pinned.
func PinChannel(db DBTX, channelID string) error {
	return setChannelStamp(db, channelID, "pinned_at", true)
}

// UnpinChannel clears pinned_at.
func UnpinChannel(db DBTX, channelID string) error {
	return setChannelStamp(db, channelID, "pinned_at", false)
}

func setChannelStamp(db DBTX, channelID, column string, set bool) error {
	var (
		result sql.Result
		err    error
	)
	if set {
		result, err = db.Exec(fmt.Sprintf(`UPDATE mm_channels SET %s = COALESCE(%s, ?) WHERE channel_id = ?`, column, column), core.NowMillis(), channelID)
	} else {
		result, err = db.Exec(fmt.Sprintf(`UPDATE mm_channels SET %s = NULL WHERE channel_id = ?`, column), channelID)
	}
	if err != nil {
		return err
	}
	return requireRow(result, "channel", channelID)
}

// DeleteChannel removes a channel with its messages, bookmarks, notes and
// handoffs.
func DeleteChannel(db *sql.DB, channelID string) error {
	return withTx(db, func(tx *sql.Tx) error {
		for _, table := range []string{"mm_handoffs", "mm_notes", "mm_bookmarks", "mm_messages"} {
			if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE channel_id = ?`, table), channelID); err != nil {
				return err
			}
		}
		result, err := tx.Exec(`DELETE FROM mm_channels WHERE channel_id = ?`, channelID)
		if err != nil {
			return err
		}
		return requireRow(result, "channel", channelID)
	})
}

// ListChannelsOptions controls ListChannels.
type ListChannelsOptions struct {
	Filter          types.ChannelFilter
	ReaderID        string
	AgentID         string
	IncludeArchived bool
}

// ListChannels returns channels pinned first then by name. Unread counts are
// computed for ReaderID, excluding messages authored by AgentID. The unread
// filter keeps only channels the reader has a bookmark in with unread
// messages.
func ListChannels(db *sql.DB, opts ListChannelsOptions) ([]types.ChannelSummary, error) {
	query := `
		SELECT c.channel_id, c.name, c.topic, c.created_at, c.archived_at, c.pinned_at, c.timer_expires_at, c.continues_from,
		       b.reader_id IS NOT NULL,
		       (SELECT COUNT(*) FROM mm_messages m
		         WHERE m.channel_id = c.channel_id
		           AND m.agent_id != ?
		           AND b.reader_id IS NOT NULL
		           AND (m.created_at, m.seq) > (b.last_seen_at, b.last_seen_seq))
		FROM mm_channels c
		LEFT JOIN mm_bookmarks b ON b.channel_id = c.channel_id AND b.reader_id = ?
	`
	if !opts.IncludeArchived {
		query += ` WHERE c.archived_at IS NULL`
	}
	query += ` ORDER BY c.pinned_at IS NULL, c.name`

	rows, err := db.Query(query, opts.AgentID, opts.ReaderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []types.ChannelSummary
	for rows.Next() {
		var row channelRow
		var hasBookmark bool
		var unread int
		if err := rows.Scan(&row.ChannelID, &row.Name, &row.Topic, &row.CreatedAt, &row.ArchivedAt, &row.PinnedAt,
			&row.TimerExpiresAt, &row.ContinuesFrom, &hasBookmark, &unread); err != nil {
			return nil, err
		}
		if opts.Filter == types.ChannelFilterUnread && (!hasBookmark || unread == 0) {
			continue
		}
		channels = append(channels, types.ChannelSummary{Channel: row.toChannel(), Unread: unread})
	}
	return channels, rows.Err()
}

// ChannelMembers returns the distinct agent IDs that have posted, in order
// of first post.
func ChannelMembers(db DBTX, channelID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT agent_id FROM mm_messages
		WHERE channel_id = ?
		GROUP BY agent_id
		ORDER BY MIN(seq)
	`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// SetChannelTimer sets the expiry of a channel timer.
func SetChannelTimer(db DBTX, channelID string, expiresAt int64) error {
	result, err := db.Exec(`UPDATE mm_channels SET timer_expires_at = ? WHERE channel_id = ?`, expiresAt, channelID)
	if err != nil {
		return err
	}
	return requireRow(result, "channel", channelID)
}

// ClearChannelTimer clears a channel timer and reports whether one was set.
func ClearChannelTimer(db DBTX, channelID string) (bool, error) {
	result, err := db.Exec(`
		UPDATE mm_channels SET timer_expires_at = NULL
		WHERE channel_id = ? AND timer_expires_at IS NOT NULL
	`, channelID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// ListTimedChannels returns channels with a timer set, soonest first.
func ListTimedChannels(db DBTX) ([]types.Channel, error) {
	rows, err := db.Query(`
		SELECT ` + channelColumns + ` FROM mm_channels
		WHERE timer_expires_at IS NOT NULL
		ORDER BY timer_expires_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []types.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}

// NextSuccessorName returns name-2, name-3, ... for the first unused name.
func NextSuccessorName(db DBTX, name string) (string, error) {
	base := name
	if idx := strings.LastIndex(name, "-"); idx > 0 {
		suffix := name[idx+1:]
		if suffix != "" && strings.Trim(suffix, "0123456789") == "" {
			base = name[:idx]
		}
	}
	for n := 2; n < 1000; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		existing, err := GetChannelByName(db, candidate)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free successor name for %s", name)
}

// AddNote attaches a note to a channel.
func AddNote(db DBTX, channelID, agentID, content string) (*types.Note, error) {
	if strings.TrimSpace(content) == "" {
		return nil, core.NewValidationError("note content is required")
	}
	noteID, err := newID("note")
	if err != nil {
		return nil, err
	}
	note := types.Note{NoteID: noteID, ChannelID: channelID, AgentID: agentID, Content: content, CreatedAt: core.NowMillis()}
	if _, err := db.Exec(`
		INSERT INTO mm_notes (note_id, channel_id, agent_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, note.NoteID, note.ChannelID, note.AgentID, note.Content, note.CreatedAt); err != nil {
		return nil, err
	}
	return &note, nil
}

// GetNotes returns a channel's notes oldest first.
func GetNotes(db DBTX, channelID string) ([]types.Note, error) {
	rows, err := db.Query(`
		SELECT note_id, channel_id, agent_id, content, created_at
		FROM mm_notes WHERE channel_id = ?
		ORDER BY created_at, note_id
	`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []types.Note
	for rows.Next() {
		var note types.Note
		if err := rows.Scan(&note.NoteID, &note.ChannelID, &note.AgentID, &note.Content, &note.CreatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func requireRow(result sql.Result, kind, ref string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.NotFound(kind, ref)
	}
	return nil
}

func scanChannelRow(row *sql.Row) (*types.Channel, error) {
	channel, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &channel, nil
}

func scanChannel(scanner interface{ Scan(dest ...any) error }) (types.Channel, error) {
	var row channelRow
	if err := scanner.Scan(&row.ChannelID, &row.Name, &row.Topic, &row.CreatedAt, &row.ArchivedAt, &row.PinnedAt,
		&row.TimerExpiresAt, &row.ContinuesFrom); err != nil {
		return types.Channel{}, err
	}
	return row.toChannel(), nil
}

type channelRow struct {
	ChannelID      string
	Name           string
	Topic          sql.NullString
	CreatedAt      int64
	ArchivedAt     sql.NullInt64
	PinnedAt       sql.NullInt64
	TimerExpiresAt sql.NullInt64
	ContinuesFrom  sql.NullString
}

func (row channelRow) toChannel() types.Channel {
	return types.Channel{
		ChannelID:      row.ChannelID,
		Name:           row.Name,
		Topic:          nullStringPtr(row.Topic),
		CreatedAt:      row.CreatedAt,
		ArchivedAt:     nullIntPtr(row.ArchivedAt),
		PinnedAt:       nullIntPtr(row.PinnedAt),
		TimerExpiresAt: nullIntPtr(row.TimerExpiresAt),
		ContinuesFrom:  nullStringPtr(row.ContinuesFrom),
	}
}
