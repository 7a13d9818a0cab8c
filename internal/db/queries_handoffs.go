package db

import (
	"database/sql"
	"strings"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
)

const handoffColumns = `handoff_id, channel_id, from_agent, to_agent, summary, message_id, status, created_at, closed_at`

// HandoffInput describes a new handoff and its announcing message.
type HandoffInput struct {
	ChannelID string
	FromAgent string
	ToAgent   string
	Summary   string
	// Announcement is the channel post that accompanies the handoff row.
	Announcement string
}

// CreateHandoff writes the handoff row and its announcing message in one
// transaction.
func CreateHandoff(db *sql.DB, input HandoffInput) (*types.Handoff, *types.Message, error) {
	if strings.TrimSpace(input.Summary) == "" {
		return nil, nil, core.NewValidationError("handoff summary is required")
	}
	if input.FromAgent == input.ToAgent {
		return nil, nil, core.NewValidationError("cannot hand off to yourself")
	}

	var (
		handoff *types.Handoff
		message *types.Message
	)
	err := withTx(db, func(tx *sql.Tx) error {
		var err error
		message, err = CreateMessage(tx, MessageInput{
			ChannelID: input.ChannelID,
			AgentID:   input.FromAgent,
			Content:   input.Announcement,
		})
		if err != nil {
			return err
		}
		handoffID, err := newID("hnd")
		if err != nil {
			return err
		}
		handoff = &types.Handoff{
			HandoffID: handoffID,
			ChannelID: input.ChannelID,
			FromAgent: input.FromAgent,
			ToAgent:   input.ToAgent,
			Summary:   input.Summary,
			MessageID: message.MessageID,
			Status:    types.HandoffPending,
			CreatedAt: message.CreatedAt,
		}
		_, err = tx.Exec(`
			INSERT INTO mm_handoffs (handoff_id, channel_id, from_agent, to_agent, summary, message_id, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, handoff.HandoffID, handoff.ChannelID, handoff.FromAgent, handoff.ToAgent, handoff.Summary,
			handoff.MessageID, string(handoff.Status), handoff.CreatedAt)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return handoff, message, nil
}

// GetHandoff returns a handoff by ID.
func GetHandoff(db DBTX, handoffID string) (*types.Handoff, error) {
	row := db.QueryRow(`SELECT `+handoffColumns+` FROM mm_handoffs WHERE handoff_id = ?`, handoffID)
	handoff, err := scanHandoff(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &handoff, nil
}

// ListHandoffs returns handoffs in a channel, optionally by status. An
// empty channelID lists every channel.
func ListHandoffs(db DBTX, channelID string, status *types.HandoffStatus) ([]types.Handoff, error) {
	query := `SELECT ` + handoffColumns + ` FROM mm_handoffs WHERE 1=1`
	var args []any
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at, handoff_id`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handoffs []types.Handoff
	for rows.Next() {
		handoff, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		handoffs = append(handoffs, handoff)
	}
	return handoffs, rows.Err()
}

// CloseHandoff closes a pending handoff. Closing a closed handoff returns
// it unchanged.
func CloseHandoff(db DBTX, handoffID string) (*types.Handoff, error) {
	if _, err := db.Exec(`
		UPDATE mm_handoffs SET status = ?, closed_at = ?
		WHERE handoff_id = ? AND status = ?
	`, string(types.HandoffClosed), core.NowMillis(), handoffID, string(types.HandoffPending)); err != nil {
		return nil, err
	}
	handoff, err := GetHandoff(db, handoffID)
	if err != nil {
		return nil, err
	}
	if handoff == nil {
		return nil, core.NotFound("handoff", handoffID)
	}
	return handoff, nil
}

func scanHandoff(scanner interface{ Scan(dest ...any) error }) (types.Handoff, error) {
	var (
		h        types.Handoff
		status   string
		closedAt sql.NullInt64
	)
	if err := scanner.Scan(&h.HandoffID, &h.ChannelID, &h.FromAgent, &h.ToAgent, &h.Summary, &h.MessageID,
		&status, &h.CreatedAt, &closedAt); err != nil {
		return types.Handoff{}, err
	}
	h.Status = types.HandoffStatus(status)
	h.ClosedAt = nullIntPtr(closedAt)
	return h, nil
}
