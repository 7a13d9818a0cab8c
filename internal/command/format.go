package command

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/dustin/go-humanize"
)

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func formatRelative(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return humanize.Time(time.UnixMilli(ms))
}

// identityNames maps agent ids to identities for display.
type identityNames map[string]string

func (n identityNames) name(agentID string) string {
	if identity, ok := n[agentID]; ok {
		return "@" + identity
	}
	return core.ShortID(agentID)
}

func formatMessage(msg types.Message, names identityNames) string {
	return fmt.Sprintf("[%s] %s: %s", formatRelative(msg.CreatedAt), names.name(msg.AgentID), msg.Content)
}

func formatChannel(ch types.ChannelSummary) string {
	var flags []string
	if ch.PinnedAt != nil {
		flags = append(flags, "pinned")
	}
	if ch.ArchivedAt != nil {
		flags = append(flags, "archived")
	}
	if ch.TimerExpiresAt != nil {
		flags = append(flags, "timer "+humanize.Time(time.UnixMilli(*ch.TimerExpiresAt)))
	}
	line := "#" + ch.Name
	if ch.Unread > 0 {
		line += fmt.Sprintf(" (%s unread)", humanize.Comma(int64(ch.Unread)))
	}
	if len(flags) > 0 {
		line += " [" + strings.Join(flags, ", ") + "]"
	}
	if ch.Topic != nil && *ch.Topic != "" {
		line += " - " + *ch.Topic
	}
	return line
}

func formatAgent(agent types.Agent) string {
	line := fmt.Sprintf("@%s (%s", agent.Identity, agent.Provider)
	if agent.Model != nil {
		line += " " + *agent.Model
	}
	line += ")"
	if agent.ArchivedAt != nil {
		line += " [archived]"
	}
	return line + " registered " + formatRelative(agent.CreatedAt)
}

func formatSpawn(sp types.Spawn, names identityNames) string {
	line := fmt.Sprintf("%s %s %-9s", core.ShortID(sp.ID), names.name(sp.AgentID), sp.Status)
	if sp.PID != nil {
		line += fmt.Sprintf(" pid %d", *sp.PID)
	}
	if sp.SessionID != nil {
		line += " session " + *sp.SessionID
	}
	return line + " started " + formatRelative(sp.CreatedAt)
}
