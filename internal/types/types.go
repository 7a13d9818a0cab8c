package types

// Provider identifies the external executable family an agent runs under.
type Provider string

const (
	ProviderHuman  Provider = "human"
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
	ProviderGemini Provider = "gemini"
)

// Valid reports whether p is a known provider tag.
func (p Provider) Valid() bool {
	switch p {
	case ProviderHuman, ProviderClaude, ProviderCodex, ProviderGemini:
		return true
	}
	return false
}

// Agent represents a human or AI identity.
type Agent struct {
	AgentID          string   `json:"agent_id"`
	Identity         string   `json:"identity"`
	Provider         Provider `json:"provider"`
	Model            *string  `json:"model,omitempty"`
	ConstitutionHash *string  `json:"constitution_hash,omitempty"`
	SelfDescription  *string  `json:"self_description,omitempty"`
	CreatedAt        int64    `json:"created_at"`
	ArchivedAt       *int64   `json:"archived_at,omitempty"`
}

// Launchable reports whether the agent can back a spawn.
func (a Agent) Launchable() bool {
	if a.ArchivedAt != nil || a.Provider == ProviderHuman || !a.Provider.Valid() {
		return false
	}
	return a.Model != nil && *a.Model != ""
}

// Constitution is content-addressed instruction text.
type Constitution struct {
	Hash      string `json:"hash"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// SpawnStatus is a node of the spawn state machine.
type SpawnStatus string

const (
	SpawnPending   SpawnStatus = "pending"
	SpawnRunning   SpawnStatus = "running"
	SpawnActive    SpawnStatus = "active"
	SpawnPaused    SpawnStatus = "paused"
	SpawnCompleted SpawnStatus = "completed"
	SpawnFailed    SpawnStatus = "failed"
	SpawnTimeout   SpawnStatus = "timeout"
	SpawnKilled    SpawnStatus = "killed"
)

// Terminal reports whether the status has no outgoing transitions.
func (s SpawnStatus) Terminal() bool {
	switch s {
	case SpawnCompleted, SpawnFailed, SpawnTimeout, SpawnKilled:
		return true
	}
	return false
}

// Live reports whether a spawn in this status still counts toward the
// one-live-spawn-per-channel rule.
func (s SpawnStatus) Live() bool {
	switch s {
	case SpawnPending, SpawnRunning, SpawnActive, SpawnPaused:
		return true
	}
	return false
}

// Reusable reports whether a new mention can be delivered as the next turn
// without creating a new spawn.
func (s SpawnStatus) Reusable() bool {
	switch s {
	case SpawnPending, SpawnRunning, SpawnActive:
		return true
	}
	return false
}

// LiveStatuses lists live statuses in a stable order.
var LiveStatuses = []SpawnStatus{SpawnPending, SpawnRunning, SpawnActive, SpawnPaused}

// ReusableStatuses lists reusable statuses in a stable order.
var ReusableStatuses = []SpawnStatus{SpawnPending, SpawnRunning, SpawnActive}

// Spawn is one logical run of an agent.
type Spawn struct {
	ID               string      `json:"id"`
	AgentID          string      `json:"agent_id"`
	ChannelID        *string     `json:"channel_id,omitempty"`
	ParentSpawnID    *string     `json:"parent_spawn_id,omitempty"`
	SessionID        *string     `json:"session_id,omitempty"`
	ConstitutionHash *string     `json:"constitution_hash,omitempty"`
	Status           SpawnStatus `json:"status"`
	PID              *int        `json:"pid,omitempty"`
	Marker           string      `json:"marker"`
	ResumeFrom       *string     `json:"resume_from,omitempty"`
	WorkDir          *string     `json:"work_dir,omitempty"`
	CompactedFrom    *string     `json:"compacted_from,omitempty"`
	CreatedAt        int64       `json:"created_at"`
	UpdatedAt        int64       `json:"updated_at"`
	EndedAt          *int64      `json:"ended_at,omitempty"`
	IndexedAt        *int64      `json:"indexed_at,omitempty"`
}

// SpawnFilter narrows spawn listings.
type SpawnFilter struct {
	AgentID   string
	ChannelID string
	Statuses  []SpawnStatus
	Limit     int
}

// SpawnTurn is a queued unit of input for a spawn.
type SpawnTurn struct {
	ID         int64  `json:"id"`
	SpawnID    string `json:"spawn_id"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"created_at"`
	ConsumedAt *int64 `json:"consumed_at,omitempty"`
}

// CorrelationStrategy names how a session artifact was matched.
type CorrelationStrategy string

const (
	StrategyMarker CorrelationStrategy = "marker"
	StrategyOutput CorrelationStrategy = "output"
	StrategyNewest CorrelationStrategy = "newest"
	StrategyResume CorrelationStrategy = "resume"
)

// SessionLink records the artifact a spawn was correlated with.
type SessionLink struct {
	SpawnID   string              `json:"spawn_id"`
	SessionID string              `json:"session_id"`
	Path      *string             `json:"path,omitempty"`
	Strategy  CorrelationStrategy `json:"strategy"`
	LinkedAt  int64               `json:"linked_at"`
}

// SessionEvent is one record parsed from a session artifact, and the wire
// record of the spawn stream.
type SessionEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content"`
}

// Channel is a named coordination space.
type Channel struct {
	ChannelID      string  `json:"channel_id"`
	Name           string  `json:"name"`
	Topic          *string `json:"topic,omitempty"`
	CreatedAt      int64   `json:"created_at"`
	ArchivedAt     *int64  `json:"archived_at,omitempty"`
	PinnedAt       *int64  `json:"pinned_at,omitempty"`
	TimerExpiresAt *int64  `json:"timer_expires_at,omitempty"`
	ContinuesFrom  *string `json:"continues_from,omitempty"`
}

// ChannelFilter selects channel listings.
type ChannelFilter string

const (
	ChannelFilterAll    ChannelFilter = "all"
	ChannelFilterUnread ChannelFilter = "unread"
)

// ChannelSummary pairs a channel with an unread count for a reader.
type ChannelSummary struct {
	Channel
	Unread int `json:"unread"`
}

// Message is an append-only channel entry.
type Message struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	AgentID   string `json:"agent_id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	Seq       int64  `json:"seq"`
}

// MessageCursor is a position in channel order.
type MessageCursor struct {
	CreatedAt int64
	Seq       int64
}

// After reports whether c sorts strictly after other.
func (c MessageCursor) After(other MessageCursor) bool {
	if c.CreatedAt != other.CreatedAt {
		return c.CreatedAt > other.CreatedAt
	}
	return c.Seq > other.Seq
}

// Bookmark is a reader's last-seen position in a channel.
type Bookmark struct {
	ReaderID          string  `json:"reader_id"`
	ChannelID         string  `json:"channel_id"`
	LastSeenMessageID *string `json:"last_seen_message_id,omitempty"`
	UpdatedAt         int64   `json:"updated_at"`
}

// HandoffStatus is the lifecycle of a handoff.
type HandoffStatus string

const (
	HandoffPending HandoffStatus = "pending"
	HandoffClosed  HandoffStatus = "closed"
)

// Handoff transfers a unit of work between agents in a channel.
type Handoff struct {
	HandoffID string        `json:"handoff_id"`
	ChannelID string        `json:"channel_id"`
	FromAgent string        `json:"from_agent"`
	ToAgent   string        `json:"to_agent"`
	Summary   string        `json:"summary"`
	MessageID string        `json:"message_id"`
	Status    HandoffStatus `json:"status"`
	CreatedAt int64         `json:"created_at"`
	ClosedAt  *int64        `json:"closed_at,omitempty"`
}

// Note is a per-channel annotation.
type Note struct {
	NoteID    string `json:"note_id"`
	ChannelID string `json:"channel_id"`
	AgentID   string `json:"agent_id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}
