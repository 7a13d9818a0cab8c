// Package spawn owns the spawn state machine and runs provider processes
// for spawns.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/metrics"
	"github.com/adamavenir/murmur/internal/provider"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ingester copies a spawn's session artifact into the store.
type Ingester interface {
	Ingest(ctx context.Context, spawn types.Spawn, adapter provider.Adapter) ([]types.SessionEvent, error)
}

// Indexer receives completed session content.
type Indexer interface {
	Index(ctx context.Context, spawn types.Spawn, events []types.SessionEvent) error
}

// Options wires a Manager.
type Options struct {
	Config    core.Config
	Project   core.Project
	Stores    *db.Stores
	Registry  *provider.Registry
	Ingester  Ingester
	Indexer   Indexer
	Processes ProcessControl
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// WaitPoll is the Wait polling interval.
	WaitPoll time.Duration
}

// Manager is the only writer of spawn status.
type Manager struct {
	cfg       core.Config
	project   core.Project
	stores    *db.Stores
	registry  *provider.Registry
	ingester  Ingester
	indexer   Indexer
	processes ProcessControl
	logger    *zap.Logger
	metrics   *metrics.Metrics
	waitPoll  time.Duration
}

// NewManager builds a manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		cfg:       opts.Config,
		project:   opts.Project,
		stores:    opts.Stores,
		registry:  opts.Registry,
		ingester:  opts.Ingester,
		indexer:   opts.Indexer,
		processes: opts.Processes,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		waitPoll:  opts.WaitPoll,
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.processes == nil {
		m.processes = OSProcesses{}
	}
	if m.waitPoll <= 0 {
		m.waitPoll = 250 * time.Millisecond
	}
	return m
}

// Config returns the manager's configuration.
func (m *Manager) Config() core.Config { return m.cfg }

// Project returns the workspace the manager serves.
func (m *Manager) Project() core.Project { return m.project }

// Stores returns the workspace stores.
func (m *Manager) Stores() *db.Stores { return m.stores }

// Logger returns the manager's logger.
func (m *Manager) Logger() *zap.Logger { return m.logger }

// CreateRequest describes a new spawn.
type CreateRequest struct {
	AgentID       string
	ChannelID     *string
	ParentSpawnID *string
	// WorkDir defaults to the workspace root.
	WorkDir string
	// ResumeFrom seeds the first launch with an existing provider session.
	ResumeFrom *string
	// CompactedFrom records the spawn this one continues after !compact.
	CompactedFrom *string
}

// Create validates the agent and parent depth and persists a pending spawn.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Spawn, error) {
	agent, err := m.CheckCreate(req)
	if err != nil {
		return nil, err
	}

	marker, err := core.GenerateMarker()
	if err != nil {
		return nil, err
	}
	workDir := req.WorkDir
	if workDir == "" {
		workDir = m.project.Root
	}
	now := core.NowMillis()
	spawn := types.Spawn{
		ID:               uuid.NewString(),
		AgentID:          agent.AgentID,
		ChannelID:        req.ChannelID,
		ParentSpawnID:    req.ParentSpawnID,
		ConstitutionHash: agent.ConstitutionHash,
		Status:           types.SpawnPending,
		Marker:           marker,
		ResumeFrom:       req.ResumeFrom,
		CompactedFrom:    req.CompactedFrom,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if workDir != "" {
		spawn.WorkDir = &workDir
	}
	if err := db.InsertSpawn(m.stores.Spawns, spawn); err != nil {
		if errors.Is(err, db.ErrLiveSpawnExists) {
			return nil, fmt.Errorf("@%s: %w", agent.Identity, err)
		}
		return nil, err
	}

	m.metrics.SpawnCreated()
	m.logger.Info("spawn created",
		zap.String("spawn", spawn.ID),
		zap.String("identity", agent.Identity),
		zap.Stringp("channel", spawn.ChannelID),
		zap.Stringp("parent", spawn.ParentSpawnID),
	)
	return &spawn, nil
}

// CheckCreate validates req without persisting anything and returns the
// agent it would launch.
func (m *Manager) CheckCreate(req CreateRequest) (*types.Agent, error) {
	agent, err := db.GetAgent(m.stores.Identities, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, core.NotFound("agent", req.AgentID)
	}
	if err := checkLaunchable(*agent); err != nil {
		return nil, err
	}
	if req.ParentSpawnID == nil {
		return agent, nil
	}

	depth, err := db.SpawnDepth(m.stores.Spawns, *req.ParentSpawnID)
	if err != nil {
		return nil, err
	}
	// A compaction successor replaces its parent at the same depth.
	if req.CompactedFrom != nil && *req.CompactedFrom == *req.ParentSpawnID {
		return agent, nil
	}
	if depth >= m.cfg.MaxSpawnDepth {
		return nil, core.NewValidationError("depth exceeded: spawn %s is at depth %d (max %d)",
			core.ShortID(*req.ParentSpawnID), depth, m.cfg.MaxSpawnDepth)
	}
	return agent, nil
}

func checkLaunchable(agent types.Agent) error {
	switch {
	case agent.ArchivedAt != nil:
		return core.NewValidationError("agent @%s is archived", agent.Identity)
	case agent.Provider == types.ProviderHuman:
		return core.NewValidationError("agent @%s is human and cannot be launched", agent.Identity)
	case !agent.Launchable():
		return core.NewValidationError("agent @%s has no provider model", agent.Identity)
	}
	return nil
}

// Get resolves a spawn by id or unique id prefix.
func (m *Manager) Get(ref string) (*types.Spawn, error) {
	spawn, err := db.ResolveSpawn(m.stores.Spawns, ref)
	if err != nil {
		return nil, err
	}
	if spawn == nil {
		return nil, core.NotFound("spawn", ref)
	}
	return spawn, nil
}

// List returns spawns matching filter, newest first.
func (m *Manager) List(filter types.SpawnFilter) ([]types.Spawn, error) {
	return db.ListSpawns(m.stores.Spawns, filter)
}

// ListLive returns the live spawns of a channel.
func (m *Manager) ListLive(channelID string) ([]types.Spawn, error) {
	return db.ListSpawns(m.stores.Spawns, types.SpawnFilter{ChannelID: channelID, Statuses: types.LiveStatuses})
}

// GetActiveInChannel returns the most recent reusable spawn for the pair.
func (m *Manager) GetActiveInChannel(agentID, channelID string) (*types.Spawn, error) {
	return db.FindSpawnInChannel(m.stores.Spawns, agentID, channelID, types.ReusableStatuses)
}

// GetLiveInChannel returns the live spawn for the pair, paused included.
func (m *Manager) GetLiveInChannel(agentID, channelID string) (*types.Spawn, error) {
	return db.FindSpawnInChannel(m.stores.Spawns, agentID, channelID, types.LiveStatuses)
}

// Transition moves a spawn along a legal edge. The status is written before
// a tracked process is killed on entering a terminal state. Entering active or completed
// ingests the session, and completed also indexes it once.
func (m *Manager) Transition(ctx context.Context, id string, to types.SpawnStatus) (*types.Spawn, error) {
	spawn, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if spawn.Status == to {
		return spawn, nil
	}
	if !CanTransition(spawn.Status, to) {
		return nil, core.NewValidationError("spawn %s: cannot move from %s to %s", core.ShortID(spawn.ID), spawn.Status, to)
	}

	if err := db.UpdateSpawnStatus(m.stores.Spawns, spawn.ID, spawn.Status, to); err != nil {
		if errors.Is(err, db.ErrStatusConflict) {
			return nil, fmt.Errorf("spawn %s: %w", core.ShortID(spawn.ID), err)
		}
		return nil, err
	}
	m.metrics.Transition(string(to))
	m.logger.Info("spawn transition",
		zap.String("spawn", spawn.ID),
		zap.String("from", string(spawn.Status)),
		zap.String("to", string(to)),
	)

	updated, err := db.GetSpawn(m.stores.Spawns, spawn.ID)
	if err != nil {
		return nil, err
	}
	if to.Terminal() && updated.PID != nil {
		if err := m.processes.Kill(ctx, *updated.PID, m.cfg.KillGrace.Duration); err != nil {
			return nil, fmt.Errorf("kill spawn %s pid %d: %w", core.ShortID(spawn.ID), *updated.PID, err)
		}
		if err := db.SetSpawnPID(m.stores.Spawns, spawn.ID, nil); err != nil {
			return nil, err
		}
		updated.PID = nil
	}
	if to == types.SpawnActive || to == types.SpawnCompleted {
		m.ingest(ctx, *updated)
	}
	if to == types.SpawnCompleted {
		m.index(ctx, *updated)
	}
	return updated, nil
}

// claim moves a spawn from one status to running. It reports false when
// another runner changed the status first.
func (m *Manager) claim(spawn types.Spawn) (bool, error) {
	if !CanTransition(spawn.Status, types.SpawnRunning) {
		return false, nil
	}
	err := db.UpdateSpawnStatus(m.stores.Spawns, spawn.ID, spawn.Status, types.SpawnRunning)
	if errors.Is(err, db.ErrStatusConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.metrics.Transition(string(types.SpawnRunning))
	m.logger.Info("spawn transition",
		zap.String("spawn", spawn.ID),
		zap.String("from", string(spawn.Status)),
		zap.String("to", string(types.SpawnRunning)),
	)
	return true, nil
}

func (m *Manager) ingest(ctx context.Context, spawn types.Spawn) {
	if m.ingester == nil {
		return
	}
	adapter, err := m.AdapterFor(spawn)
	if err != nil {
		m.logger.Debug("ingest skipped", zap.String("spawn", spawn.ID), zap.Error(err))
		return
	}
	if _, err := m.ingester.Ingest(ctx, spawn, adapter); err != nil {
		m.logger.Debug("ingest failed", zap.String("spawn", spawn.ID), zap.Error(err))
	}
}

func (m *Manager) index(ctx context.Context, spawn types.Spawn) {
	if m.indexer == nil {
		return
	}
	claimed, err := db.MarkSpawnIndexed(m.stores.Spawns, spawn.ID)
	if err != nil || !claimed {
		return
	}
	events, err := db.GetSpawnEvents(m.stores.Spawns, spawn.ID)
	if err != nil {
		m.logger.Warn("index read failed", zap.String("spawn", spawn.ID), zap.Error(err))
		return
	}
	if err := m.indexer.Index(ctx, spawn, events); err != nil {
		m.logger.Warn("index failed", zap.String("spawn", spawn.ID), zap.Error(err))
	}
}

// Terminate ends a live spawn in final. Already-terminal spawns are returned
// unchanged.
func (m *Manager) Terminate(ctx context.Context, id string, final types.SpawnStatus) (*types.Spawn, error) {
	if !final.Terminal() {
		return nil, core.NewValidationError("%s is not a terminal status", final)
	}
	for attempt := 0; ; attempt++ {
		spawn, err := m.Get(id)
		if err != nil {
			return nil, err
		}
		if spawn.Status.Terminal() {
			return spawn, nil
		}
		ended, err := m.Transition(ctx, spawn.ID, final)
		// A runner may settle the spawn between our read and write.
		if errors.Is(err, db.ErrStatusConflict) && attempt < terminateAttempts {
			continue
		}
		return ended, err
	}
}

const terminateAttempts = 3

// Pause stops a running process with SIGSTOP and marks the spawn paused.
func (m *Manager) Pause(ctx context.Context, id string) (*types.Spawn, error) {
	spawn, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(spawn.Status, types.SpawnPaused) {
		return nil, core.NewValidationError("spawn %s is %s and cannot be paused", core.ShortID(spawn.ID), spawn.Status)
	}
	if spawn.PID != nil {
		if err := m.processes.Signal(*spawn.PID, syscall.SIGSTOP); err != nil {
			return nil, err
		}
	}
	return m.Transition(ctx, spawn.ID, types.SpawnPaused)
}

// Resume continues a paused spawn. needsRunner is true when no process is
// attached and the caller must launch a runner for queued turns.
func (m *Manager) Resume(ctx context.Context, id string) (spawn *types.Spawn, needsRunner bool, err error) {
	spawn, err = m.Get(id)
	if err != nil {
		return nil, false, err
	}
	if spawn.Status != types.SpawnPaused {
		return nil, false, core.NewValidationError("spawn %s is %s, not paused", core.ShortID(spawn.ID), spawn.Status)
	}
	attached := spawn.PID != nil && m.processes.Alive(*spawn.PID)
	if attached {
		if err := m.processes.Signal(*spawn.PID, syscall.SIGCONT); err != nil {
			return nil, false, err
		}
	}
	spawn, err = m.Transition(ctx, spawn.ID, types.SpawnRunning)
	if err != nil {
		return nil, false, err
	}
	return spawn, !attached, nil
}

// SetPID records or clears the process id of a spawn.
func (m *Manager) SetPID(id string, pid *int) error {
	return db.SetSpawnPID(m.stores.Spawns, id, pid)
}

// EnqueueTurn queues content for the spawn's next run.
func (m *Manager) EnqueueTurn(id, content string) (*types.SpawnTurn, error) {
	return db.EnqueueTurn(m.stores.Spawns, id, content)
}

// NextTurn returns the oldest queued turn, or nil.
func (m *Manager) NextTurn(id string) (*types.SpawnTurn, error) {
	return db.NextTurn(m.stores.Spawns, id)
}

// ConsumeTurn marks a turn consumed and reports whether this caller won it.
func (m *Manager) ConsumeTurn(turnID int64) (bool, error) {
	return db.ConsumeTurn(m.stores.Spawns, turnID)
}

// Wait polls until the spawn is terminal or active. It returns
// core.ErrTimeout once timeout elapses; a zero timeout waits until ctx ends.
func (m *Manager) Wait(ctx context.Context, id string, timeout time.Duration) (*types.Spawn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(m.waitPoll)
	defer ticker.Stop()
	for {
		spawn, err := m.Get(id)
		if err != nil {
			return nil, err
		}
		if spawn.Status.Terminal() || spawn.Status == types.SpawnActive {
			return spawn, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return spawn, fmt.Errorf("spawn %s still %s: %w", core.ShortID(spawn.ID), spawn.Status, core.ErrTimeout)
			}
			return spawn, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReapOrphans fails spawns that can no longer make progress: running spawns
// whose tracked process is gone, and pending or running spawns without a
// process that have not changed for cfg.StaleAfter.
func (m *Manager) ReapOrphans(ctx context.Context) (int, error) {
	candidates, err := m.List(types.SpawnFilter{Statuses: []types.SpawnStatus{types.SpawnPending, types.SpawnRunning}})
	if err != nil {
		return 0, err
	}
	staleBefore := core.NowMillis() - m.cfg.StaleAfter.Milliseconds()
	reaped := 0
	for _, spawn := range candidates {
		fields := []zap.Field{zap.String("spawn", spawn.ID), zap.String("status", string(spawn.Status))}
		switch {
		case spawn.PID != nil:
			if m.processes.Alive(*spawn.PID) {
				continue
			}
			if err := db.SetSpawnPID(m.stores.Spawns, spawn.ID, nil); err != nil {
				return reaped, err
			}
			fields = append(fields, zap.Int("pid", *spawn.PID))
		case spawn.UpdatedAt > staleBefore:
			continue
		default:
			fields = append(fields, zap.Int64("updated_at", spawn.UpdatedAt))
		}
		if _, err := m.Transition(ctx, spawn.ID, types.SpawnFailed); err != nil {
			m.logger.Warn("reap failed", zap.String("spawn", spawn.ID), zap.Error(err))
			continue
		}
		m.logger.Info("orphaned spawn reaped", fields...)
		reaped++
	}
	return reaped, nil
}

// Agent returns the agent owning a spawn.
func (m *Manager) Agent(spawn types.Spawn) (*types.Agent, error) {
	agent, err := db.GetAgent(m.stores.Identities, spawn.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, core.NotFound("agent", spawn.AgentID)
	}
	return agent, nil
}

// AdapterFor returns the provider adapter of the spawn's agent.
func (m *Manager) AdapterFor(spawn types.Spawn) (provider.Adapter, error) {
	agent, err := m.Agent(spawn)
	if err != nil {
		return nil, err
	}
	return m.registry.Get(agent.Provider)
}
