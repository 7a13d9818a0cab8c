// Package spawntest wires a throwaway workspace with a scriptable provider
// for tests.
package spawntest

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/metrics"
	"github.com/adamavenir/murmur/internal/provider"
	"github.com/adamavenir/murmur/internal/provider/providertest"
	"github.com/adamavenir/murmur/internal/session"
	"github.com/adamavenir/murmur/internal/spawn"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// ScriptWriteSession records the prompt into a session artifact named
// sess-<spawn id> and exits 0.
const ScriptWriteSession = `printf '{"type":"user","content":"%s"}\n' "$(printf '%s' "$1" | head -n 1)" >> "$2/sess-$MURMUR_SPAWN_ID.jsonl"`

// Env is a wired workspace.
type Env struct {
	Project    core.Project
	Config     core.Config
	Stores     *db.Stores
	Fake       *providertest.Fake
	Metrics    *metrics.Metrics
	// Processes is nil for envs built by Real.
	Processes  *Processes
	Correlator *session.Correlator
	Manager    *spawn.Manager
	Runner     *spawn.Runner
}

// New builds an Env whose provider runs script. configure adjusts the
// config before the manager is built.
func New(t testing.TB, script string, configure ...func(*core.Config)) *Env {
	t.Helper()
	processes := &Processes{alive: map[int]bool{}}
	env := build(t, script, processes, configure)
	env.Processes = processes
	return env
}

// Real builds an Env that signals real processes.
func Real(t testing.TB, script string, configure ...func(*core.Config)) *Env {
	t.Helper()
	return build(t, script, spawn.OSProcesses{Poll: 10 * time.Millisecond}, configure)
}

func build(t testing.TB, script string, processes spawn.ProcessControl, configure []func(*core.Config)) *Env {
	t.Helper()
	project, err := core.InitProject(t.TempDir(), false)
	require.NoError(t, err)
	stores, err := db.OpenStores(project)
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	cfg := core.DefaultConfig()
	cfg.KillGrace.Duration = 50 * time.Millisecond
	cfg.SpawnRate = 1000
	cfg.SpawnBurst = 1000
	cfg.CorrelationSlack.Duration = time.Second
	for _, fn := range configure {
		fn(&cfg)
	}

	logger := zaptest.NewLogger(t)
	m := metrics.New()
	fake := providertest.New(t.TempDir(), script)
	correlator := session.NewCorrelator(stores.Spawns, session.DefaultStrategies(cfg.CorrelationSlack.Duration), logger, m)
	manager := spawn.NewManager(spawn.Options{
		Config:    cfg,
		Project:   project,
		Stores:    stores,
		Registry:  provider.NewRegistryWith(fake),
		Ingester:  session.NewIngester(stores.Spawns, correlator),
		Indexer:   session.LogIndexer{Logger: logger},
		Processes: processes,
		Logger:    logger,
		Metrics:   m,
		WaitPoll:  10 * time.Millisecond,
	})
	return &Env{
		Project:    project,
		Config:     cfg,
		Stores:     stores,
		Fake:       fake,
		Metrics:    m,
		Correlator: correlator,
		Manager:    manager,
		Runner:     spawn.NewRunner(manager, correlator),
	}
}

// Agent registers a launchable agent.
func (e *Env) Agent(t testing.TB, identity string) *types.Agent {
	t.Helper()
	model := "test-model"
	agent, err := db.RegisterAgent(e.Stores.Identities, db.AgentInput{
		Identity: identity,
		Provider: types.ProviderClaude,
		Model:    &model,
	})
	require.NoError(t, err)
	return agent
}

// Human ensures a human agent.
func (e *Env) Human(t testing.TB, identity string) *types.Agent {
	t.Helper()
	agent, err := db.EnsureAgent(e.Stores.Identities, identity)
	require.NoError(t, err)
	return agent
}

// Channel creates a channel.
func (e *Env) Channel(t testing.TB, name string) *types.Channel {
	t.Helper()
	channel, err := db.CreateChannel(e.Stores.Channels, db.ChannelInput{Name: name})
	require.NoError(t, err)
	return channel
}

// Status reads a spawn's status.
func (e *Env) Status(t testing.TB, id string) types.SpawnStatus {
	t.Helper()
	spawn, err := e.Manager.Get(id)
	require.NoError(t, err)
	return spawn.Status
}

// Force moves a spawn along edges to status, bypassing process effects.
func (e *Env) Force(t testing.TB, id string, path ...types.SpawnStatus) {
	t.Helper()
	for _, status := range path {
		_, err := e.Manager.Transition(context.Background(), id, status)
		require.NoError(t, err)
	}
}

// Processes is a ProcessControl that records signals instead of sending them.
type Processes struct {
	mu      sync.Mutex
	alive   map[int]bool
	onKill  func(pid int)
	Killed  []int
	Signals []syscall.Signal
}

// OnKill runs fn for every Kill before the pid is recorded.
func (p *Processes) OnKill(fn func(pid int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onKill = fn
}

// SetAlive marks a pid as running.
func (p *Processes) SetAlive(pid int, alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive[pid] = alive
}

func (p *Processes) Kill(_ context.Context, pid int, _ time.Duration) error {
	p.mu.Lock()
	hook := p.onKill
	p.mu.Unlock()
	if hook != nil {
		hook(pid)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.Killed = append(p.Killed, pid)
	p.alive[pid] = false
	return nil
}

func (p *Processes) Signal(_ int, sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Signals = append(p.Signals, sig)
	return nil
}

func (p *Processes) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

// KilledPIDs returns a copy of the killed pids.
func (p *Processes) KilledPIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.Killed...)
}
