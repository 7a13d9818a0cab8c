package spawn_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/provider"
	"github.com/adamavenir/murmur/internal/spawn"
	"github.com/adamavenir/murmur/internal/spawn/spawntest"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to types.SpawnStatus
		ok       bool
	}{
		{types.SpawnPending, types.SpawnRunning, true},
		{types.SpawnPending, types.SpawnActive, false},
		{types.SpawnRunning, types.SpawnActive, true},
		{types.SpawnActive, types.SpawnRunning, true},
		{types.SpawnRunning, types.SpawnPaused, true},
		{types.SpawnPaused, types.SpawnRunning, true},
		{types.SpawnPaused, types.SpawnActive, false},
		{types.SpawnCompleted, types.SpawnRunning, false},
		{types.SpawnKilled, types.SpawnFailed, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, spawn.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCreateRejectsUnlaunchableAgents(t *testing.T) {
	env := spawntest.New(t, "true")
	ctx := context.Background()

	_, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: "agt-missing"})
	assert.True(t, core.IsNotFound(err), "got %v", err)

	human := env.Human(t, "alice")
	_, err = env.Manager.Create(ctx, spawn.CreateRequest{AgentID: human.AgentID})
	assert.True(t, core.IsValidation(err), "got %v", err)

	noModel := env.Agent(t, "nomodel")
	_, err = env.Stores.Identities.Exec(`UPDATE mm_agents SET model = NULL WHERE agent_id = ?`, noModel.AgentID)
	require.NoError(t, err)
	_, err = env.Manager.Create(ctx, spawn.CreateRequest{AgentID: noModel.AgentID})
	assert.True(t, core.IsValidation(err), "got %v", err)

	archived := env.Agent(t, "gone")
	require.NoError(t, db.ArchiveAgent(env.Stores.Identities, archived.AgentID))
	_, err = env.Manager.Create(ctx, spawn.CreateRequest{AgentID: archived.AgentID})
	assert.True(t, core.IsValidation(err), "got %v", err)
}

func TestCreateSnapshotsAndDefaults(t *testing.T) {
	env := spawntest.New(t, "true")
	text := "be careful"
	model := "m"
	agent, err := db.RegisterAgent(env.Stores.Identities, db.AgentInput{
		Identity:     "careful",
		Provider:     types.ProviderClaude,
		Model:        &model,
		Constitution: &text,
	})
	require.NoError(t, err)

	sp, err := env.Manager.Create(context.Background(), spawn.CreateRequest{AgentID: agent.AgentID})
	require.NoError(t, err)
	assert.Equal(t, types.SpawnPending, sp.Status)
	require.NotNil(t, sp.ConstitutionHash)
	assert.Equal(t, core.HashConstitution(text), *sp.ConstitutionHash)
	assert.NotEmpty(t, sp.Marker)
	require.NotNil(t, sp.WorkDir)
	assert.Equal(t, env.Project.Root, *sp.WorkDir)
}

func TestCreateDepthBoundary(t *testing.T) {
	env := spawntest.New(t, "true")
	agent := env.Agent(t, "bob")
	ctx := context.Background()
	max := env.Config.MaxSpawnDepth

	root, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID})
	require.NoError(t, err)

	parent := root
	for depth := 1; depth <= max; depth++ {
		child, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID, ParentSpawnID: &parent.ID})
		require.NoError(t, err, "depth %d should be allowed", depth)
		parent = child
	}

	_, err = env.Manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID, ParentSpawnID: &parent.ID})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
	assert.Contains(t, err.Error(), "depth exceeded")

	missing := "nope"
	_, err = env.Manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID, ParentSpawnID: &missing})
	assert.True(t, core.IsNotFound(err), "got %v", err)
}

func TestOneLiveSpawnPerChannel(t *testing.T) {
	env := spawntest.New(t, "true")
	agent := env.Agent(t, "bob")
	channel := env.Channel(t, "general")
	ctx := context.Background()

	first, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID, ChannelID: &channel.ChannelID})
	require.NoError(t, err)

	_, err = env.Manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID, ChannelID: &channel.ChannelID})
	assert.True(t, errors.Is(err, db.ErrLiveSpawnExists), "got %v", err)

	active, err := env.Manager.GetActiveInChannel(agent.AgentID, channel.ChannelID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.ID, active.ID)

	env.Force(t, first.ID, types.SpawnRunning, types.SpawnPaused)
	active, err = env.Manager.GetActiveInChannel(agent.AgentID, channel.ChannelID)
	require.NoError(t, err)
	assert.Nil(t, active, "paused spawns are not reusable")
	live, err := env.Manager.GetLiveInChannel(agent.AgentID, channel.ChannelID)
	require.NoError(t, err)
	require.NotNil(t, live)

	env.Force(t, first.ID, types.SpawnKilled)
	second, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID, ChannelID: &channel.ChannelID})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	env := spawntest.New(t, "true")
	agent := env.Agent(t, "bob")
	sp, err := env.Manager.Create(context.Background(), spawn.CreateRequest{AgentID: agent.AgentID})
	require.NoError(t, err)

	_, err = env.Manager.Transition(context.Background(), sp.ID, types.SpawnActive)
	assert.True(t, core.IsValidation(err), "got %v", err)

	env.Force(t, sp.ID, types.SpawnRunning, types.SpawnCompleted)
	done, err := env.Manager.Get(sp.ID)
	require.NoError(t, err)
	require.NotNil(t, done.EndedAt)
	require.NotNil(t, done.IndexedAt)

	_, err = env.Manager.Transition(context.Background(), sp.ID, types.SpawnRunning)
	assert.True(t, core.IsValidation(err), "got %v", err)
}

func TestTerminateKillsTrackedProcess(t *testing.T) {
	env := spawntest.New(t, "true")
	agent := env.Agent(t, "bob")
	ctx := context.Background()
	sp, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID})
	require.NoError(t, err)
	env.Force(t, sp.ID, types.SpawnRunning)

	pid := 4242
	env.Processes.SetAlive(pid, true)
	require.NoError(t, env.Manager.SetPID(sp.ID, &pid))

	killed, err := env.Manager.Terminate(ctx, sp.ID, types.SpawnKilled)
	require.NoError(t, err)
	assert.Equal(t, types.SpawnKilled, killed.Status)
	assert.Nil(t, killed.PID)
	assert.Equal(t, []int{pid}, env.Processes.KilledPIDs())

	again, err := env.Manager.Terminate(ctx, sp.ID, types.SpawnKilled)
	require.NoError(t, err)
	assert.Equal(t, types.SpawnKilled, again.Status)
	assert.Len(t, env.Processes.KilledPIDs(), 1)

	_, err = env.Manager.Terminate(ctx, sp.ID, types.SpawnRunning)
	assert.True(t, core.IsValidation(err))
}

func TestPauseAndResume(t *testing.T) {
	env := spawntest.New(t, "true")
	agent := env.Agent(t, "bob")
	ctx := context.Background()
	sp, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID})
	require.NoError(t, err)

	_, err = env.Manager.Pause(ctx, sp.ID)
	assert.True(t, core.IsValidation(err), "pending spawns cannot pause")

	env.Force(t, sp.ID, types.SpawnRunning, types.SpawnActive)
	paused, err := env.Manager.Pause(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SpawnPaused, paused.Status)

	resumed, needsRunner, err := env.Manager.Resume(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SpawnRunning, resumed.Status)
	assert.True(t, needsRunner)
}

func TestWaitTimesOut(t *testing.T) {
	env := spawntest.New(t, "true")
	agent := env.Agent(t, "bob")
	sp, err := env.Manager.Create(context.Background(), spawn.CreateRequest{AgentID: agent.AgentID})
	require.NoError(t, err)

	_, err = env.Manager.Wait(context.Background(), sp.ID, 50*time.Millisecond)
	assert.True(t, errors.Is(err, core.ErrTimeout), "got %v", err)

	env.Force(t, sp.ID, types.SpawnRunning, types.SpawnActive)
	got, err := env.Manager.Wait(context.Background(), sp.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.SpawnActive, got.Status)
}

func TestReapOrphans(t *testing.T) {
	env := spawntest.New(t, "true")
	agent := env.Agent(t, "bob")
	ctx := context.Background()

	orphan, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID})
	require.NoError(t, err)
	env.Force(t, orphan.ID, types.SpawnRunning)
	deadPID := 111
	require.NoError(t, env.Manager.SetPID(orphan.ID, &deadPID))

	healthy, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID})
	require.NoError(t, err)
	env.Force(t, healthy.ID, types.SpawnRunning)
	livePID := 222
	env.Processes.SetAlive(livePID, true)
	require.NoError(t, env.Manager.SetPID(healthy.ID, &livePID))

	n, err := env.Manager.ReapOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.SpawnFailed, env.Status(t, orphan.ID))
	assert.Equal(t, types.SpawnRunning, env.Status(t, healthy.ID))
}

func TestReapOrphansFailsStaleUnclaimedSpawns(t *testing.T) {
	env := spawntest.New(t, "true", func(cfg *core.Config) {
		cfg.StaleAfter.Duration = time.Hour
	})
	bob := env.Agent(t, "bob")
	carol := env.Agent(t, "carol")
	dave := env.Agent(t, "dave")
	ctx := context.Background()

	backdate := func(id string) {
		_, err := env.Stores.Spawns.Exec(`UPDATE mm_spawns SET updated_at = ? WHERE id = ?`,
			core.NowMillis()-2*time.Hour.Milliseconds(), id)
		require.NoError(t, err)
	}

	stalePending, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: bob.AgentID})
	require.NoError(t, err)
	backdate(stalePending.ID)

	staleRunning, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: carol.AgentID})
	require.NoError(t, err)
	env.Force(t, staleRunning.ID, types.SpawnRunning)
	backdate(staleRunning.ID)

	fresh, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: dave.AgentID})
	require.NoError(t, err)

	n, err := env.Manager.ReapOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, types.SpawnFailed, env.Status(t, stalePending.ID))
	assert.Equal(t, types.SpawnFailed, env.Status(t, staleRunning.ID))
	assert.Equal(t, types.SpawnPending, env.Status(t, fresh.ID))
}

func TestTerminateWritesStatusBeforeKilling(t *testing.T) {
	env := spawntest.New(t, "true")
	agent := env.Agent(t, "bob")
	ctx := context.Background()
	sp, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID})
	require.NoError(t, err)
	env.Force(t, sp.ID, types.SpawnRunning)

	pid := 4343
	env.Processes.SetAlive(pid, true)
	require.NoError(t, env.Manager.SetPID(sp.ID, &pid))
	env.Processes.OnKill(func(int) {
		assert.Equal(t, types.SpawnKilled, env.Status(t, sp.ID))
	})

	killed, err := env.Manager.Terminate(ctx, sp.ID, types.SpawnKilled)
	require.NoError(t, err)
	assert.Equal(t, types.SpawnKilled, killed.Status)
	assert.Equal(t, []int{pid}, env.Processes.KilledPIDs())
}

func TestGetByPrefix(t *testing.T) {
	env := spawntest.New(t, "true")
	agent := env.Agent(t, "bob")
	sp, err := env.Manager.Create(context.Background(), spawn.CreateRequest{AgentID: agent.AgentID})
	require.NoError(t, err)

	got, err := env.Manager.Get(sp.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, sp.ID, got.ID)

	_, err = env.Manager.Get("zzzzzzzz")
	assert.True(t, core.IsNotFound(err))
}

type recordingIndexer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingIndexer) Index(_ context.Context, sp types.Spawn, _ []types.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sp.ID)
	return nil
}

func TestCompletedSpawnIsIndexedOnce(t *testing.T) {
	env := spawntest.New(t, "true")
	indexer := &recordingIndexer{}
	manager := spawn.NewManager(spawn.Options{
		Config:    env.Config,
		Project:   env.Project,
		Stores:    env.Stores,
		Registry:  provider.NewRegistryWith(env.Fake),
		Indexer:   indexer,
		Processes: env.Processes,
		Logger:    zaptest.NewLogger(t),
	})
	agent := env.Agent(t, "bob")
	ctx := context.Background()
	sp, err := manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID})
	require.NoError(t, err)

	for _, status := range []types.SpawnStatus{types.SpawnRunning, types.SpawnCompleted} {
		_, err = manager.Transition(ctx, sp.ID, status)
		require.NoError(t, err)
	}
	_, err = manager.Transition(ctx, sp.ID, types.SpawnCompleted)
	require.NoError(t, err)

	assert.Equal(t, []string{sp.ID}, indexer.calls)
	claimed, err := db.MarkSpawnIndexed(env.Stores.Spawns, sp.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}
