package spawn_test

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
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
)

func createWithTurn(t *testing.T, env *spawntest.Env, identity, content string) *types.Spawn {
	t.Helper()
	agent := env.Agent(t, identity)
	channel := env.Channel(t, "general")
	sp, err := env.Manager.Create(context.Background(), spawn.CreateRequest{AgentID: agent.AgentID, ChannelID: &channel.ChannelID})
	require.NoError(t, err)
	_, err = env.Manager.EnqueueTurn(sp.ID, content)
	require.NoError(t, err)
	return sp
}

func TestRunnerSuccessLeavesSpawnActiveAndLinked(t *testing.T) {
	env := spawntest.New(t, spawntest.ScriptWriteSession+`; echo "identity=$MURMUR_IDENTITY channel=$MURMUR_CHANNEL"`)
	sp := createWithTurn(t, env, "bob", "please review")

	require.NoError(t, env.Runner.Run(context.Background(), sp.ID))

	got, err := env.Manager.Get(sp.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SpawnActive, got.Status)
	assert.Nil(t, got.PID)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "sess-"+sp.ID, *got.SessionID)

	link, err := db.GetSessionLink(env.Stores.Spawns, sp.ID)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, types.StrategyMarker, link.Strategy)

	events, err := db.GetSpawnEvents(env.Stores.Spawns, sp.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.FormatMarker(sp.Marker), events[0].Content)

	out, err := db.GetSpawnOutput(env.Stores.Spawns, sp.ID)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Contains(t, out.Stdout, "identity=bob channel=general")
	require.NotNil(t, out.ExitCode)
	assert.EqualValues(t, 0, *out.ExitCode)
}

func TestRunnerFailureMarksFailed(t *testing.T) {
	env := spawntest.New(t, `echo broken >&2; exit 2`)
	sp := createWithTurn(t, env, "bob", "go")

	err := env.Runner.Run(context.Background(), sp.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 2")
	assert.Equal(t, types.SpawnFailed, env.Status(t, sp.ID))

	out, err := db.GetSpawnOutput(env.Stores.Spawns, sp.ID)
	require.NoError(t, err)
	assert.Contains(t, out.Stderr, "broken")
}

func TestRunnerDrainsQueuedTurnsAndResumes(t *testing.T) {
	env := spawntest.New(t, "")
	log := filepath.Join(t.TempDir(), "turns.log")
	env.Fake.Script = spawntest.ScriptWriteSession + `; echo "resume=$3" >> ` + log
	sp := createWithTurn(t, env, "bob", "first")
	_, err := env.Manager.EnqueueTurn(sp.ID, "second")
	require.NoError(t, err)

	require.NoError(t, env.Runner.Run(context.Background(), sp.ID))
	assert.Equal(t, types.SpawnActive, env.Status(t, sp.ID))

	data, err := os.ReadFile(log)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "resume=", lines[0])
	assert.Equal(t, "resume=sess-"+sp.ID, lines[1])

	next, err := env.Manager.NextTurn(sp.ID)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestRunnerIgnoresSpawnOwnedElsewhere(t *testing.T) {
	env := spawntest.New(t, "exit 9")
	sp := createWithTurn(t, env, "bob", "go")
	env.Force(t, sp.ID, types.SpawnRunning)
	pid := 77
	require.NoError(t, env.Manager.SetPID(sp.ID, &pid))

	require.NoError(t, env.Runner.Run(context.Background(), sp.ID))
	assert.Equal(t, types.SpawnRunning, env.Status(t, sp.ID))
	next, err := env.Manager.NextTurn(sp.ID)
	require.NoError(t, err)
	assert.NotNil(t, next, "turn stays queued for the owning runner")
}

func TestAsyncLauncher(t *testing.T) {
	env := spawntest.New(t, spawntest.ScriptWriteSession)
	sp := createWithTurn(t, env, "bob", "go")

	launcher := spawn.NewAsyncLauncher(context.Background(), env.Runner, nil)
	require.NoError(t, launcher.Launch(context.Background(), sp.ID))
	launcher.Wait()

	assert.Equal(t, types.SpawnActive, env.Status(t, sp.ID))
}

func scrapeMetrics(t *testing.T, env *spawntest.Env) string {
	t.Helper()
	rec := httptest.NewRecorder()
	env.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(body)
}

func TestRunnerRetriesTransientStartOnceThenFails(t *testing.T) {
	env := spawntest.New(t, spawntest.ScriptWriteSession)
	agent := env.Agent(t, "bob")
	sp, err := env.Manager.Create(context.Background(), spawn.CreateRequest{
		AgentID: agent.AgentID,
		WorkDir: filepath.Join(t.TempDir(), "missing"),
	})
	require.NoError(t, err)
	_, err = env.Manager.EnqueueTurn(sp.ID, "go")
	require.NoError(t, err)

	err = env.Runner.Run(context.Background(), sp.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTransientLaunch)
	assert.Equal(t, types.SpawnFailed, env.Status(t, sp.ID))
	assert.Contains(t, scrapeMetrics(t, env), `murmur_launch_failures_total{kind="transient",provider="claude"} 2`)

	out, err := db.GetSpawnOutput(env.Stores.Spawns, sp.ID)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.NotNil(t, out.Error)
}

func TestRunnerDoesNotRetryMissingExecutable(t *testing.T) {
	env := spawntest.New(t, "true")
	env.Fake.Exe = filepath.Join(t.TempDir(), "no-such-provider")
	sp := createWithTurn(t, env, "bob", "go")

	err := env.Runner.Run(context.Background(), sp.ID)
	require.ErrorIs(t, err, provider.ErrExecutableNotFound)
	assert.Equal(t, types.SpawnFailed, env.Status(t, sp.ID))

	body := scrapeMetrics(t, env)
	assert.Contains(t, body, `murmur_launch_failures_total{kind="permanent",provider="claude"} 1`)
	assert.NotContains(t, body, `kind="transient"`)
}

func TestTerminateRunningProcessEndsKilled(t *testing.T) {
	// The shell forks sleep, so the kill must reach the whole group.
	env := spawntest.Real(t, "sleep 5; true")
	agent := env.Agent(t, "bob")
	channel := env.Channel(t, "general")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sp, err := env.Manager.Create(ctx, spawn.CreateRequest{AgentID: agent.AgentID, ChannelID: &channel.ChannelID})
		require.NoError(t, err)
		_, err = env.Manager.EnqueueTurn(sp.ID, "go")
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- env.Runner.Run(ctx, sp.ID) }()

		require.Eventually(t, func() bool {
			got, err := env.Manager.Get(sp.ID)
			return err == nil && got.PID != nil
		}, 3*time.Second, 5*time.Millisecond)

		killed, err := env.Manager.Terminate(ctx, sp.ID, types.SpawnKilled)
		require.NoError(t, err)
		assert.Equal(t, types.SpawnKilled, killed.Status)

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatalf("runner still waiting on killed provider")
		}
		got, err := env.Manager.Get(sp.ID)
		require.NoError(t, err)
		assert.Equal(t, types.SpawnKilled, got.Status, "iteration %d", i)
		assert.Nil(t, got.PID)
	}
}
