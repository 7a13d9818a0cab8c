package observe_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/observe"
	"github.com/adamavenir/murmur/internal/provider/providertest"
	"github.com/adamavenir/murmur/internal/spawn"
	"github.com/adamavenir/murmur/internal/spawn/spawntest"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEnv(t *testing.T, heartbeat time.Duration, maxIdle int) (*spawntest.Env, *types.Spawn) {
	t.Helper()
	env := spawntest.New(t, "", func(cfg *core.Config) {
		cfg.Stream.PollInterval.Duration = 5 * time.Millisecond
		cfg.Stream.Heartbeat.Duration = heartbeat
		cfg.Stream.MaxIdlePolls = maxIdle
	})
	agent := env.Agent(t, "bob")
	sp, err := env.Manager.Create(context.Background(), spawn.CreateRequest{AgentID: agent.AgentID})
	require.NoError(t, err)
	return env, sp
}

func markerEvent(sp *types.Spawn) types.SessionEvent {
	return types.SessionEvent{Type: "user", Content: core.FormatMarker(sp.Marker)}
}

func collect(events *[]observe.Event) observe.EmitFunc {
	return func(e observe.Event) error {
		*events = append(*events, e)
		return nil
	}
}

func TestObserveFinishedSpawnEmitsEventsThenEnd(t *testing.T) {
	env, sp := newEnv(t, time.Hour, 100)
	_, err := providertest.WriteArtifact(env.Fake.Dir, "sess-1", markerEvent(sp),
		types.SessionEvent{Type: "assistant", Content: "done"})
	require.NoError(t, err)
	env.Force(t, sp.ID, types.SpawnRunning, types.SpawnCompleted)

	var events []observe.Event
	require.NoError(t, observe.New(env.Manager, nil).Observe(context.Background(), sp.ID, collect(&events)))

	require.Len(t, events, 3)
	assert.Equal(t, observe.EventSession, events[0].Kind)
	assert.Equal(t, "user", events[0].Type)
	assert.Equal(t, "done", events[1].Content)
	assert.Equal(t, observe.EventEnd, events[2].Kind)
	assert.Equal(t, types.SpawnCompleted, events[2].Status)
}

func TestObserveFollowsAppendsUntilSpawnEnds(t *testing.T) {
	env, sp := newEnv(t, time.Hour, 100)
	first := markerEvent(sp)
	_, err := providertest.WriteArtifact(env.Fake.Dir, "sess-live", first)
	require.NoError(t, err)
	env.Force(t, sp.ID, types.SpawnRunning)

	var events []observe.Event
	emit := func(e observe.Event) error {
		events = append(events, e)
		if len(events) == 1 {
			_, err := providertest.WriteArtifact(env.Fake.Dir, "sess-live", first,
				types.SessionEvent{Type: "assistant", Content: "working"})
			require.NoError(t, err)
			env.Force(t, sp.ID, types.SpawnFailed)
		}
		return nil
	}
	require.NoError(t, observe.New(env.Manager, nil).Observe(context.Background(), sp.ID, emit))

	require.Len(t, events, 3)
	assert.Equal(t, "working", events[1].Content)
	assert.Equal(t, observe.EventEnd, events[2].Kind)
	assert.Equal(t, types.SpawnFailed, events[2].Status)
}

func TestObserveTimesOutWithoutArtifact(t *testing.T) {
	env, sp := newEnv(t, time.Hour, 3)
	env.Force(t, sp.ID, types.SpawnRunning)

	var events []observe.Event
	err := observe.New(env.Manager, nil).Observe(context.Background(), sp.ID, collect(&events))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTimeout))
	require.Len(t, events, 1)
	assert.Equal(t, observe.EventTimeout, events[0].Kind)
}

func TestObserveEmitsHeartbeats(t *testing.T) {
	env, sp := newEnv(t, 10*time.Millisecond, 0)
	_, err := providertest.WriteArtifact(env.Fake.Dir, "sess-quiet", markerEvent(sp))
	require.NoError(t, err)
	env.Force(t, sp.ID, types.SpawnRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	heartbeats := 0
	err = observe.New(env.Manager, nil).Observe(ctx, sp.ID, func(e observe.Event) error {
		if e.Kind == observe.EventHeartbeat {
			heartbeats++
			if heartbeats == 2 {
				cancel()
			}
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, heartbeats)
}

func TestObserveStopsWhenEmitFails(t *testing.T) {
	env, sp := newEnv(t, time.Hour, 100)
	_, err := providertest.WriteArtifact(env.Fake.Dir, "sess-x", markerEvent(sp))
	require.NoError(t, err)
	env.Force(t, sp.ID, types.SpawnRunning)

	gone := errors.New("client gone")
	err = observe.New(env.Manager, nil).Observe(context.Background(), sp.ID, func(observe.Event) error { return gone })
	assert.ErrorIs(t, err, gone)
}

func TestObserveUnknownSpawn(t *testing.T) {
	env, _ := newEnv(t, time.Hour, 100)
	err := observe.New(env.Manager, nil).Observe(context.Background(), "missing", collect(new([]observe.Event)))
	assert.True(t, core.IsNotFound(err))
}
