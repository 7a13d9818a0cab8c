package daemon_test

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/adamavenir/murmur/internal/daemon"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepExpiresChannelTimer(t *testing.T) {
	h := newHarness(t)
	h.env.Agent(t, "bob")

	bob := h.send(t, "general", "alice", "@bob go").Outcome.Spawned[0]
	h.env.Force(t, bob, types.SpawnRunning)
	require.NoError(t, h.env.Manager.SetPID(bob, intPtr(5151)))
	h.env.Processes.SetAlive(5151, true)

	set := h.send(t, "general", "alice", "/timer 1m")
	channelID := set.Channel.ChannelID

	d := daemon.New(h.processor, nil)
	early, err := d.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, early.Expired)
	assert.Equal(t, types.SpawnRunning, h.env.Status(t, bob))

	result, err := d.Sweep(context.Background(), time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{channelID}, result.Expired)
	assert.Equal(t, []string{bob}, result.Stopped)
	assert.Equal(t, types.SpawnKilled, h.env.Status(t, bob))
	assert.Equal(t, []int{5151}, h.env.Processes.KilledPIDs())

	channel, err := db.GetChannel(h.env.Stores.Channels, channelID)
	require.NoError(t, err)
	assert.Nil(t, channel.TimerExpiresAt)

	latest, err := db.LatestMessage(h.env.Stores.Channels, channelID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(latest.Content, "Timer expired for #general."))
	assert.Contains(t, latest.Content, "@bob")

	again, err := d.Sweep(context.Background(), time.Now().Add(4*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again.Expired)
}

func TestSweepReapsOrphans(t *testing.T) {
	h := newHarness(t)
	h.env.Agent(t, "bob")

	bob := h.send(t, "general", "alice", "@bob go").Outcome.Spawned[0]
	h.env.Force(t, bob, types.SpawnRunning)
	require.NoError(t, h.env.Manager.SetPID(bob, intPtr(6161)))

	result, err := daemon.New(h.processor, nil).Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reaped)
	assert.Equal(t, types.SpawnFailed, h.env.Status(t, bob))
}

func TestDaemonLock(t *testing.T) {
	h := newHarness(t)
	project := h.env.Project
	d := daemon.New(h.processor, nil)

	require.NoError(t, d.Start(context.Background()))
	assert.True(t, daemon.IsLocked(project))

	// A second daemon in another live process would be refused; simulate
	// with the parent pid, which is alive for the duration of the test.
	other := daemon.New(h.processor, nil)
	require.NoError(t, d.Stop())
	writeLock(t, project.LockPath(), os.Getppid())
	err := other.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	// Stale locks are replaced.
	writeLock(t, project.LockPath(), 1<<22)
	require.NoError(t, other.Start(context.Background()))
	require.NoError(t, other.Stop())
	assert.False(t, daemon.IsLocked(project))
}

func writeLock(t *testing.T, path string, pid int) {
	t.Helper()
	data, err := json.Marshal(daemon.LockInfo{PID: pid, StartedAt: time.Now().Unix()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
