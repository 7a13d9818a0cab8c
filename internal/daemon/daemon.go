package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/metrics"
	"github.com/adamavenir/murmur/internal/spawn"
	"github.com/adamavenir/murmur/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Daemon sweeps channel timers and orphaned spawns on a fixed interval.
type Daemon struct {
	processor *Processor
	manager   *spawn.Manager
	metrics   *metrics.Metrics
	logger    *zap.Logger
	lockPath  string
	interval  time.Duration

	stopCh     chan struct{}
	stopOnce   sync.Once
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// LockInfo represents the daemon lock file contents.
type LockInfo struct {
	PID       int   `json:"pid"`
	StartedAt int64 `json:"started_at"`
}

// New creates a daemon around processor.
func New(processor *Processor, m *metrics.Metrics) *Daemon {
	manager := processor.manager
	return &Daemon{
		processor: processor,
		manager:   manager,
		metrics:   m,
		logger:    manager.Logger().Named("daemon"),
		lockPath:  manager.Project().LockPath(),
		interval:  manager.Config().TimerInterval.Duration,
		stopCh:    make(chan struct{}),
	}
}

// Start acquires the lock and begins the sweep loop.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.acquireLock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancelFunc = cancel

	d.wg.Add(1)
	go d.sweepLoop(loopCtx)

	d.logger.Info("daemon started", zap.Duration("interval", d.interval))
	return nil
}

// Stop ends the sweep loop and releases the lock.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() { close(d.stopCh) })
	if d.cancelFunc != nil {
		d.cancelFunc()
	}
	d.wg.Wait()
	return d.releaseLock()
}

// Run starts the daemon and blocks until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

func (d *Daemon) acquireLock() error {
	if data, err := os.ReadFile(d.lockPath); err == nil {
		var info LockInfo
		if json.Unmarshal(data, &info) == nil && info.PID != os.Getpid() {
			if syscall.Kill(info.PID, 0) == nil {
				return fmt.Errorf("daemon already running (pid %d)", info.PID)
			}
			d.logger.Info("removing stale daemon lock", zap.Int("pid", info.PID))
		}
	}

	info := LockInfo{
		PID:       os.Getpid(),
		StartedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(d.lockPath, data, 0600)
}

func (d *Daemon) releaseLock() error {
	err := os.Remove(d.lockPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsLocked reports whether a live daemon holds the workspace lock.
func IsLocked(project core.Project) bool {
	data, err := os.ReadFile(project.LockPath())
	if err != nil {
		return false
	}

	var info LockInfo
	if json.Unmarshal(data, &info) != nil {
		return false
	}
	return syscall.Kill(info.PID, 0) == nil
}

func (d *Daemon) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.sweepOnce(ctx)
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce(ctx)
		}
	}
}

func (d *Daemon) sweepOnce(ctx context.Context) {
	result, err := d.Sweep(ctx, time.Now())
	if err != nil {
		d.logger.Warn("sweep failed", zap.Error(err))
		return
	}
	if len(result.Expired) > 0 || result.Reaped > 0 {
		d.logger.Info("sweep",
			zap.Strings("expired", result.Expired),
			zap.Int("reaped", result.Reaped),
		)
	}
}

// SweepResult reports one sweep.
type SweepResult struct {
	Expired []string `json:"expired"`
	Stopped []string `json:"stopped"`
	Reaped  int      `json:"reaped"`
}

// Sweep expires due channel timers as of now, then reaps orphaned spawns.
func (d *Daemon) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	result := &SweepResult{}
	channels, err := db.ListTimedChannels(d.manager.Stores().Channels)
	if err != nil {
		return nil, err
	}
	for _, channel := range channels {
		if channel.TimerExpiresAt == nil || *channel.TimerExpiresAt > now.UnixMilli() {
			continue
		}
		stopped, err := d.expire(ctx, channel)
		if err != nil {
			return result, fmt.Errorf("expire #%s: %w", channel.Name, err)
		}
		result.Expired = append(result.Expired, channel.ChannelID)
		result.Stopped = append(result.Stopped, stopped...)
	}

	reaped, err := d.manager.ReapOrphans(ctx)
	result.Reaped = reaped
	return result, err
}

// expire stops every live spawn in channel, posts the expiry notice and
// clears the timer.
func (d *Daemon) expire(ctx context.Context, channel types.Channel) ([]string, error) {
	live, err := d.manager.ListLive(channel.ChannelID)
	if err != nil {
		return nil, err
	}

	identities := make([]string, len(live))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, sp := range live {
		group.Go(func() error {
			if _, err := d.manager.Terminate(groupCtx, sp.ID, types.SpawnKilled); err != nil {
				return err
			}
			if agent, err := d.manager.Agent(sp); err == nil {
				identities[i] = "@" + agent.Identity
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	notice := fmt.Sprintf("Timer expired for #%s.", channel.Name)
	if stopped := nonEmpty(identities); len(stopped) > 0 {
		notice += " Stopped " + strings.Join(stopped, ", ") + "."
	}
	if _, err := d.processor.notice(channel.ChannelID, notice); err != nil {
		return nil, err
	}
	if _, err := db.ClearChannelTimer(d.manager.Stores().Channels, channel.ChannelID); err != nil {
		return nil, err
	}
	d.metrics.TimerExpired()

	ids := make([]string, len(live))
	for i, sp := range live {
		ids[i] = sp.ID
	}
	return ids, nil
}

func nonEmpty(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
