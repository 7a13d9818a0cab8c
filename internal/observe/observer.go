// Package observe tails a spawn's session artifact as a stream of events.
package observe

import (
	"context"
	"fmt"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/metrics"
	"github.com/adamavenir/murmur/internal/provider"
	"github.com/adamavenir/murmur/internal/session"
	"github.com/adamavenir/murmur/internal/spawn"
	"github.com/adamavenir/murmur/internal/types"
	"go.uber.org/zap"
)

// Event types.
const (
	EventSession   = "event"
	EventHeartbeat = "heartbeat"
	EventEnd       = "end"
	EventTimeout   = "timeout"
)

// Event is one item of a spawn stream. Session records carry the artifact's
// type, timestamp and content; control events use their kind as the type.
type Event struct {
	Kind      string            `json:"kind"`
	Type      string            `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Content   string            `json:"content"`
	SpawnID   string            `json:"spawn_id"`
	Status    types.SpawnStatus `json:"status,omitempty"`
}

func sessionEvent(sp types.Spawn, e types.SessionEvent) Event {
	return Event{Kind: EventSession, Type: e.Type, Timestamp: e.Timestamp, Content: e.Content, SpawnID: sp.ID, Status: sp.Status}
}

func controlEvent(sp types.Spawn, kind string) Event {
	return Event{Kind: kind, Type: kind, Timestamp: core.NowMillis(), SpawnID: sp.ID, Status: sp.Status}
}

// EmitFunc receives stream events. Returning an error stops the stream.
type EmitFunc func(Event) error

// Observer streams session events of running spawns.
type Observer struct {
	manager   *spawn.Manager
	marker    session.MarkerStrategy
	poll      time.Duration
	heartbeat time.Duration
	maxIdle   int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// New builds an observer from the manager's stream config.
func New(manager *spawn.Manager, m *metrics.Metrics) *Observer {
	cfg := manager.Config()
	return &Observer{
		manager:   manager,
		marker:    session.MarkerStrategy{Slack: cfg.CorrelationSlack.Duration},
		poll:      cfg.Stream.PollInterval.Duration,
		heartbeat: cfg.Stream.Heartbeat.Duration,
		maxIdle:   cfg.Stream.MaxIdlePolls,
		logger:    manager.Logger().Named("observe"),
		metrics:   m,
	}
}

// Observe emits the spawn's session events until it leaves the live states
// (an end event), no artifact appears within the idle poll budget (a timeout
// event, returned as core.ErrTimeout), ctx ends or emit fails.
func (o *Observer) Observe(ctx context.Context, spawnID string, emit EmitFunc) error {
	sp, err := o.manager.Get(spawnID)
	if err != nil {
		return err
	}
	adapter, err := o.manager.AdapterFor(*sp)
	if err != nil {
		return err
	}
	defer o.metrics.StreamOpened()()

	log := o.logger.With(zap.String("spawn", sp.ID))
	w, err := newWatcher()
	if err != nil {
		log.Warn("file watch unavailable, polling only", zap.Error(err))
	}
	defer w.Close()

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	var (
		path     string
		tail     *provider.Tail
		emitted  int
		idle     int
		lastSent = time.Now()
	)
	for {
		sp, err = o.manager.Get(sp.ID)
		if err != nil {
			return err
		}

		if path == "" {
			path = o.locate(ctx, *sp, adapter)
			if path != "" {
				log.Debug("artifact located", zap.String("path", path))
				if err := w.Watch(path); err != nil {
					log.Debug("watch failed", zap.String("path", path), zap.Error(err))
				}
				if parser, ok := adapter.(provider.LineParser); ok {
					tail = provider.NewTail(path, parser)
				}
			}
		}

		if path != "" {
			var fresh []types.SessionEvent
			if tail != nil {
				fresh, err = tail.Next()
			} else {
				// Whole-document artifacts are parsed again on each pass.
				var all []types.SessionEvent
				all, err = adapter.ParseArtifact(path)
				if len(all) > emitted {
					fresh = all[emitted:]
				}
			}
			if err != nil {
				log.Debug("artifact read failed", zap.Error(err))
			}
			for _, event := range fresh {
				if err := emit(sessionEvent(*sp, event)); err != nil {
					return err
				}
				emitted++
				lastSent = time.Now()
			}
		}

		if !sp.Status.Live() {
			return emit(controlEvent(*sp, EventEnd))
		}

		if path == "" {
			idle++
			if o.maxIdle > 0 && idle >= o.maxIdle {
				if err := emit(controlEvent(*sp, EventTimeout)); err != nil {
					return err
				}
				return fmt.Errorf("no session artifact for spawn %s after %d polls: %w", core.ShortID(sp.ID), idle, core.ErrTimeout)
			}
		}

		if o.heartbeat > 0 && time.Since(lastSent) >= o.heartbeat {
			if err := emit(controlEvent(*sp, EventHeartbeat)); err != nil {
				return err
			}
			lastSent = time.Now()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.Wake():
		}
	}
}

// locate finds the spawn's artifact from its session link, or by marker
// while the run is still in flight.
func (o *Observer) locate(ctx context.Context, sp types.Spawn, adapter provider.Adapter) string {
	link, err := db.GetSessionLink(o.manager.Stores().Spawns, sp.ID)
	if err == nil && link != nil {
		if path, ok := session.ArtifactPath(adapter, *link); ok {
			return path
		}
	}
	req := session.RequestFor(sp)
	req.Adapter = adapter
	if result, ok := o.marker.Resolve(ctx, req); ok {
		return result.Path
	}
	return ""
}
