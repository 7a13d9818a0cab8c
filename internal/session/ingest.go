package session

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/provider"
	"github.com/adamavenir/murmur/internal/types"
	"go.uber.org/zap"
)

// Indexer receives completed session content for the external knowledge store.
type Indexer interface {
	Index(ctx context.Context, spawn types.Spawn, events []types.SessionEvent) error
}

// LogIndexer records what would be indexed.
type LogIndexer struct {
	Logger *zap.Logger
}

func (l LogIndexer) Index(_ context.Context, spawn types.Spawn, events []types.SessionEvent) error {
	logger := l.Logger
	if logger == nil {
		return nil
	}
	size := 0
	for _, event := range events {
		size += len(event.Content)
	}
	logger.Info("session indexed",
		zap.String("spawn", spawn.ID),
		zap.String("agent", spawn.AgentID),
		zap.Int("events", len(events)),
		zap.Int("bytes", size),
	)
	return nil
}

// Ingester copies a spawn's session artifact into the spawns store.
type Ingester struct {
	spawns     *sql.DB
	correlator *Correlator
}

// NewIngester builds an ingester.
func NewIngester(spawns *sql.DB, correlator *Correlator) *Ingester {
	return &Ingester{spawns: spawns, correlator: correlator}
}

// Ingest correlates the spawn when it is not yet linked, parses the artifact
// and replaces the stored events.
func (i *Ingester) Ingest(ctx context.Context, spawn types.Spawn, adapter provider.Adapter) ([]types.SessionEvent, error) {
	link, err := db.GetSessionLink(i.spawns, spawn.ID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		req := RequestFor(spawn)
		req.Adapter = adapter
		if link, err = i.correlator.Correlate(ctx, req); err != nil {
			return nil, err
		}
		if link == nil {
			return nil, core.ErrCorrelationMiss
		}
	}

	path, ok := ArtifactPath(adapter, *link)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", link.SessionID, core.NotFound("session artifact", link.SessionID))
	}
	events, err := adapter.ParseArtifact(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := db.ReplaceSpawnEvents(i.spawns, spawn.ID, events); err != nil {
		return nil, err
	}
	return events, nil
}

// ArtifactPath returns the recorded artifact path, or searches the provider
// session dirs by session id.
func ArtifactPath(adapter provider.Adapter, link types.SessionLink) (string, bool) {
	if link.Path != nil && *link.Path != "" {
		return *link.Path, true
	}
	return provider.FindArtifact(adapter, link.SessionID)
}
