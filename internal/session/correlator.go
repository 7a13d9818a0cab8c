// Package session matches spawns to the session artifacts their provider
// processes write, and ingests those artifacts.
package session

import (
	"context"
	"database/sql"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/metrics"
	"github.com/adamavenir/murmur/internal/types"
	"go.uber.org/zap"
)

// Correlator tries its strategies in order and links the first hit.
type Correlator struct {
	spawns     *sql.DB
	strategies []Strategy
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewCorrelator builds a correlator over the spawns store.
func NewCorrelator(spawns *sql.DB, strategies []Strategy, logger *zap.Logger, m *metrics.Metrics) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{spawns: spawns, strategies: strategies, logger: logger, metrics: m}
}

// Resolve runs the strategies without persisting anything.
func (c *Correlator) Resolve(ctx context.Context, req Request) (Result, bool) {
	for _, strategy := range c.strategies {
		if result, ok := strategy.Resolve(ctx, req); ok && result.SessionID != "" {
			return result, true
		}
	}
	return Result{}, false
}

// Correlate resolves and links the session for a spawn run. A miss is
// logged and yields a nil link; only storage failures are returned.
func (c *Correlator) Correlate(ctx context.Context, req Request) (*types.SessionLink, error) {
	log := c.logger.With(zap.String("spawn", req.Spawn.ID))
	result, ok := c.Resolve(ctx, req)
	if !ok {
		c.metrics.Correlation("miss")
		log.Info("session not correlated", zap.Error(core.ErrCorrelationMiss))
		return nil, nil
	}

	link := types.SessionLink{
		SpawnID:   req.Spawn.ID,
		SessionID: result.SessionID,
		Strategy:  result.Strategy,
		LinkedAt:  core.NowMillis(),
	}
	if result.Path != "" {
		path := result.Path
		link.Path = &path
	}
	if err := db.LinkSession(c.spawns, link); err != nil {
		return nil, err
	}
	c.metrics.Correlation(string(result.Strategy))
	log.Debug("session correlated",
		zap.String("session", result.SessionID),
		zap.String("strategy", string(result.Strategy)),
		zap.String("path", result.Path),
	)
	return db.GetSessionLink(c.spawns, req.Spawn.ID)
}

// RequestFor builds a correlation request from a stored spawn.
func RequestFor(spawn types.Spawn) Request {
	req := Request{
		Spawn:       spawn,
		WindowStart: time.UnixMilli(spawn.CreatedAt),
	}
	if spawn.EndedAt != nil {
		req.WindowEnd = time.UnixMilli(*spawn.EndedAt)
	}
	if spawn.WorkDir != nil {
		req.WorkDir = *spawn.WorkDir
	}
	if spawn.ResumeFrom != nil {
		req.ResumeFrom = *spawn.ResumeFrom
	}
	return req
}
