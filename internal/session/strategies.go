package session

import (
	"context"
	"path/filepath"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/provider"
	"github.com/adamavenir/murmur/internal/types"
)

// Request describes one spawn run to correlate.
type Request struct {
	Spawn      types.Spawn
	Adapter    provider.Adapter
	Stdout     []byte
	WorkDir    string
	ResumeFrom string
	// WindowStart and WindowEnd bound the run. A zero WindowEnd means now.
	WindowStart time.Time
	WindowEnd   time.Time
}

// Result is a resolved session.
type Result struct {
	SessionID string
	Path      string
	Strategy  types.CorrelationStrategy
}

// Strategy is one correlation heuristic.
type Strategy interface {
	Name() types.CorrelationStrategy
	Resolve(ctx context.Context, req Request) (Result, bool)
}

// DefaultStrategies returns marker, output, newest, resume in that order.
func DefaultStrategies(slack time.Duration) []Strategy {
	return []Strategy{
		MarkerStrategy{Slack: slack},
		OutputStrategy{},
		NewestStrategy{Slack: slack},
		ResumeStrategy{},
	}
}

// MarkerStrategy scans recent artifacts for the spawn's prompt marker.
type MarkerStrategy struct {
	Slack time.Duration
}

func (MarkerStrategy) Name() types.CorrelationStrategy { return types.StrategyMarker }

func (s MarkerStrategy) Resolve(ctx context.Context, req Request) (Result, bool) {
	if req.Spawn.Marker == "" {
		return Result{}, false
	}
	marker := core.FormatMarker(req.Spawn.Marker)
	for _, artifact := range provider.ListArtifacts(req.Adapter, req.WindowStart.Add(-s.Slack)) {
		if ctx.Err() != nil {
			return Result{}, false
		}
		found, err := req.Adapter.ExtractMarker(artifact.Path, marker)
		if err != nil || !found {
			continue
		}
		return Result{
			SessionID: req.Adapter.SessionIDFromPath(artifact.Path),
			Path:      artifact.Path,
			Strategy:  types.StrategyMarker,
		}, true
	}
	return Result{}, false
}

// OutputStrategy reads a session id the process printed.
type OutputStrategy struct{}

func (OutputStrategy) Name() types.CorrelationStrategy { return types.StrategyOutput }

func (OutputStrategy) Resolve(_ context.Context, req Request) (Result, bool) {
	if len(req.Stdout) == 0 {
		return Result{}, false
	}
	sessionID, ok := req.Adapter.SessionIDFromOutput(req.Stdout)
	if !ok {
		return Result{}, false
	}
	path, _ := provider.FindArtifact(req.Adapter, sessionID)
	return Result{SessionID: sessionID, Path: path, Strategy: types.StrategyOutput}, true
}

// NewestStrategy picks the newest artifact written inside
// [start-slack, end+slack], strictly after the window start. When the run's
// working directory is known, artifacts recording a different one are skipped.
type NewestStrategy struct {
	Slack time.Duration
}

func (NewestStrategy) Name() types.CorrelationStrategy { return types.StrategyNewest }

func (s NewestStrategy) Resolve(ctx context.Context, req Request) (Result, bool) {
	start := req.WindowStart.Add(-s.Slack)
	end := req.WindowEnd
	if end.IsZero() {
		end = time.Now()
	}
	end = end.Add(s.Slack)

	for _, artifact := range provider.ListArtifacts(req.Adapter, start) {
		if ctx.Err() != nil {
			return Result{}, false
		}
		if !artifact.ModTime.After(start) || artifact.ModTime.After(end) {
			continue
		}
		if req.WorkDir != "" {
			if cwd, ok := req.Adapter.SessionWorkDir(artifact.Path); ok && !samePath(cwd, req.WorkDir) {
				continue
			}
		}
		return Result{
			SessionID: req.Adapter.SessionIDFromPath(artifact.Path),
			Path:      artifact.Path,
			Strategy:  types.StrategyNewest,
		}, true
	}
	return Result{}, false
}

// ResumeStrategy falls back to the session the launch resumed.
type ResumeStrategy struct{}

func (ResumeStrategy) Name() types.CorrelationStrategy { return types.StrategyResume }

func (ResumeStrategy) Resolve(_ context.Context, req Request) (Result, bool) {
	if req.ResumeFrom == "" {
		return Result{}, false
	}
	path, _ := provider.FindArtifact(req.Adapter, req.ResumeFrom)
	return Result{SessionID: req.ResumeFrom, Path: path, Strategy: types.StrategyResume}, true
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return ra == rb
}
