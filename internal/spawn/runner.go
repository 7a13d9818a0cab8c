package spawn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/provider"
	"github.com/adamavenir/murmur/internal/session"
	"github.com/adamavenir/murmur/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Runner executes queued turns for a spawn, one provider process per turn.
type Runner struct {
	manager    *Manager
	correlator *session.Correlator
	limiter    *rate.Limiter
	retries    int
	logger     *zap.Logger
}

// NewRunner builds a runner. The limiter bounds process starts per second.
func NewRunner(manager *Manager, correlator *session.Correlator) *Runner {
	cfg := manager.Config()
	return &Runner{
		manager:    manager,
		correlator: correlator,
		limiter:    rate.NewLimiter(rate.Limit(cfg.SpawnRate), cfg.SpawnBurst),
		retries:    cfg.LaunchRetries,
		logger:     manager.Logger(),
	}
}

// Run drains the spawn's turn queue. It returns nil when another runner owns
// the spawn or the spawn stopped being runnable.
func (r *Runner) Run(ctx context.Context, id string) error {
	spawn, err := r.manager.Get(id)
	if err != nil {
		return err
	}
	agent, err := r.manager.Agent(*spawn)
	if err != nil {
		return err
	}
	adapter, err := r.manager.AdapterFor(*spawn)
	if err != nil {
		return err
	}
	log := r.logger.With(zap.String("spawn", spawn.ID), zap.String("identity", agent.Identity))

	owned := spawn.Status == types.SpawnRunning && spawn.PID == nil
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		spawn, err = r.manager.Get(spawn.ID)
		if err != nil {
			return err
		}
		turn, err := r.manager.NextTurn(spawn.ID)
		if err != nil {
			return err
		}

		if turn == nil {
			if owned && spawn.Status == types.SpawnRunning {
				if _, err := r.manager.Transition(ctx, spawn.ID, types.SpawnActive); err != nil {
					return err
				}
				owned = false
				// A turn queued while we were settling would otherwise strand.
				continue
			}
			return nil
		}

		if !owned {
			if spawn.Status != types.SpawnPending && spawn.Status != types.SpawnActive {
				return nil
			}
			claimed, err := r.manager.claim(*spawn)
			if err != nil {
				return err
			}
			if !claimed {
				log.Debug("spawn claimed elsewhere")
				return nil
			}
			owned = true
		} else if spawn.Status != types.SpawnRunning {
			return nil
		}

		won, err := r.manager.ConsumeTurn(turn.ID)
		if err != nil {
			return err
		}
		if !won {
			continue
		}
		if err := r.runTurn(ctx, *spawn, *agent, adapter, *turn, log); err != nil {
			return err
		}
		// runTurn leaves the spawn active on success.
		owned = false
	}
}

func (r *Runner) runTurn(ctx context.Context, spawn types.Spawn, agent types.Agent, adapter provider.Adapter, turn types.SpawnTurn, log *zap.Logger) error {
	stores := r.manager.Stores()
	channel, err := r.channel(spawn)
	if err != nil {
		return err
	}

	resumeID := ""
	switch {
	case spawn.SessionID != nil:
		resumeID = *spawn.SessionID
	case spawn.ResumeFrom != nil:
		resumeID = *spawn.ResumeFrom
	}
	if resumeID != "" {
		if _, ok := adapter.ResumeArgs(resumeID); !ok {
			resumeID = ""
		}
	}

	constitution := ""
	if spawn.ConstitutionHash != nil {
		if c, err := db.GetConstitution(stores.Identities, *spawn.ConstitutionHash); err == nil && c != nil {
			constitution = c.Content
		}
	}

	req := provider.LaunchRequest{
		Prompt: buildPrompt(promptInput{
			Spawn:        spawn,
			Agent:        agent,
			Channel:      channel,
			Constitution: constitution,
			Turn:         turn.Content,
			Resumed:      resumeID != "",
		}),
		ResumeSessionID: resumeID,
	}
	if agent.Model != nil {
		req.Model = *agent.Model
	}
	if spawn.WorkDir != nil {
		req.WorkDir = *spawn.WorkDir
	}
	if root := r.manager.Project().Root; root != "" && root != req.WorkDir {
		req.ContextDirs = []string{root}
	}

	startedAt := time.Now()
	proc, err := r.start(ctx, adapter, req, r.env(spawn, agent, channel), log)
	if err != nil {
		_ = db.SaveSpawnOutput(stores.Spawns, spawn.ID, "", "", nil, err)
		if _, terr := r.manager.Transition(ctx, spawn.ID, types.SpawnFailed); terr != nil {
			log.Warn("mark failed", zap.Error(terr))
		}
		return fmt.Errorf("launch @%s: %w", agent.Identity, err)
	}
	pid := proc.PID
	if err := r.manager.SetPID(spawn.ID, &pid); err != nil {
		log.Warn("record pid", zap.Error(err))
	}
	// A terminate that landed before the pid was recorded had nothing to kill.
	if current, err := r.manager.Get(spawn.ID); err == nil && current.Status.Terminal() {
		if err := r.manager.processes.Kill(ctx, pid, r.manager.cfg.KillGrace.Duration); err != nil {
			log.Warn("kill after terminate", zap.Error(err))
		}
	}
	if resumeID != "" {
		_ = db.SetSpawnResume(stores.Spawns, spawn.ID, &resumeID)
	}
	log.Info("provider started", zap.Int("pid", pid), zap.String("resume", resumeID))

	code, waitErr := proc.Wait()
	_ = r.manager.SetPID(spawn.ID, nil)
	if err := db.SaveSpawnOutput(stores.Spawns, spawn.ID, proc.Stdout.String(), proc.Stderr.String(), &code, waitErr); err != nil {
		log.Warn("save output", zap.Error(err))
	}

	r.correlate(ctx, spawn, adapter, req, proc.Stdout.Bytes(), startedAt, resumeID, log)

	current, err := r.manager.Get(spawn.ID)
	if err != nil {
		return err
	}
	if current.Status != types.SpawnRunning {
		log.Info("provider exited after spawn left running", zap.String("status", string(current.Status)), zap.Int("exit", code))
		return nil
	}
	next := types.SpawnActive
	if code != 0 || waitErr != nil {
		next = types.SpawnFailed
	}
	if _, err := r.manager.Transition(ctx, spawn.ID, next); err != nil {
		if errors.Is(err, db.ErrStatusConflict) {
			log.Info("spawn settled elsewhere after provider exit", zap.Int("exit", code))
			return nil
		}
		return err
	}
	if next == types.SpawnFailed {
		return fmt.Errorf("@%s exited with code %d", agent.Identity, code)
	}
	return nil
}

// start launches the provider, retrying transient failures.
func (r *Runner) start(ctx context.Context, adapter provider.Adapter, req provider.LaunchRequest, env []string, log *zap.Logger) (*provider.Process, error) {
	kind := string(adapter.Kind())
	for attempt := 0; ; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		proc, err := provider.Start(ctx, adapter, req, env)
		if err == nil {
			return proc, nil
		}
		if !errors.Is(err, core.ErrTransientLaunch) {
			r.manager.metrics.LaunchFailure(kind, "permanent")
			return nil, err
		}
		r.manager.metrics.LaunchFailure(kind, "transient")
		if attempt >= r.retries {
			return nil, err
		}
		log.Warn("transient launch failure, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}
}

func (r *Runner) correlate(ctx context.Context, spawn types.Spawn, adapter provider.Adapter, req provider.LaunchRequest, stdout []byte, startedAt time.Time, resumeID string, log *zap.Logger) {
	if r.correlator == nil {
		return
	}
	link, err := db.GetSessionLink(r.manager.Stores().Spawns, spawn.ID)
	if err != nil || link != nil {
		return
	}
	creq := session.RequestFor(spawn)
	creq.Adapter = adapter
	creq.Stdout = stdout
	creq.WorkDir = req.WorkDir
	creq.ResumeFrom = resumeID
	creq.WindowStart = startedAt
	creq.WindowEnd = time.Now()
	if _, err := r.correlator.Correlate(ctx, creq); err != nil {
		log.Warn("link session", zap.Error(err))
	}
}

func (r *Runner) channel(spawn types.Spawn) (*types.Channel, error) {
	if spawn.ChannelID == nil {
		return nil, nil
	}
	return db.GetChannel(r.manager.Stores().Channels, *spawn.ChannelID)
}

func (r *Runner) env(spawn types.Spawn, agent types.Agent, channel *types.Channel) []string {
	env := []string{
		"MURMUR_SPAWN_ID=" + spawn.ID,
		"MURMUR_AGENT_ID=" + agent.AgentID,
		"MURMUR_IDENTITY=" + agent.Identity,
	}
	if channel != nil {
		env = append(env, "MURMUR_CHANNEL="+channel.Name)
	}
	if root := r.manager.Project().Root; root != "" {
		env = append(env, core.RootEnv+"="+root)
	}
	return env
}
