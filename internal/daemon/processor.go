package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/metrics"
	"github.com/adamavenir/murmur/internal/spawn"
	"github.com/adamavenir/murmur/internal/types"
	"go.uber.org/zap"
)

// SystemIdentity authors notices posted by murmur itself.
const SystemIdentity = "murmur"

// Processor runs the mention and directive passes over channel messages.
type Processor struct {
	manager  *spawn.Manager
	launcher spawn.Launcher
	stores   *db.Stores
	cfg      core.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewProcessor builds a processor that launches spawns through launcher.
func NewProcessor(manager *spawn.Manager, launcher spawn.Launcher, m *metrics.Metrics) *Processor {
	return &Processor{
		manager:  manager,
		launcher: launcher,
		stores:   manager.Stores(),
		cfg:      manager.Config(),
		logger:   manager.Logger().Named("processor"),
		metrics:  m,
	}
}

// Outcome reports what processing a message did.
type Outcome struct {
	Directive *core.Directive `json:"directive,omitempty"`
	Spawned   []string        `json:"spawned,omitempty"`
	Reused    []string        `json:"reused,omitempty"`
	Stopped   []string        `json:"stopped,omitempty"`
	Paused    []string        `json:"paused,omitempty"`
	Resumed   []string        `json:"resumed,omitempty"`
	Skipped   []string        `json:"skipped,omitempty"`
	Channel   *types.Channel  `json:"channel,omitempty"`
	Handoff   *types.Handoff  `json:"handoff,omitempty"`
	Notices   []types.Message `json:"notices,omitempty"`
}

// ProcessOptions carries the sender's context.
type ProcessOptions struct {
	// SpawnID is the sending spawn, when an agent posts from inside a run.
	SpawnID string
}

// Process runs the directive pass, or the mention pass for ordinary
// messages.
func (p *Processor) Process(ctx context.Context, msg types.Message, opts ProcessOptions) (*Outcome, error) {
	p.metrics.MessageProcessed()
	directive, err := core.ParseDirective(msg.Content)
	if err != nil {
		return nil, err
	}
	sender, err := db.GetAgent(p.stores.Identities, msg.AgentID)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, core.NotFound("agent", msg.AgentID)
	}
	channel, err := db.GetChannel(p.stores.Channels, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, core.NotFound("channel", msg.ChannelID)
	}

	in := input{msg: msg, sender: *sender, channel: *channel, spawnID: opts.SpawnID}
	if directive != nil {
		p.metrics.Directive(string(directive.Kind))
		out, err := p.directive(ctx, in, *directive)
		if out != nil {
			out.Directive = directive
		}
		return out, err
	}
	return p.mentions(ctx, in)
}

type input struct {
	msg     types.Message
	sender  types.Agent
	channel types.Channel
	spawnID string
}

// parentSpawn is the sender's own run in the channel, so mention chains are
// depth-bounded.
func (p *Processor) parentSpawn(in input) (*string, error) {
	if in.spawnID != "" {
		sp, err := p.manager.Get(in.spawnID)
		if err != nil {
			return nil, err
		}
		return &sp.ID, nil
	}
	live, err := p.manager.GetLiveInChannel(in.sender.AgentID, in.channel.ChannelID)
	if err != nil || live == nil {
		return nil, err
	}
	return &live.ID, nil
}

func (p *Processor) mentions(ctx context.Context, in input) (*Outcome, error) {
	out := &Outcome{}
	identities := core.ExtractMentions(in.msg.Content)
	if len(identities) == 0 {
		return out, nil
	}
	parent, err := p.parentSpawn(in)
	if err != nil {
		return nil, err
	}
	turn := formatTurn(in.sender.Identity, in.channel.Name, in.msg.Content)

	for _, identity := range identities {
		agent, err := db.GetAgentByIdentity(p.stores.Identities, identity)
		if err != nil {
			return out, err
		}
		if agent == nil || agent.AgentID == in.sender.AgentID || !agent.Launchable() {
			out.Skipped = append(out.Skipped, identity)
			continue
		}
		spawnID, reused, err := p.deliver(ctx, *agent, in.channel, parent, turn)
		switch {
		case core.IsValidation(err):
			p.logger.Info("mention skipped", zap.String("identity", identity), zap.Error(err))
			out.Skipped = append(out.Skipped, identity)
		case err != nil:
			return out, err
		case reused:
			out.Reused = append(out.Reused, spawnID)
		default:
			out.Spawned = append(out.Spawned, spawnID)
		}
	}
	return out, nil
}

// deliver queues turn for the agent's live spawn in the channel, or creates
// and launches a new one.
func (p *Processor) deliver(ctx context.Context, agent types.Agent, channel types.Channel, parent *string, turn string) (string, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		live, err := p.manager.GetLiveInChannel(agent.AgentID, channel.ChannelID)
		if err != nil {
			return "", false, err
		}
		if live != nil {
			if _, err := p.manager.EnqueueTurn(live.ID, turn); err != nil {
				return "", false, err
			}
			if live.Status == types.SpawnActive {
				if err := p.launch(ctx, live.ID); err != nil {
					return "", false, err
				}
			}
			p.logger.Info("spawn reused",
				zap.String("spawn", live.ID),
				zap.String("identity", agent.Identity),
				zap.String("status", string(live.Status)),
			)
			return live.ID, true, nil
		}

		channelID := channel.ChannelID
		created, err := p.manager.Create(ctx, spawn.CreateRequest{
			AgentID:       agent.AgentID,
			ChannelID:     &channelID,
			ParentSpawnID: parent,
		})
		if errors.Is(err, db.ErrLiveSpawnExists) {
			// Lost a race with a concurrent mention; reuse the winner.
			continue
		}
		if err != nil {
			return "", false, err
		}
		if _, err := p.manager.EnqueueTurn(created.ID, turn); err != nil {
			return "", false, err
		}
		if err := p.launch(ctx, created.ID); err != nil {
			return "", false, err
		}
		return created.ID, false, nil
	}
	return "", false, fmt.Errorf("@%s: %w", agent.Identity, db.ErrLiveSpawnExists)
}

// launch starts a runner for the spawn. A spawn whose runner cannot start is
// failed so it stops holding the agent's slot in the channel.
func (p *Processor) launch(ctx context.Context, spawnID string) error {
	err := p.launcher.Launch(ctx, spawnID)
	if err == nil {
		return nil
	}
	if _, terr := p.manager.Terminate(ctx, spawnID, types.SpawnFailed); terr != nil {
		p.logger.Warn("mark unlaunched spawn failed", zap.String("spawn", spawnID), zap.Error(terr))
	}
	return fmt.Errorf("launch spawn %s: %w", core.ShortID(spawnID), err)
}

func formatTurn(sender, channel, content string) string {
	return fmt.Sprintf("@%s in #%s:\n%s", sender, channel, content)
}

// notice posts a message authored by the system identity.
func (p *Processor) notice(channelID, content string) (*types.Message, error) {
	system, err := db.EnsureAgent(p.stores.Identities, SystemIdentity)
	if err != nil {
		return nil, err
	}
	return db.CreateMessage(p.stores.Channels, db.MessageInput{
		ChannelID: channelID,
		AgentID:   system.AgentID,
		Content:   content,
	})
}
