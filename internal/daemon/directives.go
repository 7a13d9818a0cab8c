package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/spawn"
	"github.com/adamavenir/murmur/internal/types"
	"go.uber.org/zap"
)

func (p *Processor) directive(ctx context.Context, in input, d core.Directive) (*Outcome, error) {
	switch d.Kind {
	case core.DirectiveCompact:
		return p.compact(ctx, in, d.Text)
	case core.DirectiveCompactChannel:
		return p.compactChannel(in, d.Text)
	case core.DirectiveHandoff:
		return p.handoff(ctx, in, d.Target, d.Text)
	case core.DirectiveStop:
		return p.stop(ctx, in, d.Target)
	case core.DirectiveStopAll:
		return p.stopAll(ctx, in)
	case core.DirectivePause:
		return p.pause(ctx, in, d.Target)
	case core.DirectiveResume:
		return p.resume(ctx, in, d.Target)
	case core.DirectiveTimer:
		return p.setTimer(in, d.Text)
	case core.DirectiveTimerCancel:
		return p.cancelTimer(in)
	}
	return nil, core.NewValidationError("unsupported directive %s", d.Kind)
}

// compact ends the sender's spawn and detaches a successor seeded with the
// summary.
func (p *Processor) compact(ctx context.Context, in input, summary string) (*Outcome, error) {
	current, err := p.senderSpawn(in)
	if err != nil {
		return nil, err
	}
	req := spawn.CreateRequest{
		AgentID:       in.sender.AgentID,
		ChannelID:     current.ChannelID,
		ParentSpawnID: &current.ID,
		CompactedFrom: &current.ID,
		WorkDir:       stringValue(current.WorkDir),
	}
	// Validate the successor while the predecessor still holds the channel.
	if _, err := p.manager.CheckCreate(req); err != nil {
		return nil, err
	}
	if _, err := p.manager.Terminate(ctx, current.ID, types.SpawnCompleted); err != nil {
		return nil, err
	}

	successor, err := p.manager.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	turn := fmt.Sprintf("You are continuing compacted work in #%s. Summary from your previous run:\n%s", in.channel.Name, summary)
	if _, err := p.manager.EnqueueTurn(successor.ID, turn); err != nil {
		return nil, err
	}
	if err := p.launch(ctx, successor.ID); err != nil {
		return nil, err
	}
	p.logger.Info("spawn compacted",
		zap.String("spawn", current.ID),
		zap.String("successor", successor.ID),
		zap.String("identity", in.sender.Identity),
	)
	return &Outcome{Stopped: []string{current.ID}, Spawned: []string{successor.ID}}, nil
}

func (p *Processor) senderSpawn(in input) (*types.Spawn, error) {
	if in.spawnID != "" {
		return p.manager.Get(in.spawnID)
	}
	live, err := p.manager.GetLiveInChannel(in.sender.AgentID, in.channel.ChannelID)
	if err != nil {
		return nil, err
	}
	if live == nil {
		return nil, core.NewValidationError("@%s has no live spawn in #%s", in.sender.Identity, in.channel.Name)
	}
	return live, nil
}

// compactChannel moves the conversation to a successor channel and archives
// the original.
func (p *Processor) compactChannel(in input, summary string) (*Outcome, error) {
	if p.cfg.Coordinator == "" {
		return nil, core.NewValidationError("!compact-channel requires a configured coordinator")
	}
	if in.sender.Identity != p.cfg.Coordinator {
		return nil, core.NewValidationError("only @%s may compact a channel", p.cfg.Coordinator)
	}

	name, err := db.NextSuccessorName(p.stores.Channels, in.channel.Name)
	if err != nil {
		return nil, err
	}
	successor, err := db.CreateChannel(p.stores.Channels, db.ChannelInput{
		Name:          name,
		Topic:         in.channel.Topic,
		ContinuesFrom: &in.channel.ChannelID,
	})
	if err != nil {
		return nil, err
	}
	mentions, err := p.memberMentions(in.channel.ChannelID)
	if err != nil {
		return nil, err
	}

	if _, err := db.CreateMessage(p.stores.Channels, db.MessageInput{
		ChannelID: successor.ChannelID,
		AgentID:   in.sender.AgentID,
		Content:   summary,
	}); err != nil {
		return nil, err
	}
	out := &Outcome{Channel: successor}
	notice := fmt.Sprintf("Continued from #%s.", in.channel.Name)
	if len(mentions) > 0 {
		notice += " Previously active: " + strings.Join(mentions, " ")
	}
	if err := p.appendNotice(out, successor.ChannelID, notice); err != nil {
		return nil, err
	}
	if err := p.appendNotice(out, in.channel.ChannelID, fmt.Sprintf("Continued in #%s.", successor.Name)); err != nil {
		return nil, err
	}
	if err := db.ArchiveChannel(p.stores.Channels, in.channel.ChannelID); err != nil {
		return nil, err
	}
	p.logger.Info("channel compacted",
		zap.String("channel", in.channel.Name),
		zap.String("successor", successor.Name),
	)
	return out, nil
}

func (p *Processor) memberMentions(channelID string) ([]string, error) {
	members, err := db.ChannelMembers(p.stores.Channels, channelID)
	if err != nil {
		return nil, err
	}
	mentions := make([]string, 0, len(members))
	for _, id := range members {
		agent, err := db.GetAgent(p.stores.Identities, id)
		if err != nil {
			return nil, err
		}
		if agent == nil || agent.Identity == SystemIdentity {
			continue
		}
		mentions = append(mentions, "@"+agent.Identity)
	}
	return mentions, nil
}

// handoff records the transfer and wakes the target.
func (p *Processor) handoff(ctx context.Context, in input, target, summary string) (*Outcome, error) {
	to, err := db.GetAgentByIdentity(p.stores.Identities, target)
	if err != nil {
		return nil, err
	}
	if to == nil {
		return nil, core.NotFound("agent", "@"+target)
	}
	h, msg, err := db.CreateHandoff(p.stores.Channels, db.HandoffInput{
		ChannelID:    in.channel.ChannelID,
		FromAgent:    in.sender.AgentID,
		ToAgent:      to.AgentID,
		Summary:      summary,
		Announcement: fmt.Sprintf("@%s handoff: %s", to.Identity, summary),
	})
	if err != nil {
		return nil, err
	}
	out := &Outcome{Handoff: h, Notices: []types.Message{*msg}}
	if !to.Launchable() {
		out.Skipped = append(out.Skipped, to.Identity)
		return out, nil
	}

	parent, err := p.parentSpawn(in)
	if err != nil {
		return nil, err
	}
	turn := fmt.Sprintf("@%s handed off to you in #%s:\n%s", in.sender.Identity, in.channel.Name, summary)
	spawnID, reused, err := p.deliver(ctx, *to, in.channel, parent, turn)
	switch {
	case core.IsValidation(err):
		p.logger.Info("handoff spawn skipped", zap.String("identity", to.Identity), zap.Error(err))
		out.Skipped = append(out.Skipped, to.Identity)
	case err != nil:
		return out, err
	case reused:
		out.Reused = append(out.Reused, spawnID)
	default:
		out.Spawned = append(out.Spawned, spawnID)
	}
	return out, nil
}

// targetSpawn finds the live spawn of identity in the directive's channel.
func (p *Processor) targetSpawn(in input, identity string) (*types.Spawn, error) {
	agent, err := db.GetAgentByIdentity(p.stores.Identities, identity)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, core.NotFound("agent", "@"+identity)
	}
	live, err := p.manager.GetLiveInChannel(agent.AgentID, in.channel.ChannelID)
	if err != nil {
		return nil, err
	}
	if live == nil {
		return nil, core.NewValidationError("@%s has no live spawn in #%s", identity, in.channel.Name)
	}
	return live, nil
}

func (p *Processor) stop(ctx context.Context, in input, identity string) (*Outcome, error) {
	target, err := p.targetSpawn(in, identity)
	if err != nil {
		return nil, err
	}
	if _, err := p.manager.Terminate(ctx, target.ID, types.SpawnKilled); err != nil {
		return nil, err
	}
	return &Outcome{Stopped: []string{target.ID}}, nil
}

func (p *Processor) stopAll(ctx context.Context, in input) (*Outcome, error) {
	live, err := p.manager.ListLive(in.channel.ChannelID)
	if err != nil {
		return nil, err
	}
	out := &Outcome{}
	for _, sp := range live {
		if _, err := p.manager.Terminate(ctx, sp.ID, types.SpawnKilled); err != nil {
			return out, err
		}
		out.Stopped = append(out.Stopped, sp.ID)
	}
	return out, nil
}

func (p *Processor) pause(ctx context.Context, in input, identity string) (*Outcome, error) {
	target, err := p.targetSpawn(in, identity)
	if err != nil {
		return nil, err
	}
	if _, err := p.manager.Pause(ctx, target.ID); err != nil {
		return nil, err
	}
	return &Outcome{Paused: []string{target.ID}}, nil
}

func (p *Processor) resume(ctx context.Context, in input, identity string) (*Outcome, error) {
	target, err := p.targetSpawn(in, identity)
	if err != nil {
		return nil, err
	}
	resumed, needsRunner, err := p.manager.Resume(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	if needsRunner {
		if err := p.launch(ctx, resumed.ID); err != nil {
			return nil, err
		}
	}
	return &Outcome{Resumed: []string{resumed.ID}}, nil
}

func (p *Processor) setTimer(in input, text string) (*Outcome, error) {
	d, err := core.ParseTimerDuration(text)
	if err != nil {
		return nil, err
	}
	expiresAt := time.Now().Add(d).UnixMilli()
	if err := db.SetChannelTimer(p.stores.Channels, in.channel.ChannelID, expiresAt); err != nil {
		return nil, err
	}
	out := &Outcome{}
	if err := p.appendNotice(out, in.channel.ChannelID, fmt.Sprintf("Timer set: #%s closes in %s.", in.channel.Name, core.FormatDuration(d))); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Processor) cancelTimer(in input) (*Outcome, error) {
	cleared, err := db.ClearChannelTimer(p.stores.Channels, in.channel.ChannelID)
	if err != nil {
		return nil, err
	}
	if !cleared {
		return nil, core.NewValidationError("#%s has no timer", in.channel.Name)
	}
	out := &Outcome{}
	if err := p.appendNotice(out, in.channel.ChannelID, fmt.Sprintf("Timer cancelled for #%s.", in.channel.Name)); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Processor) appendNotice(out *Outcome, channelID, content string) error {
	msg, err := p.notice(channelID, content)
	if err != nil {
		return err
	}
	out.Notices = append(out.Notices, *msg)
	return nil
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
