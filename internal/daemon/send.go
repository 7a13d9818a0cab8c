package daemon

import (
	"context"
	"errors"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SendOptions carries optional sender context.
type SendOptions struct {
	SpawnID string
	// Async hands processing to a pool instead of running it inline.
	Async *Pool
}

// SendResult is the stored message and, for inline sends, what processing
// did.
type SendResult struct {
	Message types.Message `json:"message"`
	Channel types.Channel `json:"channel"`
	Outcome *Outcome      `json:"outcome,omitempty"`
}

// Send appends content to a channel as identity and processes it.
// Malformed directives are rejected before anything is stored.
func (p *Processor) Send(ctx context.Context, channelRef, identity, content string, opts SendOptions) (*SendResult, error) {
	if _, err := core.ParseDirective(content); err != nil {
		return nil, err
	}
	sender, err := db.EnsureAgent(p.stores.Identities, identity)
	if err != nil {
		return nil, err
	}
	if sender.ArchivedAt != nil {
		return nil, core.NewValidationError("agent @%s is archived", sender.Identity)
	}
	channel, _, err := db.ResolveOrCreateChannel(p.stores.Channels, channelRef)
	if err != nil {
		return nil, err
	}
	if channel.ArchivedAt != nil {
		return nil, core.NewValidationError("#%s is archived", channel.Name)
	}
	msg, err := db.CreateMessage(p.stores.Channels, db.MessageInput{
		ChannelID: channel.ChannelID,
		AgentID:   sender.AgentID,
		Content:   content,
	})
	if err != nil {
		return nil, err
	}

	result := &SendResult{Message: *msg, Channel: *channel}
	processOpts := ProcessOptions{SpawnID: opts.SpawnID}
	if opts.Async != nil {
		opts.Async.Submit(*msg, processOpts)
		return result, nil
	}
	result.Outcome, err = p.Process(ctx, *msg, processOpts)
	return result, err
}

// Pool processes messages concurrently with a bounded number of workers.
type Pool struct {
	processor *Processor
	group     *errgroup.Group
	ctx       context.Context
	logger    *zap.Logger
}

// NewPool starts a pool bound to ctx. Processing errors are logged, not
// returned, so one bad message does not cancel its siblings.
func NewPool(ctx context.Context, processor *Processor, workers int) *Pool {
	group, groupCtx := errgroup.WithContext(ctx)
	if workers > 0 {
		group.SetLimit(workers)
	}
	return &Pool{
		processor: processor,
		group:     group,
		ctx:       groupCtx,
		logger:    processor.logger.Named("pool"),
	}
}

// Submit queues msg, blocking while every worker is busy.
func (p *Pool) Submit(msg types.Message, opts ProcessOptions) {
	p.group.Go(func() error {
		out, err := p.processor.Process(p.ctx, msg, opts)
		switch {
		case errors.Is(err, context.Canceled):
			return err
		case err != nil:
			p.logger.Warn("message processing failed",
				zap.String("message", msg.MessageID),
				zap.String("channel", msg.ChannelID),
				zap.Error(err),
			)
		case out != nil && len(out.Spawned)+len(out.Reused) > 0:
			p.logger.Debug("message processed",
				zap.String("message", msg.MessageID),
				zap.Strings("spawned", out.Spawned),
				zap.Strings("reused", out.Reused),
			)
		}
		return nil
	})
}

// Wait blocks until submitted messages finish.
func (p *Pool) Wait() error {
	return p.group.Wait()
}
