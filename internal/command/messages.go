package command

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/daemon"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/spf13/cobra"
)

// NewSendCmd creates the send command.
func NewSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <channel> <message>",
		Short: "Post a message and process its mentions or directive",
		Long: `Post a message to a channel, creating the channel on first use.

@mentions wake the named agents. A message starting with a directive
(!compact, !compact-channel, !handoff, /stop, /stop-all, /pause, /resume,
/timer, /timer-cancel) runs that directive instead.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			identity, err := resolveIdentity(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			content := strings.Join(args[1:], " ")
			if strings.TrimSpace(content) == "" {
				return writeCommandError(cmd, core.NewValidationError("message is empty"))
			}

			rt := ctx.Runtime(nil)
			processor, err := ctx.Processor(rt)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			result, err := processor.Send(cmd.Context(), stripHash(args[0]), identity, content,
				daemon.SendOptions{SpawnID: os.Getenv(spawnEnvName)})
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] Posted to #%s\n", core.ShortID(result.Message.MessageID), result.Channel.Name)
			writeOutcome(cmd, result.Outcome)
			return nil
		},
	}
	cmd.Flags().String("as", "", "sender identity (defaults to $"+identityEnvName+")")
	return cmd
}

func writeOutcome(cmd *cobra.Command, out *daemon.Outcome) {
	if out == nil {
		return
	}
	w := cmd.OutOrStdout()
	lines := []struct {
		label string
		ids   []string
	}{
		{"Spawned", out.Spawned},
		{"Reused", out.Reused},
		{"Stopped", out.Stopped},
		{"Paused", out.Paused},
		{"Resumed", out.Resumed},
		{"Skipped", out.Skipped},
	}
	for _, line := range lines {
		if len(line.ids) == 0 {
			continue
		}
		short := make([]string, len(line.ids))
		for i, id := range line.ids {
			short[i] = core.ShortID(id)
		}
		fmt.Fprintf(w, "  %s: %s\n", line.label, strings.Join(short, ", "))
	}
	if out.Channel != nil {
		fmt.Fprintf(w, "  Continued in #%s\n", out.Channel.Name)
	}
	if out.Handoff != nil {
		fmt.Fprintf(w, "  Handoff %s recorded\n", core.ShortID(out.Handoff.HandoffID))
	}
	for _, notice := range out.Notices {
		fmt.Fprintf(w, "  %s\n", notice.Content)
	}
}

// NewRecvCmd creates the recv command.
func NewRecvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recv <channel>",
		Short: "Read unseen messages and advance your bookmark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			reader, channel, err := readerAndChannel(cmd, ctx, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			opts := db.RecvOptions{}
			if since, _ := cmd.Flags().GetString("since"); since != "" {
				window, err := core.ParseWindow(since)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				opts.Window = &window
			}
			var messages []types.Message
			if peek, _ := cmd.Flags().GetBool("peek"); peek {
				messages, err = db.Peek(ctx.Stores.Channels, channel.ChannelID, reader.AgentID)
			} else {
				messages, err = db.Recv(ctx.Stores.Channels, channel.ChannelID, reader.AgentID, opts)
			}
			if err != nil {
				return writeCommandError(cmd, err)
			}
			return writeMessages(cmd, ctx, channel, messages)
		},
	}
	cmd.Flags().String("as", "", "reader identity (defaults to $"+identityEnvName+")")
	cmd.Flags().String("since", "", "return messages from this window instead (e.g. 10m, 1h)")
	cmd.Flags().Bool("peek", false, "do not advance the bookmark")
	return cmd
}

// NewWaitCmd creates the wait command.
func NewWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <channel>",
		Short: "Block until someone else posts to a channel",
		Long:  "Block until a message from another identity arrives. Exits 124 on timeout.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			reader, channel, err := readerAndChannel(cmd, ctx, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			interval, _ := cmd.Flags().GetDuration("interval")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			messages, err := waitForMessages(cmd.Context(), ctx, channel, reader.AgentID, interval, timeout)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			return writeMessages(cmd, ctx, channel, messages)
		},
	}
	cmd.Flags().String("as", "", "reader identity (defaults to $"+identityEnvName+")")
	cmd.Flags().Duration("interval", time.Second, "poll interval")
	cmd.Flags().Duration("timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

// waitForMessages polls Recv until a message not authored by readerID
// arrives. Own messages are consumed silently.
func waitForMessages(parent context.Context, ctx *CommandContext, channel *types.Channel, readerID string, interval, timeout time.Duration) ([]types.Message, error) {
	if interval <= 0 {
		interval = time.Second
	}
	waitCtx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		messages, err := db.Recv(ctx.Stores.Channels, channel.ChannelID, readerID, db.RecvOptions{})
		if err != nil {
			return nil, err
		}
		var others []types.Message
		for _, msg := range messages {
			if msg.AgentID != readerID {
				others = append(others, msg)
			}
		}
		if len(others) > 0 {
			return others, nil
		}
		select {
		case <-waitCtx.Done():
			if parent.Err() != nil {
				return nil, parent.Err()
			}
			return nil, fmt.Errorf("no new messages in #%s after %s: %w", channel.Name, core.FormatDuration(timeout), core.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// NewInboxCmd creates the inbox command.
func NewInboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List channels with unread messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			identity, err := resolveIdentity(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			reader, err := db.EnsureAgent(ctx.Stores.Identities, identity)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			channels, err := db.ListChannels(ctx.Stores.Channels, db.ListChannelsOptions{
				Filter:   types.ChannelFilterUnread,
				ReaderID: reader.AgentID,
				AgentID:  reader.AgentID,
			})
			if err != nil {
				return writeCommandError(cmd, err)
			}
			return writeChannels(cmd, ctx, channels, "Inbox empty")
		},
	}
	cmd.Flags().String("as", "", "reader identity (defaults to $"+identityEnvName+")")
	return cmd
}

func readerAndChannel(cmd *cobra.Command, ctx *CommandContext, channelRef string) (*types.Agent, *types.Channel, error) {
	identity, err := resolveIdentity(cmd)
	if err != nil {
		return nil, nil, err
	}
	reader, err := db.EnsureAgent(ctx.Stores.Identities, identity)
	if err != nil {
		return nil, nil, err
	}
	channel, err := resolveChannel(ctx, channelRef)
	if err != nil {
		return nil, nil, err
	}
	return reader, channel, nil
}

func writeMessages(cmd *cobra.Command, ctx *CommandContext, channel *types.Channel, messages []types.Message) error {
	if ctx.JSONMode {
		if messages == nil {
			messages = []types.Message{}
		}
		return writeJSON(cmd.OutOrStdout(), messages)
	}
	if len(messages) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No new messages in #%s\n", channel.Name)
		return nil
	}
	names, err := loadNames(ctx)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		fmt.Fprintln(cmd.OutOrStdout(), formatMessage(msg, names))
	}
	return nil
}
