package command

import (
	"fmt"
	"strings"

	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/spf13/cobra"
)

// NewChannelCmd creates the channel command group.
func NewChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage channels",
	}
	cmd.AddCommand(
		newChannelCreateCmd(),
		newChannelRenameCmd(),
		newChannelStampCmd("archive", "Archive a channel", db.ArchiveChannel, "Archived"),
		newChannelStampCmd("restore", "Restore an archived channel", db.RestoreChannel, "Restored"),
		newChannelStampCmd("pin", "Pin a channel to the top of listings", db.PinChannel, "Pinned"),
		newChannelStampCmd("unpin", "Unpin a channel", db.UnpinChannel, "Unpinned"),
		newChannelDeleteCmd(),
		newChannelListCmd(),
		newChannelTopicCmd(),
		newChannelNotesCmd(),
		newChannelNoteCmd(),
	)
	return cmd
}

func newChannelCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			input := db.ChannelInput{Name: stripHash(args[0])}
			if topic, _ := cmd.Flags().GetString("topic"); topic != "" {
				input.Topic = &topic
			}
			channel, err := db.CreateChannel(ctx.Stores.Channels, input)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), channel)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created #%s\n", channel.Name)
			return nil
		},
	}
	cmd.Flags().String("topic", "", "channel topic")
	return cmd
}

func newChannelRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <channel> <new-name>",
		Short: "Rename a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			channel, err := resolveChannel(ctx, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if err := db.RenameChannel(ctx.Stores.Channels, channel.ChannelID, stripHash(args[1])); err != nil {
				return writeCommandError(cmd, err)
			}
			renamed, err := db.GetChannel(ctx.Stores.Channels, channel.ChannelID)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), renamed)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed #%s to #%s\n", channel.Name, renamed.Name)
			return nil
		},
	}
}

// newChannelStampCmd builds the commands that only toggle a channel stamp.
func newChannelStampCmd(use, short string, apply func(db.DBTX, string) error, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <channel>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			channel, err := resolveChannel(ctx, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if err := apply(ctx.Stores.Channels, channel.ChannelID); err != nil {
				return writeCommandError(cmd, err)
			}
			updated, err := db.GetChannel(ctx.Stores.Channels, channel.ChannelID)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), updated)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s #%s\n", verb, channel.Name)
			return nil
		},
	}
}

func newChannelDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <channel>",
		Short: "Delete a channel with its messages, bookmarks and notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			channel, err := resolveChannel(ctx, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if err := db.DeleteChannel(ctx.Stores.Channels, channel.ChannelID); err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"deleted": channel.ChannelID})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted #%s\n", channel.Name)
			return nil
		},
	}
}

func newChannelListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			includeArchived, _ := cmd.Flags().GetBool("archived")
			opts := db.ListChannelsOptions{Filter: types.ChannelFilterAll, IncludeArchived: includeArchived}
			if unread, _ := cmd.Flags().GetBool("unread"); unread {
				identity, err := resolveIdentity(cmd)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				agent, err := db.EnsureAgent(ctx.Stores.Identities, identity)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				opts.Filter = types.ChannelFilterUnread
				opts.ReaderID = agent.AgentID
				opts.AgentID = agent.AgentID
			}
			channels, err := db.ListChannels(ctx.Stores.Channels, opts)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			return writeChannels(cmd, ctx, channels, "No channels")
		},
	}
	cmd.Flags().Bool("archived", false, "include archived channels")
	cmd.Flags().Bool("unread", false, "only channels with unread messages for --as")
	cmd.Flags().String("as", "", "reader identity for --unread")
	return cmd
}

func writeChannels(cmd *cobra.Command, ctx *CommandContext, channels []types.ChannelSummary, empty string) error {
	if ctx.JSONMode {
		if channels == nil {
			channels = []types.ChannelSummary{}
		}
		return writeJSON(cmd.OutOrStdout(), channels)
	}
	if len(channels) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), empty)
		return nil
	}
	for _, channel := range channels {
		fmt.Fprintln(cmd.OutOrStdout(), formatChannel(channel))
	}
	return nil
}

func newChannelTopicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topic <channel> [topic]",
		Short: "Show or set a channel topic",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			channel, err := resolveChannel(ctx, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			clearTopic, _ := cmd.Flags().GetBool("clear")
			switch {
			case clearTopic:
				err = db.SetChannelTopic(ctx.Stores.Channels, channel.ChannelID, nil)
			case len(args) == 2:
				topic := strings.TrimSpace(args[1])
				err = db.SetChannelTopic(ctx.Stores.Channels, channel.ChannelID, &topic)
			}
			if err != nil {
				return writeCommandError(cmd, err)
			}
			channel, err = db.GetChannel(ctx.Stores.Channels, channel.ChannelID)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), channel)
			}
			if channel.Topic == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "#%s has no topic\n", channel.Name)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "#%s: %s\n", channel.Name, *channel.Topic)
			return nil
		},
	}
	cmd.Flags().Bool("clear", false, "remove the topic")
	return cmd
}

func newChannelNotesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notes <channel>",
		Short: "List channel notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			channel, err := resolveChannel(ctx, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			notes, err := db.GetNotes(ctx.Stores.Channels, channel.ChannelID)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				if notes == nil {
					notes = []types.Note{}
				}
				return writeJSON(cmd.OutOrStdout(), notes)
			}
			if len(notes) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No notes in #%s\n", channel.Name)
				return nil
			}
			names, err := loadNames(ctx)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			for _, note := range notes {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", formatRelative(note.CreatedAt), names.name(note.AgentID), note.Content)
			}
			return nil
		},
	}
}

func newChannelNoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note <channel> <content>",
		Short: "Attach a note to a channel",
		Args:  cobra.ExactArgs(2),
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
			agent, err := db.EnsureAgent(ctx.Stores.Identities, identity)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			channel, err := resolveChannel(ctx, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			note, err := db.AddNote(ctx.Stores.Channels, channel.ChannelID, agent.AgentID, args[1])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), note)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Noted in #%s\n", channel.Name)
			return nil
		},
	}
	cmd.Flags().String("as", "", "author identity (defaults to $"+identityEnvName+")")
	return cmd
}

func loadNames(ctx *CommandContext) (identityNames, error) {
	agents, err := db.ListAgents(ctx.Stores.Identities, true)
	if err != nil {
		return nil, err
	}
	names := make(identityNames, len(agents))
	for _, agent := range agents {
		names[agent.AgentID] = agent.Identity
	}
	return names, nil
}
