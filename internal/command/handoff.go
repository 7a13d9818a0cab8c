package command

import (
	"fmt"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/spf13/cobra"
)

// NewHandoffCmd creates the handoff command group.
func NewHandoffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "List and close handoffs",
		Long:  "Handoffs are recorded by posting '!handoff @agent summary' to a channel.",
	}
	cmd.AddCommand(newHandoffListCmd(), newHandoffCloseCmd())
	return cmd
}

func newHandoffListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List handoffs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			channelID := ""
			if ref, _ := cmd.Flags().GetString("channel"); ref != "" {
				channel, err := resolveChannel(ctx, ref)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				channelID = channel.ChannelID
			}
			var status *types.HandoffStatus
			if value, _ := cmd.Flags().GetString("status"); value != "" {
				parsed := types.HandoffStatus(value)
				if parsed != types.HandoffPending && parsed != types.HandoffClosed {
					return writeCommandError(cmd, core.NewValidationError("unknown handoff status %q", value))
				}
				status = &parsed
			}
			handoffs, err := db.ListHandoffs(ctx.Stores.Channels, channelID, status)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				if handoffs == nil {
					handoffs = []types.Handoff{}
				}
				return writeJSON(cmd.OutOrStdout(), handoffs)
			}
			if len(handoffs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No handoffs")
				return nil
			}
			names, err := loadNames(ctx)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			for _, handoff := range handoffs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-7s %s -> %s %s: %s\n",
					handoff.HandoffID, handoff.Status, names.name(handoff.FromAgent), names.name(handoff.ToAgent),
					formatRelative(handoff.CreatedAt), handoff.Summary)
			}
			return nil
		},
	}
	cmd.Flags().String("channel", "", "only handoffs in this channel")
	cmd.Flags().String("status", "", "pending or closed")
	return cmd
}

func newHandoffCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <handoff-id>",
		Short: "Mark a handoff as closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			handoff, err := db.CloseHandoff(ctx.Stores.Channels, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), handoff)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed handoff %s\n", handoff.HandoffID)
			return nil
		},
	}
}
