package command

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adamavenir/murmur/internal/daemon"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/metrics"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/spf13/cobra"
)

// NewDaemonCmd creates the daemon command.
func NewDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the timer and orphan sweeper",
		Long: `Start the daemon that enforces channel timers.

The daemon:
- Stops every live spawn in a channel whose /timer expired and posts a notice
- Fails running spawns whose process has disappeared

Only one daemon can run per workspace (enforced via lock file).
Use Ctrl+C or SIGTERM to gracefully shut down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer cmdCtx.Close()

			rt := cmdCtx.Runtime(metrics.New())
			processor, err := cmdCtx.Processor(rt)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			d := daemon.New(processor, rt.Metrics)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := d.Start(ctx); err != nil {
				return writeCommandError(cmd, err)
			}
			interval := cmdCtx.Config.TimerInterval.Duration
			if cmdCtx.JSONMode {
				_ = writeJSON(cmd.OutOrStdout(), map[string]any{
					"status":   "started",
					"interval": interval.String(),
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon started (sweep interval: %s)\n", interval)
				fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")
			}

			<-ctx.Done()

			if !cmdCtx.JSONMode {
				fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
			}
			if err := d.Stop(); err != nil {
				return writeCommandError(cmd, err)
			}
			if cmdCtx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"status": "stopped"})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
			return nil
		},
	}

	cmd.AddCommand(NewDaemonStatusCmd())
	return cmd
}

// NewDaemonStatusCmd creates the daemon status command.
func NewDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check if the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer cmdCtx.Close()

			running := daemon.IsLocked(cmdCtx.Project)
			live, err := db.ListSpawns(cmdCtx.Stores.Spawns, types.SpawnFilter{Statuses: types.LiveStatuses})
			if err != nil {
				return writeCommandError(cmd, err)
			}
			timed, err := db.ListTimedChannels(cmdCtx.Stores.Channels)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if cmdCtx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"running":        running,
					"live_spawns":    len(live),
					"timed_channels": len(timed),
				})
			}
			if running {
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon is running")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Live spawns: %d\n", len(live))
			if len(timed) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Channels with timers: %d\n", len(timed))
				if !running {
					fmt.Fprintln(cmd.OutOrStdout(), "Timers only expire while 'murmur daemon' runs.")
				}
			}
			return nil
		},
	}
}
