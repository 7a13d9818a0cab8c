package command

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/observe"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/spf13/cobra"
)

func newSpawnTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and control spawns",
	}
	cmd.AddCommand(
		newTasksListCmd(),
		newTasksLogsCmd(),
		newTasksWaitCmd(),
		newTasksKillCmd(),
		newTasksStreamCmd(),
	)
	return cmd
}

func newTasksListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List spawns, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			filter := types.SpawnFilter{}
			filter.Limit, _ = cmd.Flags().GetInt("limit")
			if ref, _ := cmd.Flags().GetString("agent"); ref != "" {
				agent, err := resolveAgent(ctx, ref)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				filter.AgentID = agent.AgentID
			}
			if ref, _ := cmd.Flags().GetString("channel"); ref != "" {
				channel, err := resolveChannel(ctx, ref)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				filter.ChannelID = channel.ChannelID
			}
			statuses, _ := cmd.Flags().GetStringSlice("status")
			for _, value := range statuses {
				status, err := parseStatus(value)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				filter.Statuses = append(filter.Statuses, status...)
			}

			spawns, err := db.ListSpawns(ctx.Stores.Spawns, filter)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				if spawns == nil {
					spawns = []types.Spawn{}
				}
				return writeJSON(cmd.OutOrStdout(), spawns)
			}
			if len(spawns) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No spawns")
				return nil
			}
			names, err := loadNames(ctx)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			for _, sp := range spawns {
				fmt.Fprintln(cmd.OutOrStdout(), formatSpawn(sp, names))
			}
			return nil
		},
	}
	cmd.Flags().String("agent", "", "only spawns of this agent")
	cmd.Flags().String("channel", "", "only spawns in this channel")
	cmd.Flags().StringSlice("status", nil, "statuses to include; 'live' and 'ended' select groups")
	cmd.Flags().Int("limit", 20, "maximum spawns to list (0 for all)")
	return cmd
}

func parseStatus(value string) ([]types.SpawnStatus, error) {
	switch value = strings.ToLower(strings.TrimSpace(value)); value {
	case "live":
		return types.LiveStatuses, nil
	case "ended":
		return []types.SpawnStatus{types.SpawnCompleted, types.SpawnFailed, types.SpawnTimeout, types.SpawnKilled}, nil
	}
	status := types.SpawnStatus(value)
	if !status.Live() && !status.Terminal() {
		return nil, core.NewValidationError("unknown spawn status %q", value)
	}
	return []types.SpawnStatus{status}, nil
}

type spawnLogs struct {
	Spawn  types.Spawn          `json:"spawn"`
	Output *db.SpawnOutput      `json:"output,omitempty"`
	Events []types.SessionEvent `json:"events"`
}

func newTasksLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <spawn-id>",
		Short: "Show captured output and session events of a spawn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			rt := ctx.Runtime(nil)
			sp, err := rt.Manager.Get(args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			output, err := db.GetSpawnOutput(ctx.Stores.Spawns, sp.ID)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			events, err := db.GetSpawnEvents(ctx.Stores.Spawns, sp.ID)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				if events == nil {
					events = []types.SessionEvent{}
				}
				return writeJSON(cmd.OutOrStdout(), spawnLogs{Spawn: *sp, Output: output, Events: events})
			}

			w := cmd.OutOrStdout()
			names, err := loadNames(ctx)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			fmt.Fprintln(w, formatSpawn(*sp, names))
			if output != nil {
				if output.ExitCode != nil {
					fmt.Fprintf(w, "exit code %d\n", *output.ExitCode)
				}
				if output.Error != nil {
					fmt.Fprintf(w, "error: %s\n", *output.Error)
				}
				if output.Stdout != "" {
					fmt.Fprintf(w, "--- stdout\n%s\n", strings.TrimRight(output.Stdout, "\n"))
				}
				if output.Stderr != "" {
					fmt.Fprintf(w, "--- stderr\n%s\n", strings.TrimRight(output.Stderr, "\n"))
				}
			}
			if len(events) > 0 {
				fmt.Fprintln(w, "--- session")
				for _, event := range events {
					fmt.Fprintf(w, "[%s] %s: %s\n", formatRelative(event.Timestamp), event.Type, event.Content)
				}
			}
			return nil
		},
	}
}

func newTasksWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <spawn-id>",
		Short: "Block until a spawn is active or ended",
		Long:  "Block until a spawn is active or ended. Exits 124 on timeout.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			timeout, _ := cmd.Flags().GetDuration("timeout")
			rt := ctx.Runtime(nil)
			sp, err := rt.Manager.Wait(cmd.Context(), args[0], timeout)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), sp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", core.ShortID(sp.ID), sp.Status)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

func newTasksKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <spawn-id>",
		Short: "Stop a spawn and mark it killed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			rt := ctx.Runtime(nil)
			sp, err := rt.Manager.Terminate(cmd.Context(), args[0], types.SpawnKilled)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), sp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", core.ShortID(sp.ID), sp.Status)
			return nil
		},
	}
}

func newTasksStreamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stream <spawn-id>",
		Short: "Follow a spawn's session events until it ends",
		Long:  "Follow a spawn's session events. With --json each event is one JSON line. Exits 124 if no session appears.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt := ctx.Runtime(nil)
			w := cmd.OutOrStdout()
			enc := json.NewEncoder(w)
			emit := func(event observe.Event) error {
				if ctx.JSONMode {
					return enc.Encode(event)
				}
				switch event.Kind {
				case observe.EventSession:
					_, err := fmt.Fprintf(w, "[%s] %s: %s\n", formatRelative(event.Timestamp), event.Type, event.Content)
					return err
				case observe.EventEnd:
					_, err := fmt.Fprintf(w, "%s ended (%s)\n", core.ShortID(event.SpawnID), event.Status)
					return err
				}
				return nil
			}
			if err := observe.New(rt.Manager, nil).Observe(runCtx, args[0], emit); err != nil && runCtx.Err() == nil {
				return writeCommandError(cmd, err)
			}
			return nil
		},
	}
}
