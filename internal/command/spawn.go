package command

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/spawn"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewSpawnCmd creates the spawn command group.
func NewSpawnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Register agents and manage their runs",
	}
	cmd.AddCommand(
		newSpawnRegisterCmd(),
		newSpawnLaunchCmd(),
		newSpawnRenameCmd(),
		newSpawnMergeCmd(),
		newSpawnCloneCmd(),
		newSpawnArchiveCmd(),
		newSpawnAgentsCmd(),
		newSpawnTasksCmd(),
		newSpawnRunCmd(),
	)
	return cmd
}

func newSpawnRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <identity>",
		Short: "Register or update an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			providerName, _ := cmd.Flags().GetString("provider")
			input := db.AgentInput{
				Identity: args[0],
				Provider: types.Provider(strings.ToLower(providerName)),
			}
			if model, _ := cmd.Flags().GetString("model"); model != "" {
				input.Model = &model
			}
			if path, _ := cmd.Flags().GetString("constitution"); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return writeCommandError(cmd, fmt.Errorf("read constitution: %w", err))
				}
				content := string(data)
				input.Constitution = &content
			}
			if desc, _ := cmd.Flags().GetString("description"); desc != "" {
				input.SelfDescription = &desc
			}

			agent, err := db.RegisterAgent(ctx.Stores.Identities, input)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), agent)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s\n", formatAgent(*agent))
			return nil
		},
	}
	cmd.Flags().String("provider", "", "claude, codex, gemini or human")
	cmd.Flags().String("model", "", "provider model")
	cmd.Flags().String("constitution", "", "file with the agent's instructions")
	cmd.Flags().String("description", "", "self description shown to other agents")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newSpawnLaunchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch <identity> [prompt...]",
		Short: "Launch an agent run",
		Long: `Launch a spawn for an agent. Trailing arguments become its first turn.

With --wait the command blocks until the spawn settles (active or ended)
and exits 124 if --timeout elapses first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			agent, err := resolveAgent(ctx, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			req := spawn.CreateRequest{AgentID: agent.AgentID}
			var channel *types.Channel
			if ref, _ := cmd.Flags().GetString("channel"); ref != "" {
				channel, _, err = db.ResolveOrCreateChannel(ctx.Stores.Channels, stripHash(ref))
				if err != nil {
					return writeCommandError(cmd, err)
				}
				req.ChannelID = &channel.ChannelID
			}
			if resume, _ := cmd.Flags().GetString("resume"); resume != "" {
				req.ResumeFrom = &resume
			}
			if parent := os.Getenv(spawnEnvName); parent != "" {
				req.ParentSpawnID = &parent
			}
			req.WorkDir, _ = cmd.Flags().GetString("workdir")

			prompt := strings.TrimSpace(strings.Join(args[1:], " "))
			if prompt == "" {
				if channel == nil {
					return writeCommandError(cmd, core.NewValidationError("a prompt is required without --channel"))
				}
				prompt = fmt.Sprintf("You were launched in #%s. Catch up with `murmur recv %s` and continue.", channel.Name, channel.Name)
			}

			launcher, err := spawn.NewExecLauncher(ctx.Project.Root, ctx.Debug, ctx.Logger)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			rt := ctx.Runtime(nil)
			sp, err := rt.Manager.Create(cmd.Context(), req)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if _, err := rt.Manager.EnqueueTurn(sp.ID, prompt); err != nil {
				return writeCommandError(cmd, err)
			}
			if err := launcher.Launch(cmd.Context(), sp.ID); err != nil {
				if _, terr := rt.Manager.Terminate(cmd.Context(), sp.ID, types.SpawnFailed); terr != nil {
					ctx.Logger.Warn("mark unlaunched spawn failed", zap.String("spawn", sp.ID), zap.Error(terr))
				}
				return writeCommandError(cmd, err)
			}

			if wait, _ := cmd.Flags().GetBool("wait"); wait {
				timeout, _ := cmd.Flags().GetDuration("timeout")
				sp, err = rt.Manager.Wait(cmd.Context(), sp.ID, timeout)
				if err != nil {
					return writeCommandError(cmd, err)
				}
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), sp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Launched @%s as %s (%s)\n", agent.Identity, core.ShortID(sp.ID), sp.Status)
			return nil
		},
	}
	cmd.Flags().String("channel", "", "channel the spawn works in")
	cmd.Flags().String("resume", "", "provider session id to resume")
	cmd.Flags().String("workdir", "", "working directory (defaults to the workspace root)")
	cmd.Flags().Bool("wait", false, "wait for the spawn to settle")
	cmd.Flags().Duration("timeout", 0, "with --wait, give up after this long")
	return cmd
}

func newSpawnRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <identity> <new-identity>",
		Short: "Rename an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			agent, err := resolveAgent(ctx, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			renamed, err := db.RenameAgent(ctx.Stores.Identities, agent.AgentID, args[1])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), renamed)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed @%s to @%s\n", agent.Identity, renamed.Identity)
			return nil
		},
	}
}

func newSpawnMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <from-identity> <into-identity>",
		Short: "Fold one agent's history into another and delete it",
		Long: `Reassign every message, spawn and bookmark of the first agent to the
second, then delete the first. Refused while the first agent has live spawns.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			from, err := resolveAgent(ctx, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			into, err := resolveAgent(ctx, args[1])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if from.AgentID == into.AgentID {
				return writeCommandError(cmd, core.NewValidationError("cannot merge @%s into itself", from.Identity))
			}
			live, err := db.ListSpawns(ctx.Stores.Spawns, types.SpawnFilter{AgentID: from.AgentID, Statuses: types.LiveStatuses})
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if len(live) > 0 {
				return writeCommandError(cmd, core.NewValidationError("@%s has %d live spawn(s); stop them first", from.Identity, len(live)))
			}

			if err := db.ReassignMessages(ctx.Stores.Channels, from.AgentID, into.AgentID); err != nil {
				return writeCommandError(cmd, err)
			}
			if err := db.ReassignSpawns(ctx.Stores.Spawns, from.AgentID, into.AgentID); err != nil {
				return writeCommandError(cmd, err)
			}
			if _, err := db.CopyBookmarks(ctx.Stores.Channels, from.AgentID, into.AgentID); err != nil {
				return writeCommandError(cmd, err)
			}
			if err := db.DeleteAgent(ctx.Stores.Identities, from.AgentID); err != nil {
				return writeCommandError(cmd, err)
			}
			ctx.Logger.Info("agents merged", zap.String("from", from.Identity), zap.String("into", into.Identity))

			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), into)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Merged @%s into @%s\n", from.Identity, into.Identity)
			return nil
		},
	}
}

func newSpawnCloneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clone <identity> <new-identity>",
		Short: "Register a new agent with an existing agent's provider, model and constitution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			source, err := resolveAgent(ctx, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			clone, err := db.CloneAgent(ctx.Stores.Identities, source.AgentID, args[1])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), clone)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cloned @%s as %s\n", source.Identity, formatAgent(*clone))
			return nil
		},
	}
}

func newSpawnArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <identity>",
		Short: "Archive an agent so it can no longer be launched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			agent, err := resolveAgent(ctx, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if err := db.ArchiveAgent(ctx.Stores.Identities, agent.AgentID); err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"archived": agent.AgentID})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived @%s\n", agent.Identity)
			return nil
		},
	}
}

func newSpawnAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			all, _ := cmd.Flags().GetBool("all")
			agents, err := db.ListAgents(ctx.Stores.Identities, all)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				if agents == nil {
					agents = []types.Agent{}
				}
				return writeJSON(cmd.OutOrStdout(), agents)
			}
			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agents registered")
				return nil
			}
			for _, agent := range agents {
				fmt.Fprintln(cmd.OutOrStdout(), formatAgent(agent))
			}
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "include archived agents")
	return cmd
}

// newSpawnRunCmd is the detached entry point ExecLauncher starts.
func newSpawnRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "run <spawn-id>",
		Short:  "Drain a spawn's turn queue in the foreground",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt := ctx.Runtime(nil)
			if err := rt.Runner.Run(runCtx, args[0]); err != nil && runCtx.Err() == nil {
				return writeCommandError(cmd, err)
			}
			return nil
		},
	}
}
