package command

import (
	"fmt"
	"os"
	"strings"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/daemon"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/adamavenir/murmur/internal/metrics"
	"github.com/adamavenir/murmur/internal/provider"
	"github.com/adamavenir/murmur/internal/session"
	"github.com/adamavenir/murmur/internal/spawn"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	rootEnvName     = core.RootEnv
	identityEnvName = "MURMUR_IDENTITY"
	spawnEnvName    = "MURMUR_SPAWN_ID"
)

// CommandContext provides shared command resources.
type CommandContext struct {
	Project  core.Project
	Config   core.Config
	Stores   *db.Stores
	Logger   *zap.Logger
	JSONMode bool
	Debug    bool
}

// GetContext discovers the workspace, loads its config and opens the stores.
func GetContext(cmd *cobra.Command) (*CommandContext, error) {
	jsonMode, _ := cmd.Flags().GetBool("json")
	debug, _ := cmd.Flags().GetBool("debug")
	root, _ := cmd.Flags().GetString("root")

	var (
		project core.Project
		err     error
	)
	if root != "" {
		project, err = core.OpenProject(root)
	} else {
		project, err = core.DiscoverProject("")
	}
	if err != nil {
		return nil, err
	}
	cfg, err := core.LoadConfig(project)
	if err != nil {
		return nil, err
	}
	logger, err := core.NewLogger(cfg.LogLevel, debug)
	if err != nil {
		return nil, err
	}
	stores, err := db.OpenStores(project)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	return &CommandContext{
		Project:  project,
		Config:   cfg,
		Stores:   stores,
		Logger:   logger,
		JSONMode: jsonMode,
		Debug:    debug,
	}, nil
}

// Close releases the stores and flushes the logger.
func (c *CommandContext) Close() error {
	_ = c.Logger.Sync()
	return c.Stores.Close()
}

// Runtime is the wired spawn engine for one command invocation.
type Runtime struct {
	Metrics    *metrics.Metrics
	Correlator *session.Correlator
	Manager    *spawn.Manager
	Runner     *spawn.Runner
}

// Runtime wires the provider registry, correlator and spawn manager.
func (c *CommandContext) Runtime(m *metrics.Metrics) *Runtime {
	correlator := session.NewCorrelator(c.Stores.Spawns,
		session.DefaultStrategies(c.Config.CorrelationSlack.Duration), c.Logger, m)
	manager := spawn.NewManager(spawn.Options{
		Config:    c.Config,
		Project:   c.Project,
		Stores:    c.Stores,
		Registry:  provider.NewRegistry(c.Config.Providers),
		Ingester:  session.NewIngester(c.Stores.Spawns, correlator),
		Indexer:   session.LogIndexer{Logger: c.Logger},
		Processes: spawn.OSProcesses{},
		Logger:    c.Logger,
		Metrics:   m,
	})
	return &Runtime{
		Metrics:    m,
		Correlator: correlator,
		Manager:    manager,
		Runner:     spawn.NewRunner(manager, correlator),
	}
}

// Processor wires a message processor whose launches detach into
// `murmur spawn run` processes.
func (c *CommandContext) Processor(rt *Runtime) (*daemon.Processor, error) {
	launcher, err := spawn.NewExecLauncher(c.Project.Root, c.Debug, c.Logger)
	if err != nil {
		return nil, err
	}
	return daemon.NewProcessor(rt.Manager, launcher, rt.Metrics), nil
}

// resolveIdentity returns --as, falling back to MURMUR_IDENTITY.
func resolveIdentity(cmd *cobra.Command) (string, error) {
	identity, _ := cmd.Flags().GetString("as")
	if identity == "" {
		identity = os.Getenv(identityEnvName)
	}
	identity = core.NormalizeIdentity(identity)
	if identity == "" {
		return "", core.NewValidationError("--as is required or set %s", identityEnvName)
	}
	return identity, nil
}

// resolveAgent finds an existing agent by identity or id.
func resolveAgent(ctx *CommandContext, ref string) (*types.Agent, error) {
	agent, err := db.ResolveAgent(ctx.Stores.Identities, core.NormalizeIdentity(ref))
	if err != nil {
		if core.IsNotFound(err) {
			return nil, fmt.Errorf("agent not found: @%s. Use 'murmur spawn register' first: %w", core.NormalizeIdentity(ref), err)
		}
		return nil, err
	}
	return agent, nil
}

func resolveChannel(ctx *CommandContext, ref string) (*types.Channel, error) {
	channel, err := db.ResolveChannel(ctx.Stores.Channels, ref)
	if err != nil {
		if core.IsNotFound(err) {
			return nil, fmt.Errorf("channel not found: #%s: %w", stripHash(ref), err)
		}
		return nil, err
	}
	return channel, nil
}

func stripHash(value string) string {
	return strings.TrimPrefix(strings.TrimSpace(value), "#")
}
