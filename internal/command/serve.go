package command

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adamavenir/murmur/internal/daemon"
	"github.com/adamavenir/murmur/internal/metrics"
	"github.com/adamavenir/murmur/internal/observe"
	"github.com/adamavenir/murmur/internal/server"
	"github.com/adamavenir/murmur/internal/spawn"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve spawn streams, message intake and metrics over HTTP",
		Long: `Serve the HTTP API:

  POST /channels/{channel}/messages   post a message (processed asynchronously)
  GET  /spawns/{id}/stream            server-sent session events
  GET  /spawns/{id}/ws                the same events over a websocket
  GET  /metrics                       Prometheus metrics
  GET  /healthz                       liveness

Spawns launched through the server run inside this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer cmdCtx.Close()

			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = cmdCtx.Config.ServeAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			rt := cmdCtx.Runtime(m)
			launcher := spawn.NewAsyncLauncher(ctx, rt.Runner, cmdCtx.Logger)
			processor := daemon.NewProcessor(rt.Manager, launcher, m)
			pool := daemon.NewPool(ctx, processor, cmdCtx.Config.WorkerPool)

			if withDaemon, _ := cmd.Flags().GetBool("daemon"); withDaemon {
				d := daemon.New(processor, m)
				if err := d.Start(ctx); err != nil {
					return writeCommandError(cmd, err)
				}
				defer func() {
					if err := d.Stop(); err != nil {
						cmdCtx.Logger.Warn("daemon stop failed", zap.Error(err))
					}
				}()
			}

			srv := server.New(server.Options{
				Addr:      addr,
				Manager:   rt.Manager,
				Processor: processor,
				Pool:      pool,
				Observer:  observe.New(rt.Manager, m),
				Metrics:   m,
				Logger:    cmdCtx.Logger,
			})
			if !cmdCtx.JSONMode {
				fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s\n", addr)
			}
			serveErr := srv.ListenAndServe(ctx)

			stop()
			if err := pool.Wait(); err != nil && ctx.Err() == nil {
				cmdCtx.Logger.Warn("message pool stopped", zap.Error(err))
			}
			launcher.Wait()
			if serveErr != nil {
				return writeCommandError(cmd, serveErr)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (defaults to serve_addr from config)")
	cmd.Flags().Bool("daemon", false, "also run the timer sweeper in this process")
	return cmd
}
