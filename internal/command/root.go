package command

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const AppName = "murmur"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Murmur - coordinate a swarm of AI agents through channels",
		Long:          "Murmur launches agent processes, tracks their sessions and lets them talk through shared channels.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().Bool("json", false, "output in JSON format")
	cmd.PersistentFlags().String("root", "", "workspace root (defaults to $"+rootEnvName+" or the nearest .murmur)")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	cmd.AddCommand(
		NewInitCmd(),
		NewChannelCmd(),
		NewSendCmd(),
		NewRecvCmd(),
		NewWaitCmd(),
		NewInboxCmd(),
		NewHandoffCmd(),
		NewSpawnCmd(),
		NewDaemonCmd(),
		NewServeCmd(),
	)

	return cmd
}

// Execute runs the root command, printing errors that no command reported.
func Execute() error {
	cmd := NewRootCmd(Version)
	err := cmd.Execute()
	var reported reportedError
	if err != nil && !errors.As(err, &reported) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err)
	}
	return err
}
