package command

import (
	"fmt"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/db"
	"github.com/spf13/cobra"
)

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a murmur workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			jsonMode, _ := cmd.Flags().GetBool("json")

			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			project, err := core.InitProject(dir, force)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if err := core.WriteDefaultConfig(project); err != nil {
				return writeCommandError(cmd, err)
			}
			stores, err := db.OpenStores(project)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if err := stores.Close(); err != nil {
				return writeCommandError(cmd, err)
			}

			if jsonMode {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"root": project.Root, "dir": project.Dir})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized murmur workspace in %s\n", project.Dir)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "reinitialize an existing workspace")
	return cmd
}
