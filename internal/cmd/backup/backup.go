package backup

import (
	"github.com/spf13/cobra"
)

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "backup",
		Short: "Runs, schedules and expires database backups",
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newSweepCommand())
	return cmd
}
