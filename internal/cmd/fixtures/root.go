package fixtures

import "github.com/spf13/cobra"

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "fixtures",
		Short: "Builds sample SQLite databases for local runs",
	}
	cmd.AddCommand(newGenerateCommand())
	return cmd
}
