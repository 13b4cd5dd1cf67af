package ledger

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Applies pending ledger migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, logger, err := open(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer l.Close()

			if err := l.Migrate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger (%s) is up to date\n", l.Dialect())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "patina.yml", "Path to config file")
	return cmd
}
