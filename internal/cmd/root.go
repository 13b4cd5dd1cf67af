package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turbolytics/patina/internal/api"
	"github.com/turbolytics/patina/internal/cmd/backup"
	"github.com/turbolytics/patina/internal/cmd/fixtures"
	"github.com/turbolytics/patina/internal/cmd/ledger"
)

func NewRootCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:          "patina",
		Short:        "Scheduled SQL backups for SQLite databases",
		Version:      api.Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(backup.NewCommand())
	cmd.AddCommand(ledger.NewCommand())
	cmd.AddCommand(fixtures.NewCommand())

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
