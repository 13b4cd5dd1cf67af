package backup

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/turbolytics/patina/internal/codec"
	"github.com/turbolytics/patina/internal/config"
)

func newSweepCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Deletes artifacts past their retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(c.Logger)
			if err != nil {
				return err
			}
			defer logger.Sync()

			app, err := config.Initialize(ctx, c, logger.Named("patina"))
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Sweeper.Sweep(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "expired %d, deleted %d, failed %d, freed %s\n",
				res.TotalExpired, res.Deleted, res.Failed, codec.HumanizeBytes(res.FreedBytes))
			for _, e := range res.Entries {
				if !e.Success {
					fmt.Fprintf(out, "  %s: %s\n", e.Key, e.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "patina.yml", "Path to config file")
	return cmd
}
