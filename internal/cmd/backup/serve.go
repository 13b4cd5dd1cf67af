package backup

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/turbolytics/patina/internal/archiver"
	"github.com/turbolytics/patina/internal/config"
	"github.com/turbolytics/patina/internal/ledger"
)

func newServeCommand() *cobra.Command {
	var configPath string
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the scheduler and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				c.API.Listen = listen
			}

			logger, err := config.NewLogger(c.Logger)
			if err != nil {
				return err
			}
			defer logger.Sync()
			l := logger.Named("patina")

			app, err := config.Initialize(ctx, c, l)
			if err != nil {
				return err
			}
			defer app.Close()

			// No job survives a restart; anything still running was interrupted.
			now := time.Now()
			n, err := app.Ledger.FailStaleJobs(ctx, now, now, "interrupted: process restarted")
			if err != nil {
				return err
			}
			if n > 0 {
				l.Warn("marked interrupted jobs as failed", zap.Int64("jobs", n))
			}

			if c.API.Key == "" {
				l.Warn("no API key configured, protected endpoints will return 503")
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return app.Scheduler.Run(ctx, func(ctx context.Context) {
					_, err := app.Archiver.Run(ctx, ledger.TriggerScheduled, archiver.RunOptions{})
					switch {
					case errors.Is(err, archiver.ErrJobInProgress):
						l.Warn("skipping scheduled backup, a job is already running")
					case err != nil:
						l.Error("scheduled backup failed", zap.Error(err))
					}
				})
			})
			g.Go(func() error {
				return app.Server.Start(ctx, c.API.Listen)
			})

			err = g.Wait()
			app.Archiver.Wait()

			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "patina.yml", "Path to config file")
	cmd.Flags().StringVar(&listen, "listen", "", "Override api.listen")
	return cmd
}
