package backup

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turbolytics/patina/internal/archiver"
	"github.com/turbolytics/patina/internal/codec"
	"github.com/turbolytics/patina/internal/config"
	"github.com/turbolytics/patina/internal/ledger"
)

var ErrPartialFailure = errors.New("one or more sources failed")

func newRunCommand() *cobra.Command {
	var configPath string
	var sources []string
	var reason string
	var manual bool
	var force bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one backup job to completion. Suitable for an external cron.",
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
			l := logger.Named("patina")

			app, err := config.Initialize(ctx, c, l)
			if err != nil {
				return err
			}
			defer app.Close()

			if !force {
				now := time.Now()
				n, err := app.Ledger.FailStaleJobs(ctx, now.Add(-c.StaleAfter()), now, "interrupted: exceeded the maximum run time")
				if err != nil {
					return err
				}
				if n > 0 {
					l.Warn("marked interrupted jobs as failed",
						zap.Int64("jobs", n),
						zap.Duration("stale_after", c.StaleAfter()),
					)
				}

				running, err := app.Ledger.RunningJob(ctx)
				if err != nil {
					return err
				}
				if running != nil {
					return fmt.Errorf("%w: job %s started at %s (use --force to run anyway)",
						archiver.ErrJobInProgress, running.ID, running.StartedAt.UTC().Format(time.RFC3339))
				}
			}

			trigger := ledger.TriggerScheduled
			if manual {
				trigger = ledger.TriggerManual
			}

			rep, err := app.Archiver.Run(ctx, trigger, archiver.RunOptions{
				Sources: sources,
				Reason:  reason,
			})
			if rep != nil {
				printReport(cmd, rep)
			}
			if err != nil {
				return err
			}

			if rep.Job.Failed > 0 {
				l.Warn("backup finished with failures",
					zap.String("job_id", rep.Job.ID),
					zap.Int("failed", rep.Job.Failed),
				)
				return fmt.Errorf("%w: %d of %d", ErrPartialFailure, rep.Job.Failed, rep.Job.TotalSources)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "patina.yml", "Path to config file")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "Back up only these sources (repeatable)")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the job log")
	cmd.Flags().BoolVar(&manual, "manual", false, "Record the job as manually triggered")
	cmd.Flags().BoolVar(&force, "force", false, "Run even if the ledger shows a job still running")

	return cmd
}

func printReport(cmd *cobra.Command, rep *archiver.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "job %s %s: %d/%d sources, %s in %s\n",
		rep.Job.ID,
		rep.Job.Status,
		rep.Job.Successful,
		rep.Job.TotalSources,
		codec.HumanizeBytes(rep.Job.TotalBytes),
		rep.Job.Duration,
	)
	for _, r := range rep.Results {
		if r.Status == ledger.ResultSuccess {
			fmt.Fprintf(out, "  %-20s ok      %s (%d tables, %d rows)\n",
				r.SourceName, r.ArtifactKey, r.TableCount, r.RowCount)
			continue
		}
		fmt.Fprintf(out, "  %-20s %-7s %s\n", r.SourceName, r.Status, r.Error)
	}
	if rep.Sweep != nil && rep.Sweep.TotalExpired > 0 {
		fmt.Fprintf(out, "expired %d, deleted %d, freed %s\n",
			rep.Sweep.TotalExpired, rep.Sweep.Deleted, codec.HumanizeBytes(rep.Sweep.FreedBytes))
	}
}
