package ledger

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/turbolytics/patina/internal/codec"
	"github.com/turbolytics/patina/internal/ledger"
)

func newJobsCommand() *cobra.Command {
	var configPath string
	var limit int
	var jobID string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Lists the most recent backup jobs, or the per-source results of one",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, logger, err := open(ctx, configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer l.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

			if jobID != "" {
				job, err := l.Job(ctx, jobID)
				if err != nil {
					return fmt.Errorf("job %s: %w", jobID, err)
				}
				results, err := l.ResultsForJob(ctx, jobID)
				if err != nil {
					return err
				}
				writeJob(w, job, results)
				return w.Flush()
			}

			jobs, err := l.RecentJobs(ctx, limit)
			if err != nil {
				return err
			}

			fmt.Fprintln(w, "JOB ID\tSTARTED\tTRIGGER\tSTATUS\tSOURCES\tSIZE\tDURATION")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					j.ID,
					j.StartedAt.UTC().Format(time.RFC3339),
					j.Trigger,
					j.Status,
					j.Successful,
					j.TotalSources,
					codec.HumanizeBytes(j.TotalBytes),
					j.Duration,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "patina.yml", "Path to config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of jobs to show")
	cmd.Flags().StringVar(&jobID, "job", "", "Show the per-source results of this job")
	return cmd
}

func writeJob(w io.Writer, j *ledger.Job, results []ledger.SourceResult) {
	fmt.Fprintf(w, "job %s (%s, %s) started %s\n",
		j.ID, j.Trigger, j.Status, j.StartedAt.UTC().Format(time.RFC3339))
	if j.Error != "" {
		fmt.Fprintf(w, "error: %s\n", j.Error)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "SOURCE\tSTATUS\tARTIFACT\tTABLES\tROWS\tSIZE\tDURATION\tERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			r.SourceName,
			r.Status,
			r.ArtifactKey,
			r.TableCount,
			r.RowCount,
			codec.HumanizeBytes(r.SizeBytes),
			r.Duration,
			r.Error,
		)
	}
}
