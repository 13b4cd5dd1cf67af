package ledger

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turbolytics/patina/internal/config"
	"github.com/turbolytics/patina/internal/ledger"
)

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "ledger",
		Short: "Manages the job and inventory ledger",
	}
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newJobsCommand())
	return cmd
}

// open loads the config and opens the ledger without touching any source.
func open(ctx context.Context, configPath string) (*ledger.Ledger, *zap.Logger, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(c.Logger)
	if err != nil {
		return nil, nil, err
	}
	l, err := ledger.Open(ctx, c.Ledger.Driver, c.Ledger.DSN,
		ledger.WithLogger(logger.Named("patina.ledger")),
	)
	if err != nil {
		return nil, nil, err
	}
	return l, logger, nil
}
