package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/turbolytics/patina/internal"
	"github.com/turbolytics/patina/internal/api"
	"github.com/turbolytics/patina/internal/archiver"
	"github.com/turbolytics/patina/internal/exporter"
	"github.com/turbolytics/patina/internal/ledger"
	"github.com/turbolytics/patina/internal/local"
	"github.com/turbolytics/patina/internal/memory"
	"github.com/turbolytics/patina/internal/notify"
	"github.com/turbolytics/patina/internal/registry"
	"github.com/turbolytics/patina/internal/retention"
	"github.com/turbolytics/patina/internal/s3"
	"github.com/turbolytics/patina/internal/schedule"
)

// App is the wired component graph of one patina process.
type App struct {
	Config    *Patina
	Logger    *zap.Logger
	Registry  *registry.Registry
	Ledger    *ledger.Ledger
	Store     internal.Repository
	Sweeper   *retention.Sweeper
	Archiver  *archiver.Archiver
	Scheduler *schedule.Scheduler
	Server    *api.Server
}

func (a *App) Close() error {
	var errs []error
	if a.Registry != nil {
		errs = append(errs, a.Registry.Close())
	}
	if a.Ledger != nil {
		errs = append(errs, a.Ledger.Close())
	}
	return errors.Join(errs...)
}

func NewLogger(c Logger) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if c.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid logger level %q: %w", c.Level, err)
		}
		cfg.Level = level
	}
	return cfg.Build()
}

func InitializeRepository(c Storage, logger *zap.Logger) (internal.Repository, error) {
	switch c.Type {
	case "local":
		return local.New(c.Path,
			local.WithPrefix(c.Prefix),
			local.WithLogger(logger.Named("storage.local")),
		), nil
	case "s3":
		return s3.New(
			s3.WithBucket(c.Bucket),
			s3.WithRegion(c.Region),
			s3.WithPrefix(c.Prefix),
			s3.WithEndpoint(c.Endpoint),
			s3.WithForcePathStyle(c.ForcePathStyle),
			s3.WithLogger(logger.Named("storage.s3")),
		)
	case "memory":
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unsupported storage type: %q", c.Type)
}

// InitializeLedger opens the ledger and applies pending migrations.
func InitializeLedger(ctx context.Context, c Ledger, logger *zap.Logger) (*ledger.Ledger, error) {
	l, err := ledger.Open(ctx, c.Driver, c.DSN, ledger.WithLogger(logger.Named("ledger")))
	if err != nil {
		return nil, err
	}
	if err := l.Migrate(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func InitializeNotifier(c Alerts, logger *zap.Logger) notify.Sink {
	if c.DiscordWebhookURL == "" {
		return notify.Nop{}
	}
	return notify.NewDiscord(c.DiscordWebhookURL,
		notify.WithLogger(logger.Named("notify.discord")),
		notify.WithTimeout(c.Timeout),
	)
}

// Initialize prepares every source and opens the ledger, then wires the
// pipeline, the scheduler and the HTTP server.
func Initialize(ctx context.Context, c *Patina, logger *zap.Logger) (*App, error) {
	app := &App{
		Config: c,
		Logger: logger,
	}

	loc, err := time.LoadLocation(c.Backup.Timezone)
	if err != nil {
		return nil, err
	}

	app.Registry, err = registry.Open(ctx, c.RegistrySources(),
		registry.WithLogger(logger.Named("registry")),
	)
	if err != nil {
		return nil, err
	}

	app.Ledger, err = InitializeLedger(ctx, c.Ledger, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Store, err = InitializeRepository(c.Storage, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Sweeper = retention.New(app.Ledger, app.Store,
		retention.WithLogger(logger.Named("retention")),
	)

	exp := exporter.New(
		exporter.WithLogger(logger.Named("exporter")),
		exporter.WithBatchSize(c.Exporter.BatchSize),
		exporter.WithReservedPrefixes(c.Exporter.ReservedPrefixes),
	)

	app.Archiver, err = archiver.New(
		archiver.WithLogger(logger.Named("archiver")),
		archiver.WithRegistry(app.Registry),
		archiver.WithExporter(exp),
		archiver.WithRepository(app.Store),
		archiver.WithLedger(app.Ledger),
		archiver.WithSweeper(app.Sweeper),
		archiver.WithNotifier(InitializeNotifier(c.Alerts, logger)),
		archiver.WithRetention(c.Retention()),
		archiver.WithConcurrency(c.Backup.Concurrency),
		archiver.WithExportTimeout(c.Exporter.Timeout),
		archiver.WithAlerts(c.Alerts.OnSuccess, c.Alerts.OnFailure),
	)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Scheduler, err = schedule.New(c.Backup.Schedule,
		schedule.WithLocation(loc),
		schedule.WithLogger(logger.Named("schedule")),
	)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Server = api.NewServer(
		api.WithLogger(logger.Named("api")),
		api.WithLedger(app.Ledger),
		api.WithRepository(app.Store),
		api.WithTrigger(app.Archiver),
		api.WithSources(app.Registry.Sources()),
		api.WithSchedule(app.Scheduler),
		api.WithAPIKey(c.API.Key),
		api.WithPublicURL(c.API.PublicURL),
		api.WithRetention(c.Retention()),
	)

	return app, nil
}
