package config

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/turbolytics/patina/internal/archiver"
	"github.com/turbolytics/patina/internal/ledger"
	"github.com/turbolytics/patina/internal/local"
	"github.com/turbolytics/patina/internal/memory"
	"github.com/turbolytics/patina/internal/notify"
	"github.com/turbolytics/patina/internal/registry"
)

func TestNewFromFile(t *testing.T) {
	t.Run("full config", func(t *testing.T) {
		c, err := NewFromFile("testdata/patina.yml")
		require.NoError(t, err)

		assert.Equal(t, "debug", c.Logger.Level)
		require.Len(t, c.Sources, 3)
		assert.Equal(t, "app", c.Sources[0].Name)
		assert.Equal(t, "critical", c.Sources[0].Priority)
		assert.Equal(t, "50MB", c.Sources[0].EstimatedSize)

		assert.Equal(t, 500, c.Exporter.BatchSize)
		assert.Equal(t, 2*time.Minute, c.Exporter.Timeout)
		assert.Equal(t, []string{"_cf_", "sqlite_"}, c.Exporter.ReservedPrefixes)

		assert.Equal(t, "s3", c.Storage.Type)
		assert.Equal(t, "patina-backups", c.Storage.Bucket)
		assert.True(t, c.Storage.ForcePathStyle)
		assert.Equal(t, "postgres", c.Ledger.Driver)

		assert.Equal(t, "Europe/Berlin", c.Backup.Timezone)
		assert.Equal(t, 8*7*24*time.Hour, c.Retention())
		assert.Equal(t, 2, c.Backup.Concurrency)

		assert.True(t, c.Alerts.OnSuccess)
		assert.True(t, c.Alerts.OnFailure)
		assert.Equal(t, ":9090", c.API.Listen)

		assert.NoError(t, c.Validate())
	})

	t.Run("defaults", func(t *testing.T) {
		c, err := NewFromFile("testdata/minimal.yml")
		require.NoError(t, err)

		assert.Equal(t, "info", c.Logger.Level)
		assert.Equal(t, "local", c.Storage.Type)
		assert.Equal(t, "sqlite3", c.Ledger.Driver)
		assert.Equal(t, "0 3 * * 0", c.Backup.Schedule)
		assert.Equal(t, 12*7*24*time.Hour, c.Retention())
		assert.Equal(t, 1, c.Backup.Concurrency)
		assert.False(t, c.Alerts.OnSuccess)
		assert.True(t, c.Alerts.OnFailure)
		assert.NoError(t, c.Validate())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewFromFile("testdata/nope.yml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Parse([]byte("sources: [name"))
		assert.Error(t, err)
	})
}

func TestRegistrySources(t *testing.T) {
	c, err := NewFromFile("testdata/patina.yml")
	require.NoError(t, err)

	sources := c.RegistrySources()
	require.Len(t, sources, 3)
	assert.Equal(t, registry.PriorityCritical, sources[0].Priority)
	assert.Equal(t, registry.PriorityHigh, sources[1].Priority)
	assert.Equal(t, registry.PriorityNormal, sources[2].Priority)
}

func TestValidate(t *testing.T) {
	valid := func() *Patina {
		c := Default()
		c.Sources = []Source{{Name: "app", Path: "./app.db"}}
		return c
	}

	testCases := []struct {
		name   string
		mutate func(c *Patina)
		errMsg string
	}{
		{"no sources", func(c *Patina) { c.Sources = nil }, "at least one source"},
		{"duplicate source", func(c *Patina) { c.Sources = append(c.Sources, c.Sources[0]) }, "duplicate source name"},
		{"bad name", func(c *Patina) { c.Sources[0].Name = "my app" }, "invalid name"},
		{"missing path", func(c *Patina) { c.Sources[0].Path = "" }, "path is required"},
		{"bad priority", func(c *Patina) { c.Sources[0].Priority = "urgent" }, "invalid priority"},
		{"bad storage", func(c *Patina) { c.Storage.Type = "ftp" }, "unsupported storage type"},
		{"s3 without bucket", func(c *Patina) { c.Storage.Type = "s3" }, "storage.bucket"},
		{"bad driver", func(c *Patina) { c.Ledger.Driver = "mysql" }, "unsupported ledger driver"},
		{"bad schedule", func(c *Patina) { c.Backup.Schedule = "every sunday" }, "invalid schedule"},
		{"bad timezone", func(c *Patina) { c.Backup.Timezone = "Mars/Olympus" }, "backup.timezone"},
		{"zero retention", func(c *Patina) { c.Backup.RetentionWeeks = 0 }, "retention_weeks"},
		{"zero concurrency", func(c *Patina) { c.Backup.Concurrency = 0 }, "concurrency"},
		{"zero batch size", func(c *Patina) { c.Exporter.BatchSize = 0 }, "batch_size"},
	}

	require.NoError(t, valid().Validate())

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestStaleAfter(t *testing.T) {
	c := Default()
	c.Sources = make([]Source, 5)
	c.Exporter.Timeout = 10 * time.Minute
	c.Backup.Concurrency = 2
	assert.Equal(t, 3*10*time.Minute+30*time.Minute, c.StaleAfter())

	c.Backup.Concurrency = 1
	assert.Equal(t, 5*10*time.Minute+30*time.Minute, c.StaleAfter())

	c.Exporter.Timeout = 0
	assert.Equal(t, 24*time.Hour, c.StaleAfter())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PATINA_API_KEY", "from-env")
	t.Setenv("PATINA_DISCORD_WEBHOOK_URL", "https://discord.test/hook")
	t.Setenv("PATINA_LEDGER_DSN", "/tmp/ledger.db")

	c, err := NewFromFile("testdata/patina.yml")
	require.NoError(t, err)
	c.ApplyEnv()

	assert.Equal(t, "from-env", c.API.Key)
	assert.Equal(t, "https://discord.test/hook", c.Alerts.DiscordWebhookURL)
	assert.Equal(t, "/tmp/ledger.db", c.Ledger.DSN)
}

func TestApplyEnv_Unset(t *testing.T) {
	c, err := NewFromFile("testdata/patina.yml")
	require.NoError(t, err)
	c.ApplyEnv()

	assert.Equal(t, "", c.API.Key)
	assert.Equal(t, "https://discord.com/api/webhooks/123/abc", c.Alerts.DiscordWebhookURL)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(Logger{Level: "warn"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(Logger{Level: "loud"})
	assert.Error(t, err)
}

func TestInitializeRepository(t *testing.T) {
	r, err := InitializeRepository(Storage{Type: "local", Path: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &local.Repository{}, r)

	r, err = InitializeRepository(Storage{Type: "memory"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &memory.Repository{}, r)

	_, err = InitializeRepository(Storage{Type: "s3"}, zap.NewNop())
	assert.Error(t, err)
}

func TestInitializeNotifier(t *testing.T) {
	assert.Equal(t, notify.Nop{}, InitializeNotifier(Alerts{}, zap.NewNop()))
	assert.IsType(t, &notify.Discord{}, InitializeNotifier(Alerts{DiscordWebhookURL: "https://discord.test/hook"}, zap.NewNop()))
}

func TestInitialize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	c := Default()
	c.Sources = []Source{{Name: "app", Path: path, Priority: "critical"}}
	c.Storage = Storage{Type: "local", Path: filepath.Join(dir, "backups")}
	c.Ledger.DSN = filepath.Join(dir, "ledger.db")
	require.NoError(t, c.Validate())

	app, err := Initialize(context.Background(), c, zap.NewNop())
	require.NoError(t, err)
	defer app.Close()

	assert.Equal(t, 1, app.Registry.Len())
	assert.Equal(t, ledger.SQLite, app.Ledger.Dialect())
	assert.Equal(t, "0 3 * * 0", app.Scheduler.Spec())
	assert.NotNil(t, app.Server)

	rep, err := app.Archiver.Run(context.Background(), ledger.TriggerManual, archiver.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Job.Successful)
}

func TestInitialize_MissingSource(t *testing.T) {
	c := Default()
	c.Sources = []Source{{Name: "app", Path: filepath.Join(t.TempDir(), "missing", "app.db")}}
	c.Ledger.DSN = filepath.Join(t.TempDir(), "ledger.db")

	app, err := Initialize(context.Background(), c, zap.NewNop())
	require.NoError(t, err)
	defer app.Close()

	rep, err := app.Archiver.Run(context.Background(), ledger.TriggerManual, archiver.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Job.Successful)
	assert.Equal(t, 1, rep.Job.Failed)
	assert.Contains(t, rep.Results[0].Error, `source "app"`)
}
