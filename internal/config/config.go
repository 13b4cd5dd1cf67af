package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/turbolytics/patina/internal/exporter"
	"github.com/turbolytics/patina/internal/ledger"
	"github.com/turbolytics/patina/internal/registry"
	"github.com/turbolytics/patina/internal/schedule"
)

type Logger struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Source struct {
	Name          string `yaml:"name"`
	ID            string `yaml:"id"`
	Description   string `yaml:"description"`
	Priority      string `yaml:"priority"`
	EstimatedSize string `yaml:"estimated_size"`
	Path          string `yaml:"path"`
}

type Exporter struct {
	BatchSize        int           `yaml:"batch_size"`
	ReservedPrefixes []string      `yaml:"reserved_prefixes"`
	Timeout          time.Duration `yaml:"timeout"`
}

type Storage struct {
	Type string `yaml:"type"`

	// local
	Path string `yaml:"path"`

	// s3
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	Prefix string `yaml:"prefix"`
}

type Ledger struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Backup struct {
	Schedule       string `yaml:"schedule"`
	Timezone       string `yaml:"timezone"`
	RetentionWeeks int    `yaml:"retention_weeks"`
	Concurrency    int    `yaml:"concurrency"`
}

type Alerts struct {
	DiscordWebhookURL string        `yaml:"discord_webhook_url"`
	OnSuccess         bool          `yaml:"on_success"`
	OnFailure         bool          `yaml:"on_failure"`
	Timeout           time.Duration `yaml:"timeout"`
}

type API struct {
	Listen    string `yaml:"listen"`
	Key       string `yaml:"key"`
	PublicURL string `yaml:"public_url"`
}

type Patina struct {
	Logger   Logger   `yaml:"logger"`
	Sources  []Source `yaml:"sources"`
	Exporter Exporter `yaml:"exporter"`
	Storage  Storage  `yaml:"storage"`
	Ledger   Ledger   `yaml:"ledger"`
	Backup   Backup   `yaml:"backup"`
	Alerts   Alerts   `yaml:"alerts"`
	API      API      `yaml:"api"`
}

// Default returns the configuration used for every key a file leaves out.
func Default() *Patina {
	return &Patina{
		Logger: Logger{Level: "info"},
		Exporter: Exporter{
			BatchSize:        exporter.DefaultBatchSize,
			ReservedPrefixes: exporter.DefaultReservedPrefixes,
			Timeout:          5 * time.Minute,
		},
		Storage: Storage{
			Type: "local",
			Path: "./backups",
		},
		Ledger: Ledger{
			Driver: string(ledger.SQLite),
			DSN:    "./patina.db",
		},
		Backup: Backup{
			Schedule:       schedule.DefaultSpec,
			Timezone:       "UTC",
			RetentionWeeks: 12,
			Concurrency:    1,
		},
		Alerts: Alerts{
			OnFailure: true,
			Timeout:   10 * time.Second,
		},
		API: API{
			Listen:    ":8080",
			PublicURL: "http://localhost:8080",
		},
	}
}

func Parse(bs []byte) (*Patina, error) {
	c := Default()
	if err := yaml.Unmarshal(bs, c); err != nil {
		return nil, err
	}
	return c, nil
}

func NewFromFile(fpath string) (*Patina, error) {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}
	return Parse(bs)
}

// Load reads an optional .env file, the YAML file at fpath and the
// PATINA_* secret overrides, then validates the result.
func Load(fpath string) (*Patina, error) {
	_ = godotenv.Load()

	c, err := NewFromFile(fpath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", fpath, err)
	}
	c.ApplyEnv()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides secrets from the environment.
func (c *Patina) ApplyEnv() {
	v := viper.New()
	v.SetEnvPrefix("PATINA")
	v.BindEnv("api_key")
	v.BindEnv("discord_webhook_url")
	v.BindEnv("ledger_dsn")

	if v.IsSet("api_key") {
		c.API.Key = v.GetString("api_key")
	}
	if v.IsSet("discord_webhook_url") {
		c.Alerts.DiscordWebhookURL = v.GetString("discord_webhook_url")
	}
	if v.IsSet("ledger_dsn") {
		c.Ledger.DSN = v.GetString("ledger_dsn")
	}
}

func (c *Patina) Validate() error {
	var errs []error

	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("at least one source is required"))
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.RegistrySources() {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate source name %q", s.Name))
		}
		seen[s.Name] = true
	}

	switch c.Storage.Type {
	case "local":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for local storage"))
		}
	case "s3":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for s3 storage"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported storage type: %q", c.Storage.Type))
	}

	if _, err := ledger.ParseDialect(c.Ledger.Driver); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.DSN == "" {
		errs = append(errs, errors.New("ledger.dsn is required"))
	}

	if _, err := schedule.New(c.Backup.Schedule); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.LoadLocation(c.Backup.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("backup.timezone: %w", err))
	}
	if c.Backup.RetentionWeeks <= 0 {
		errs = append(errs, errors.New("backup.retention_weeks must be positive"))
	}
	if c.Backup.Concurrency <= 0 {
		errs = append(errs, errors.New("backup.concurrency must be positive"))
	}
	if c.Exporter.BatchSize <= 0 {
		errs = append(errs, errors.New("exporter.batch_size must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Patina) Retention() time.Duration {
	return time.Duration(c.Backup.RetentionWeeks) * 7 * 24 * time.Hour
}

const (
	staleJobMargin   = 30 * time.Minute
	staleJobFallback = 24 * time.Hour
)

// StaleAfter bounds how long a live job can stay running: every source
// exports within the exporter timeout and at most Concurrency run at once.
// A running job older than this was interrupted.
func (c *Patina) StaleAfter() time.Duration {
	if c.Exporter.Timeout <= 0 {
		return staleJobFallback
	}
	conc := max(c.Backup.Concurrency, 1)
	rounds := (len(c.Sources) + conc - 1) / conc
	return time.Duration(max(rounds, 1))*c.Exporter.Timeout + staleJobMargin
}

func (c *Patina) RegistrySources() []registry.Source {
	out := make([]registry.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		p := registry.Priority(s.Priority)
		if p == "" {
			p = registry.PriorityNormal
		}
		out = append(out, registry.Source{
			Name:          s.Name,
			ID:            s.ID,
			Description:   s.Description,
			Priority:      p,
			EstimatedSize: s.EstimatedSize,
			Path:          s.Path,
		})
	}
	return out
}
