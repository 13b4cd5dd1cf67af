package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed migrations
var migrations embed.FS

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobNotRunning = errors.New("job is not running")
)

type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "pgx"
)

// ParseDialect accepts the driver aliases used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported ledger driver %q", s)
}

func (d Dialect) migrationsDir() string {
	if d == Postgres {
		return "migrations/postgres"
	}
	return "migrations/sqlite"
}

type Option func(*Ledger)

func WithLogger(l *zap.Logger) Option {
	return func(lg *Ledger) {
		lg.logger = l
	}
}

// Ledger records jobs, per-source results and the artifact inventory.
type Ledger struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

func New(db *sql.DB, dialect Dialect, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		dialect: dialect,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open connects to the ledger database. SQLite ledgers use a single
// connection with a busy timeout so writers queue instead of failing.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Ledger, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	if dialect == SQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}
	return New(db, dialect, opts...), nil
}

func sqliteDSN(dsn string) string {
	params := []string{}
	if !strings.Contains(dsn, "_busy_timeout") {
		params = append(params, "_busy_timeout=5000")
	}
	if !strings.Contains(dsn, "_journal_mode") {
		params = append(params, "_journal_mode=WAL")
	}
	if !strings.Contains(dsn, "_foreign_keys") {
		params = append(params, "_foreign_keys=on")
	}
	if len(params) == 0 {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func (l *Ledger) DB() *sql.DB {
	return l.db
}

func (l *Ledger) Dialect() Dialect {
	return l.dialect
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Migrate applies the embedded schema migrations for the ledger's dialect.
func (l *Ledger) Migrate() error {
	src, err := iofs.New(migrations, l.dialect.migrationsDir())
	if err != nil {
		return err
	}
	defer src.Close()

	var drv database.Driver
	switch l.dialect {
	case Postgres:
		drv, err = pgxmigrate.WithInstance(l.db, &pgxmigrate.Config{})
	default:
		drv, err = sqlite3.WithInstance(l.db, &sqlite3.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to prepare migrations: %w", err)
	}

	// m.Close would close the shared *sql.DB, so only the source is closed.
	m, err := migrate.NewWithInstance("iofs", src, string(l.dialect), drv)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	l.logger.Info("ledger migrated",
		zap.String("dialect", string(l.dialect)),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (l *Ledger) rebind(query string) string {
	if l.dialect != Postgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (l *Ledger) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return l.db.ExecContext(ctx, l.rebind(query), args...)
}

func (l *Ledger) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return l.db.QueryContext(ctx, l.rebind(query), args...)
}

func (l *Ledger) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return l.db.QueryRowContext(ctx, l.rebind(query), args...)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return fromMillis(ms.Int64)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
