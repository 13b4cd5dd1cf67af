package exporter

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/turbolytics/patina/internal/codec"
)

const DefaultBatchSize = 1000

// DefaultReservedPrefixes hides the hosting platform's bookkeeping tables
// and SQLite's own catalog tables from the dump.
var DefaultReservedPrefixes = []string{"_cf_", "sqlite_"}

// Result is a finished export of one source.
type Result struct {
	Script     []byte
	TableCount int
	RowCount   int
	ByteSize   int64
	Duration   time.Duration
}

type object struct {
	Type      string
	Name      string
	TableName string
	SQL       string
}

type Option func(*Exporter)

func WithLogger(l *zap.Logger) Option {
	return func(e *Exporter) {
		e.logger = l
	}
}

func WithBatchSize(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func WithReservedPrefixes(prefixes []string) Option {
	return func(e *Exporter) {
		if len(prefixes) > 0 {
			e.reservedPrefixes = prefixes
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		e.now = now
	}
}

// Exporter dumps a SQLite database into a single replayable SQL script.
type Exporter struct {
	logger           *zap.Logger
	batchSize        int
	reservedPrefixes []string
	now              func() time.Time
}

func New(opts ...Option) *Exporter {
	e := &Exporter{
		logger:           zap.NewNop(),
		batchSize:        DefaultBatchSize,
		reservedPrefixes: DefaultReservedPrefixes,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export reads schema and data from db inside a single read transaction.
// Errors are returned as-is; the caller decides how to record them.
func (e *Exporter) Export(ctx context.Context, db *sql.DB, sourceName, jobID string) (*Result, error) {
	start := e.now()
	l := e.logger.With(
		zap.String("job_id", jobID),
		zap.String("source", sourceName),
	)

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer conn.ExecContext(context.Background(), "ROLLBACK")

	objects, err := e.discover(ctx, conn)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "-- patina SQL dump\n")
	fmt.Fprintf(&buf, "-- Source: %s\n", sourceName)
	fmt.Fprintf(&buf, "-- Job: %s\n", jobID)
	fmt.Fprintf(&buf, "-- Generated: %s\n\n", start.UTC().Format(time.RFC3339))
	buf.WriteString("PRAGMA foreign_keys=OFF;\n")
	buf.WriteString("BEGIN TRANSACTION;\n\n")

	var tables, rowCount int
	for _, obj := range objects {
		if obj.Type != "table" {
			continue
		}

		fmt.Fprintf(&buf, "-- Table: %s\n", obj.Name)
		writeObject(&buf, obj)

		n, err := e.exportRows(ctx, conn, &buf, obj)
		if err != nil {
			return nil, fmt.Errorf("failed to export rows of %q: %w", obj.Name, err)
		}

		l.Debug("table exported",
			zap.String("table", obj.Name),
			zap.Int("rows", n),
		)

		buf.WriteString("\n")
		tables++
		rowCount += n
	}

	for _, obj := range objects {
		if obj.Type == "table" {
			continue
		}
		writeObject(&buf, obj)
	}

	buf.WriteString("\nCOMMIT;\n")
	buf.WriteString("PRAGMA foreign_keys=ON;\n\n")
	fmt.Fprintf(&buf, "-- Tables: %d\n", tables)
	fmt.Fprintf(&buf, "-- Rows: %d\n", rowCount)

	res := &Result{
		Script:     buf.Bytes(),
		TableCount: tables,
		RowCount:   rowCount,
		ByteSize:   int64(buf.Len()),
		Duration:   e.now().Sub(start),
	}

	l.Info("source exported",
		zap.Int("tables", res.TableCount),
		zap.Int("rows", res.RowCount),
		zap.Int64("bytes", res.ByteSize),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// discover lists schema objects in creation order, tables first and
// triggers last so that replaying data does not fire them.
func (e *Exporter) discover(ctx context.Context, q queryer) ([]object, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT type, name, tbl_name, sql
		FROM sqlite_master
		WHERE sql IS NOT NULL
		  AND type IN ('table', 'view', 'index', 'trigger')
		ORDER BY CASE type
			WHEN 'table' THEN 0
			WHEN 'view' THEN 1
			WHEN 'index' THEN 2
			ELSE 3
		END, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schema objects: %w", err)
	}
	defer rows.Close()

	var objects []object
	for rows.Next() {
		var o object
		if err := rows.Scan(&o.Type, &o.Name, &o.TableName, &o.SQL); err != nil {
			return nil, err
		}
		if e.reserved(o.Name) || e.reserved(o.TableName) {
			continue
		}
		objects = append(objects, o)
	}
	return objects, rows.Err()
}

func (e *Exporter) reserved(name string) bool {
	for _, p := range e.reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// columns lists the stored columns of table in declaration order. Generated
// columns are skipped since they cannot be inserted and are recomputed on
// replay.
func columns(ctx context.Context, q queryer, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name, hidden FROM pragma_table_xinfo(?) ORDER BY cid", table)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		var hidden int
		if err := rows.Scan(&name, &hidden); err != nil {
			return nil, err
		}
		if hidden != 0 {
			continue
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// withoutRowid reports whether table was declared WITHOUT ROWID.
func withoutRowid(ctx context.Context, q queryer, table string) (bool, error) {
	var wr bool
	err := q.QueryRowContext(ctx,
		"SELECT wr FROM pragma_table_list WHERE schema = 'main' AND name = ?", table,
	).Scan(&wr)
	if err != nil {
		return false, fmt.Errorf("failed to inspect table: %w", err)
	}
	return wr, nil
}

// selectQuery reads every stored column through a unary plus. The plus
// leaves the value untouched but drops the declared type, so the driver
// hands back the stored int64, float64, string or []byte instead of
// converting DATETIME or BOOLEAN columns.
func selectQuery(table string, cols []string, rowid bool) string {
	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = "+" + codec.QuoteIdent(c)
	}

	// WITHOUT ROWID tables already iterate in primary key order
	orderBy := ""
	if rowid {
		orderBy = " ORDER BY rowid"
	}
	return fmt.Sprintf("SELECT %s FROM %s%s LIMIT ? OFFSET ?",
		strings.Join(exprs, ", "), codec.QuoteIdent(table), orderBy)
}

func (e *Exporter) exportRows(ctx context.Context, q queryer, w io.StringWriter, t object) (int, error) {
	var count int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+codec.QuoteIdent(t.Name)).Scan(&count); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	cols, err := columns(ctx, q, t.Name)
	if err != nil {
		return 0, err
	}
	wr, err := withoutRowid(ctx, q, t.Name)
	if err != nil {
		return 0, err
	}
	query := selectQuery(t.Name, cols, !wr)

	written := 0
	for offset := 0; ; offset += e.batchSize {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		snap, err := newSnapshot(ctx, q, query, cols, e.batchSize, offset)
		if err != nil {
			return written, err
		}

		n, err := writeBatch(snap, w, t.Name)
		snap.Close()
		written += n
		if err != nil {
			return written, err
		}
		if n < e.batchSize {
			return written, nil
		}
	}
}

func writeBatch(snap *snapshot, w io.StringWriter, table string) (int, error) {
	n := 0
	for {
		record, err := snap.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if _, err := w.WriteString(record.InsertStatement(table) + "\n"); err != nil {
			return n, err
		}
		n++
	}
}

func writeObject(buf *bytes.Buffer, o object) {
	fmt.Fprintf(buf, "DROP %s IF EXISTS %s;\n", strings.ToUpper(o.Type), codec.QuoteIdent(o.Name))
	buf.WriteString(o.SQL)
	buf.WriteString(";\n")
}
