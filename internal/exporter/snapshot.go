package exporter

import (
	"context"
	"database/sql"
	"io"

	"github.com/turbolytics/patina/internal"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// snapshot iterates over one batch of rows.
type snapshot struct {
	rows    *sql.Rows
	columns []string
}

// newSnapshot runs query; cols names the table column behind each selected
// expression, in order.
func newSnapshot(ctx context.Context, q queryer, query string, cols []string, args ...any) (*snapshot, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return &snapshot{
		rows:    rows,
		columns: cols,
	}, nil
}

func (s *snapshot) Close() error {
	return s.rows.Close()
}

// Next returns the next record or io.EOF once the batch is drained.
func (s *snapshot) Next() (*internal.Record, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	values := make([]any, len(s.columns))
	valuePtrs := make([]any, len(s.columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	if err := s.rows.Scan(valuePtrs...); err != nil {
		return nil, err
	}

	return internal.NewRecord(s.columns, values), nil
}
