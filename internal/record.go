package internal

import (
	"strings"

	"github.com/turbolytics/patina/internal/codec"
)

// Record is one row read from a source table.
// Field order matches the SELECT column order and is preserved in the
// INSERT statement so values line up with their columns on replay.
type Record struct {
	fields []string
	values []any
}

func NewRecord(fields []string, values []any) *Record {
	return &Record{
		fields: fields,
		values: values,
	}
}

// InsertStatement renders the record as a single INSERT into table.
func (r *Record) InsertStatement(table string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(codec.QuoteIdent(table))
	b.WriteString(" (")
	for i, f := range r.fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(codec.QuoteIdent(f))
	}
	b.WriteString(") VALUES (")
	for i, v := range r.values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(codec.Literal(v))
	}
	b.WriteString(");")
	return b.String()
}
