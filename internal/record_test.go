package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordInsertStatement(t *testing.T) {
	r := NewRecord(
		[]string{"id", "name", "avatar", "deleted_at"},
		[]any{int64(1), "O'Neil", []byte{0x01}, nil},
	)

	assert.Equal(t,
		`INSERT INTO "users" ("id", "name", "avatar", "deleted_at") VALUES (1, 'O''Neil', X'01', NULL);`,
		r.InsertStatement("users"),
	)
}
