package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateKey(t *testing.T) {
	valid := []string{"2024-12-15/groveauth.sql", "a", "daily/2024-12-15/scout-db.sql"}
	for _, k := range valid {
		assert.NoError(t, ValidateKey(k), k)
	}

	invalid := []string{"", "/etc/passwd", "../secrets", "a/../../b", "a//b", `a\b`, "a/./b", "trailing/"}
	for _, k := range invalid {
		assert.ErrorIs(t, ValidateKey(k), ErrInvalidKey, k)
	}
}
