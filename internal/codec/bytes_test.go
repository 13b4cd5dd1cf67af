package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHumanizeBytes(t *testing.T) {
	testCases := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1, "1.0 B"},
		{1023, "1023.0 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1024*1024 - 1, "1024.0 KB"},
		{1024 * 1024, "1.0 MB"},
		{5 * 1024 * 1024 * 1024, "5.0 GB"},
		{1024 * 1024 * 1024 * 1024, "1.0 TB"},
		{2048 * 1024 * 1024 * 1024 * 1024, "2048.0 TB"},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, HumanizeBytes(tc.in), "bytes=%d", tc.in)
	}
}

func TestHumanizeBytesMonotonicUnits(t *testing.T) {
	unitIndex := func(s string) int {
		for i := len(byteUnits) - 1; i >= 0; i-- {
			suffix := " " + byteUnits[i]
			if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
				return i
			}
		}
		return -1
	}

	prev := 0
	for n := int64(1); n < 1<<42; n = n*3 + 1 {
		idx := unitIndex(HumanizeBytes(n))
		assert.GreaterOrEqual(t, idx, prev, "bytes=%d", n)
		prev = idx
	}
}
