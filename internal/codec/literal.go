package codec

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimestampFormat is the text layout used for time values. It is the first
// layout the sqlite3 driver tries when reading DATETIME columns back.
const TimestampFormat = "2006-01-02 15:04:05.999999999-07:00"

// Literal encodes a scalar value as a SQLite literal suitable for embedding
// in a reconstruction script.
//
// The rules are applied in order: nil is NULL, numbers are bare decimal
// text, booleans are 1 or 0, byte slices are X'..' blob literals and
// everything else is single-quoted text with embedded quotes doubled.
func Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return formatFloat(float64(x), 32)
	case float64:
		return formatFloat(x, 64)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case []byte:
		return "X'" + hex.EncodeToString(x) + "'"
	case time.Time:
		return quote(x.Format(TimestampFormat))
	case string:
		return quote(x)
	case fmt.Stringer:
		return quote(x.String())
	default:
		return quote(fmt.Sprint(x))
	}
}

// SQLite has no NaN; it stores NULL instead. 9e999 overflows to Inf when
// parsed, which is how the sqlite3 shell dumps infinities.
func formatFloat(f float64, bitSize int) string {
	switch {
	case math.IsNaN(f):
		return "NULL"
	case math.IsInf(f, 1):
		return "9e999"
	case math.IsInf(f, -1):
		return "-9e999"
	}

	s := strconv.FormatFloat(f, 'g', -1, bitSize)
	// keep REAL affinity on replay: 2.0 must not come back as INTEGER 2
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteIdent quotes a table, column or index name.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
