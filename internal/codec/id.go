package codec

import (
	"time"

	"github.com/google/uuid"
)

// DateLayout is the layout of artifact date buckets.
const DateLayout = "2006-01-02"

// NewJobID returns a UUIDv7 string. IDs generated by one process sort in
// creation order.
func NewJobID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// DateBucket returns the UTC calendar date of t, used to group artifacts.
func DateBucket(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ArtifactKey is the blob key of one source's dump within a date bucket.
func ArtifactKey(date, source string) string {
	return date + "/" + source + ".sql"
}

// ValidDate reports whether s is a date bucket in DateLayout.
func ValidDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}
