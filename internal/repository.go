package internal

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrNotFound is returned by Repository.Get when no object exists at key.
var ErrNotFound = errors.New("object not found")

// Object describes one stored blob.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Repository stores artifacts as named byte blobs.
type Repository interface {
	Put(ctx context.Context, key string, body io.Reader, metadata map[string]string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Metadata returns the string pairs stored with key by Put.
	Metadata(ctx context.Context, key string) (map[string]string, error)
	List(ctx context.Context, prefix string, limit int) ([]Object, error)
	Delete(ctx context.Context, key string) error
}

// ErrInvalidKey is returned for keys that are absolute or escape the
// repository root.
var ErrInvalidKey = errors.New("invalid object key")

// ValidateKey rejects keys that could address objects outside the
// repository prefix.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}
