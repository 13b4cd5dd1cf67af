package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/turbolytics/patina/internal"
)

type blob struct {
	data     []byte
	metadata map[string]string
	modified time.Time
}

// Repository keeps objects in process memory. Contents are lost on exit.
type Repository struct {
	mu      sync.RWMutex
	objects map[string]blob
	now     func() time.Time
}

func New() *Repository {
	return &Repository{
		objects: make(map[string]blob),
		now:     time.Now,
	}
}

func (r *Repository) Put(ctx context.Context, key string, body io.Reader, metadata map[string]string) error {
	if err := internal.ValidateKey(key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[key] = blob{
		data:     data,
		metadata: md,
		modified: r.now(),
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := internal.ValidateKey(key); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.objects[key]
	if !ok {
		return nil, internal.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (r *Repository) Metadata(ctx context.Context, key string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.objects[key]
	if !ok {
		return nil, internal.ErrNotFound
	}
	md := make(map[string]string, len(b.metadata))
	for k, v := range b.metadata {
		md[k] = v
	}
	return md, nil
}

func (r *Repository) List(ctx context.Context, prefix string, limit int) ([]internal.Object, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var objects []internal.Object
	for k, b := range r.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		objects = append(objects, internal.Object{
			Key:          k,
			Size:         int64(len(b.data)),
			LastModified: b.modified,
		})
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})
	if limit > 0 && len(objects) > limit {
		objects = objects[:limit]
	}
	return objects, nil
}

func (r *Repository) Delete(ctx context.Context, key string) error {
	if err := internal.ValidateKey(key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, key)
	return nil
}

// Len returns the number of stored objects.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}
