package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/turbolytics/patina/internal"
)

// metadataSuffix marks the sidecar file holding an object's metadata.
const metadataSuffix = ".meta.json"

type Option func(*Repository)

// Repository stores objects as files under basePath/prefix.
type Repository struct {
	basePath string
	prefix   string
	logger   *zap.Logger
}

func WithPrefix(prefix string) Option {
	return func(r *Repository) {
		r.prefix = prefix
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

func New(basePath string, opts ...Option) *Repository {
	r := &Repository{
		basePath: basePath,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) root() string {
	return filepath.Join(r.basePath, r.prefix)
}

func (r *Repository) path(key string) (string, error) {
	if err := internal.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(r.root(), filepath.FromSlash(key)), nil
}

// Put writes to a temp file in the destination directory and renames it
// into place so readers never observe a partial object.
func (r *Repository) Put(ctx context.Context, key string, body io.Reader, metadata map[string]string) error {
	fullPath, err := r.path(key)
	if err != nil {
		return err
	}
	r.logger.Debug("writing file", zap.String("path", fullPath))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}

	if err := writeAtomic(fullPath, body); err != nil {
		return err
	}

	if len(metadata) == 0 {
		os.Remove(fullPath + metadataSuffix)
		return nil
	}

	b, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	return writeAtomic(fullPath+metadataSuffix, bytes.NewReader(b))
}

func writeAtomic(path string, body io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (r *Repository) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := r.path(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, internal.ErrNotFound
	}
	return f, err
}

// Metadata returns the metadata stored alongside key, if any.
func (r *Repository) Metadata(ctx context.Context, key string) (map[string]string, error) {
	fullPath, err := r.path(key)
	if err != nil {
		return nil, err
	}

	b, err := os.ReadFile(fullPath + metadataSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		if _, statErr := os.Stat(fullPath); errors.Is(statErr, fs.ErrNotExist) {
			return nil, internal.ErrNotFound
		}
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	m := map[string]string{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// List returns objects whose key starts with prefix in key order.
func (r *Repository) List(ctx context.Context, prefix string, limit int) ([]internal.Object, error) {
	root := r.root()
	var objects []internal.Object

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		if strings.HasSuffix(name, metadataSuffix) || strings.HasPrefix(name, ".") {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, internal.Object{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})
	if limit > 0 && len(objects) > limit {
		objects = objects[:limit]
	}
	return objects, nil
}

// Delete removes key. Deleting a missing object is not an error.
func (r *Repository) Delete(ctx context.Context, key string) error {
	fullPath, err := r.path(key)
	if err != nil {
		return err
	}
	r.logger.Debug("deleting file", zap.String("path", fullPath))

	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(fullPath + metadataSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
