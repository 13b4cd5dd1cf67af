package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var ErrUnknownSource = errors.New("unknown source")

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal:
		return true
	}
	return false
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidName reports whether name is usable as a source name. Names end up
// in artifact keys and URLs, so they are restricted to a path-safe set.
func ValidName(name string) bool {
	return namePattern.MatchString(name) && !strings.Contains(name, "..")
}

// Source is the static description of one database that gets backed up.
type Source struct {
	Name          string
	ID            string
	Description   string
	Priority      Priority
	EstimatedSize string
	Path          string
}

func (s Source) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if !ValidName(s.Name) {
		return fmt.Errorf("source %q: invalid name, use letters, digits, '.', '_' or '-'", s.Name)
	}
	if s.Path == "" {
		return fmt.Errorf("source %q: path is required", s.Name)
	}
	if !s.Priority.Valid() {
		return fmt.Errorf("source %q: invalid priority %q", s.Name, s.Priority)
	}
	return nil
}

// Handle pairs a source with its database. DB is a lazy pool; nothing
// touches the file until Check or a query runs.
type Handle struct {
	Source Source
	DB     *sql.DB
}

// Check verifies the source file can be opened and read.
func (h Handle) Check(ctx context.Context) error {
	if h.DB == nil {
		return fmt.Errorf("source %q is not open", h.Source.Name)
	}
	if err := h.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to open source %q: %w", h.Source.Name, err)
	}
	return nil
}

// Registry is the fixed table of sources resolved at start-up. Handles are
// addressed by position; names are validated once when the table is built.
type Registry struct {
	handles []Handle
	index   map[string]int
	logger  *zap.Logger
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New builds a registry from already opened handles.
func New(handles []Handle, opts ...Option) (*Registry, error) {
	r := &Registry{
		handles: make([]Handle, 0, len(handles)),
		index:   make(map[string]int, len(handles)),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, h := range handles {
		if err := h.Source.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.index[h.Source.Name]; ok {
			return nil, fmt.Errorf("duplicate source name %q", h.Source.Name)
		}
		r.index[h.Source.Name] = len(r.handles)
		r.handles = append(r.handles, h)
	}
	return r, nil
}

// Open prepares a read-only handle for every source. Files are not
// touched here, so a missing or corrupt source fails its own backup
// attempt instead of the whole process.
func Open(ctx context.Context, sources []Source, opts ...Option) (*Registry, error) {
	handles := make([]Handle, 0, len(sources))
	closeAll := func() {
		for _, h := range handles {
			h.DB.Close()
		}
	}

	for _, s := range sources {
		if err := s.Validate(); err != nil {
			closeAll()
			return nil, err
		}

		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", s.Path))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to open source %q: %w", s.Name, err)
		}
		handles = append(handles, Handle{Source: s, DB: db})
	}

	r, err := New(handles, opts...)
	if err != nil {
		closeAll()
		return nil, err
	}

	r.logger.Info("sources registered", zap.Int("count", len(handles)))
	return r, nil
}

func (r *Registry) Len() int {
	return len(r.handles)
}

// Handles returns the registered handles in configuration order.
func (r *Registry) Handles() []Handle {
	out := make([]Handle, len(r.handles))
	copy(out, r.handles)
	return out
}

func (r *Registry) Sources() []Source {
	out := make([]Source, len(r.handles))
	for i, h := range r.handles {
		out[i] = h.Source
	}
	return out
}

// Select returns the handles named in names, in configuration order.
// An empty names selects every source.
func (r *Registry) Select(names []string) ([]Handle, error) {
	if len(names) == 0 {
		return r.Handles(), nil
	}

	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := r.index[n]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, n)
		}
		want[n] = struct{}{}
	}

	out := make([]Handle, 0, len(want))
	for _, h := range r.handles {
		if _, ok := want[h.Source.Name]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *Registry) Close() error {
	var errs []error
	for _, h := range r.handles {
		if h.DB == nil {
			continue
		}
		if err := h.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
