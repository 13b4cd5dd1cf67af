package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/turbolytics/patina/internal"
	"github.com/turbolytics/patina/internal/archiver"
	"github.com/turbolytics/patina/internal/ledger"
	"github.com/turbolytics/patina/internal/registry"
)

const Version = "1.0.0"

// Ledger is the read side of the job ledger served over HTTP.
type Ledger interface {
	Ping(ctx context.Context) error
	RunningJob(ctx context.Context) (*ledger.Job, error)
	LastCompletedJob(ctx context.Context) (*ledger.Job, error)
	RecentJobs(ctx context.Context, n int) ([]ledger.Job, error)
	ListInventory(ctx context.Context, f ledger.Filter) ([]ledger.InventoryEntry, error)
	CountInventory(ctx context.Context, f ledger.Filter) (int, error)
	StorageStats(ctx context.Context) (ledger.StorageStats, error)
}

// Trigger starts background runs.
type Trigger interface {
	Start(ctx context.Context, trigger ledger.Trigger, opts archiver.RunOptions) (string, error)
	Running() bool
}

type Schedule interface {
	Spec() string
	Next(t time.Time) time.Time
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func WithLedger(l Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

func WithRepository(r internal.Repository) Option {
	return func(s *Server) {
		s.store = r
	}
}

func WithTrigger(t Trigger) Option {
	return func(s *Server) {
		s.trigger = t
	}
}

func WithSources(sources []registry.Source) Option {
	return func(s *Server) {
		s.sources = sources
	}
}

func WithSchedule(sched Schedule) Option {
	return func(s *Server) {
		s.schedule = sched
	}
}

func WithAPIKey(key string) Option {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithPublicURL sets the base URL used to build download links.
func WithPublicURL(u string) Option {
	return func(s *Server) {
		s.publicURL = u
	}
}

func WithRetention(d time.Duration) Option {
	return func(s *Server) {
		s.retention = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

type Server struct {
	logger    *zap.Logger
	ledger    Ledger
	store     internal.Repository
	trigger   Trigger
	sources   []registry.Source
	schedule  Schedule
	apiKey    string
	publicURL string
	retention time.Duration
	now       func() time.Time
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:    zap.NewNop(),
		retention: archiver.DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) lookupSource(name string) (registry.Source, bool) {
	for _, src := range s.sources {
		if src.Name == name {
			return src, true
		}
	}
	return registry.Source{}, false
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logMiddleware(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/", s.index)
	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(requireAPIKey(s.apiKey))

		r.Get("/status", s.status)
		r.Get("/list", s.list)
		r.Post("/trigger", s.triggerBackup)
		r.Get("/download/{date}/{source}", s.download)
		r.Get("/restore-guide/{source}", s.restoreGuide)
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting server", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
