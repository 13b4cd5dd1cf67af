package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/turbolytics/patina/internal"
	"github.com/turbolytics/patina/internal/ledger"
)

// Ledger is the part of the inventory the sweeper reads and updates.
type Ledger interface {
	ExpiredEntries(ctx context.Context, now time.Time) ([]ledger.InventoryEntry, error)
	MarkDeleted(ctx context.Context, key string, at time.Time) error
}

type EntryResult struct {
	Key     string
	Success bool
	Bytes   int64
	Error   string
}

type Result struct {
	TotalExpired int
	Deleted      int
	Failed       int
	FreedBytes   int64
	Entries      []EntryResult
}

type Option func(*Sweeper)

func WithLogger(l *zap.Logger) Option {
	return func(s *Sweeper) {
		s.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// Sweeper reclaims artifacts whose inventory entry has expired. Expiry is
// fixed when the entry is written, so changing the retention window only
// affects new artifacts.
type Sweeper struct {
	ledger Ledger
	store  internal.Repository
	logger *zap.Logger
	now    func() time.Time
}

func New(l Ledger, store internal.Repository, opts ...Option) *Sweeper {
	s := &Sweeper{
		ledger: l,
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep deletes every expired artifact. Only the expiry query can fail the
// sweep; failures on individual entries are reported in the result.
func (s *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	now := s.now()

	expired, err := s.ledger.ExpiredEntries(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired entries: %w", err)
	}

	res := &Result{
		TotalExpired: len(expired),
		Entries:      make([]EntryResult, 0, len(expired)),
	}

	for _, e := range expired {
		er := EntryResult{Key: e.ArtifactKey}
		if err := s.reclaim(ctx, e, now); err != nil {
			er.Error = err.Error()
			res.Failed++
			s.logger.Warn("failed to reclaim artifact",
				zap.String("key", e.ArtifactKey),
				zap.Error(err),
			)
		} else {
			er.Success = true
			er.Bytes = e.SizeBytes
			res.Deleted++
			res.FreedBytes += e.SizeBytes
		}
		res.Entries = append(res.Entries, er)
	}

	if res.TotalExpired > 0 {
		s.logger.Info("retention sweep finished",
			zap.Int("expired", res.TotalExpired),
			zap.Int("deleted", res.Deleted),
			zap.Int("failed", res.Failed),
			zap.Int64("freed_bytes", res.FreedBytes),
		)
	}
	return res, nil
}

func (s *Sweeper) reclaim(ctx context.Context, e ledger.InventoryEntry, now time.Time) error {
	// a blob that is already gone still gets its entry retired
	if err := s.store.Delete(ctx, e.ArtifactKey); err != nil && !errors.Is(err, internal.ErrNotFound) {
		return fmt.Errorf("delete blob: %w", err)
	}
	if err := s.ledger.MarkDeleted(ctx, e.ArtifactKey, now); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}
