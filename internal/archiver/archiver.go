package archiver

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/turbolytics/patina/internal"
	"github.com/turbolytics/patina/internal/catalog"
	"github.com/turbolytics/patina/internal/codec"
	"github.com/turbolytics/patina/internal/exporter"
	"github.com/turbolytics/patina/internal/ledger"
	"github.com/turbolytics/patina/internal/notify"
	"github.com/turbolytics/patina/internal/registry"
	"github.com/turbolytics/patina/internal/retention"
)

var ErrJobInProgress = errors.New("backup job already in progress")

const DefaultRetention = 12 * 7 * 24 * time.Hour

// Ledger is the write side of the job ledger used by a run.
type Ledger interface {
	CreateJob(ctx context.Context, j ledger.Job) error
	CompleteJob(ctx context.Context, j ledger.Job) error
	FailJob(ctx context.Context, j ledger.Job) error
	RecordResult(ctx context.Context, r ledger.SourceResult) error
	RecordInventory(ctx context.Context, e ledger.InventoryEntry) error
}

type Exporter interface {
	Export(ctx context.Context, db *sql.DB, sourceName, jobID string) (*exporter.Result, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (*retention.Result, error)
}

type Option func(*Archiver)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Archiver) {
		a.logger = logger
	}
}

func WithRegistry(r *registry.Registry) Option {
	return func(a *Archiver) {
		a.registry = r
	}
}

func WithExporter(e Exporter) Option {
	return func(a *Archiver) {
		a.exporter = e
	}
}

func WithRepository(r internal.Repository) Option {
	return func(a *Archiver) {
		a.store = r
	}
}

func WithLedger(l Ledger) Option {
	return func(a *Archiver) {
		a.ledger = l
	}
}

func WithSweeper(s Sweeper) Option {
	return func(a *Archiver) {
		a.sweeper = s
	}
}

func WithNotifier(s notify.Sink) Option {
	return func(a *Archiver) {
		a.notifier = s
	}
}

func WithRetention(d time.Duration) Option {
	return func(a *Archiver) {
		a.retention = d
	}
}

func WithConcurrency(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

func WithExportTimeout(d time.Duration) Option {
	return func(a *Archiver) {
		a.exportTimeout = d
	}
}

func WithAlerts(onSuccess, onFailure bool) Option {
	return func(a *Archiver) {
		a.alertOnSuccess = onSuccess
		a.alertOnFailure = onFailure
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		a.now = now
	}
}

// RunOptions narrow a single run.
type RunOptions struct {
	// Sources restricts the run to the named sources. Empty means all.
	Sources []string
	Reason  string
}

// Report is the outcome of one run.
type Report struct {
	Job     ledger.Job
	Results []ledger.SourceResult
	Sweep   *retention.Result
}

// Archiver runs the backup pipeline: export every source, store the
// artifact, record it, sweep expired artifacts and report.
type Archiver struct {
	logger   *zap.Logger
	registry *registry.Registry
	exporter Exporter
	store    internal.Repository
	ledger   Ledger
	sweeper  Sweeper
	notifier notify.Sink

	retention      time.Duration
	concurrency    int
	exportTimeout  time.Duration
	alertOnSuccess bool
	alertOnFailure bool
	now            func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup
}

func New(opts ...Option) (*Archiver, error) {
	a := &Archiver{
		logger:         zap.NewNop(),
		notifier:       notify.Nop{},
		retention:      DefaultRetention,
		concurrency:    1,
		alertOnFailure: true,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	switch {
	case a.registry == nil:
		return nil, errors.New("archiver requires a source registry")
	case a.exporter == nil:
		return nil, errors.New("archiver requires an exporter")
	case a.store == nil:
		return nil, errors.New("archiver requires a repository")
	case a.ledger == nil:
		return nil, errors.New("archiver requires a ledger")
	case a.sweeper == nil:
		return nil, errors.New("archiver requires a sweeper")
	}
	return a, nil
}

// Running reports whether a run is active in this process.
func (a *Archiver) Running() bool {
	return a.running.Load()
}

// Wait blocks until every run started with Start has finished.
func (a *Archiver) Wait() {
	a.wg.Wait()
}

// Run executes one job synchronously. The returned error is non-nil only
// when the job itself failed; per-source failures are part of the report.
func (a *Archiver) Run(ctx context.Context, trigger ledger.Trigger, opts RunOptions) (*Report, error) {
	handles, err := a.registry.Select(opts.Sources)
	if err != nil {
		return nil, err
	}

	if !a.running.CompareAndSwap(false, true) {
		return nil, ErrJobInProgress
	}
	defer a.running.Store(false)

	return a.run(ctx, codec.NewJobID(), trigger, handles, opts)
}

// Start launches a job in the background and returns its id immediately.
// The job outlives ctx's cancellation but keeps its values.
func (a *Archiver) Start(ctx context.Context, trigger ledger.Trigger, opts RunOptions) (string, error) {
	handles, err := a.registry.Select(opts.Sources)
	if err != nil {
		return "", err
	}

	if !a.running.CompareAndSwap(false, true) {
		return "", ErrJobInProgress
	}

	jobID := codec.NewJobID()
	bg := context.WithoutCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.running.Store(false)

		if _, err := a.run(bg, jobID, trigger, handles, opts); err != nil {
			a.logger.Error("backup job failed",
				zap.String("job_id", jobID),
				zap.Error(err),
			)
		}
	}()

	return jobID, nil
}

func (a *Archiver) run(ctx context.Context, jobID string, trigger ledger.Trigger, handles []registry.Handle, opts RunOptions) (rep *Report, err error) {
	l := a.logger.With(zap.String("job_id", jobID))
	fsm := NewFSM(FSMWithLogger(l))

	start := a.now()
	job := ledger.Job{
		ID:           jobID,
		Trigger:      trigger,
		Status:       ledger.JobRunning,
		StartedAt:    start,
		TotalSources: len(handles),
	}
	rep = &Report{Job: job}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backup job panicked: %v", r)
			l.Error("recovered from panic", zap.Any("panic", r))
			if !fsm.Terminal() {
				a.fail(ctx, fsm, &rep.Job, err, l)
			}
		}
	}()

	l.Info("starting backup job",
		zap.String("trigger", string(trigger)),
		zap.Int("sources", len(handles)),
		zap.String("reason", opts.Reason),
	)

	if err := a.ledger.CreateJob(ctx, job); err != nil {
		fsm.Transition(StateFailed)
		rep.Job.Status = ledger.JobFailed
		rep.Job.Error = err.Error()
		l.Error("failed to create job", zap.Error(err))
		a.alert(ctx, rep, l)
		return rep, fmt.Errorf("failed to create job: %w", err)
	}
	if err := fsm.Transition(StateRunning); err != nil {
		return rep, err
	}

	date := codec.DateBucket(start)
	results, ledgerErrs := a.backupAll(ctx, jobID, date, handles, l)
	rep.Results = results

	for _, r := range results {
		if r.Status == ledger.ResultSuccess {
			rep.Job.Successful++
			rep.Job.TotalBytes += r.SizeBytes
		} else {
			rep.Job.Failed++
		}
	}

	sweep, sweepErr := a.sweeper.Sweep(ctx)
	rep.Sweep = sweep
	if sweepErr != nil {
		l.Error("retention sweep failed", zap.Error(sweepErr))
		ledgerErrs = append(ledgerErrs, sweepErr)
	}

	rep.Job.CompletedAt = a.now()
	rep.Job.Duration = rep.Job.CompletedAt.Sub(start)

	if jobErr := errors.Join(ledgerErrs...); jobErr != nil {
		a.fail(ctx, fsm, &rep.Job, jobErr, l)
		a.alert(ctx, rep, l)
		return rep, jobErr
	}

	if err := a.ledger.CompleteJob(ctx, rep.Job); err != nil {
		err = fmt.Errorf("failed to complete job: %w", err)
		a.fail(ctx, fsm, &rep.Job, err, l)
		a.alert(ctx, rep, l)
		return rep, err
	}
	fsm.Transition(StateCompleted)
	rep.Job.Status = ledger.JobCompleted

	l.Info("backup job completed",
		zap.Int("successful", rep.Job.Successful),
		zap.Int("failed", rep.Job.Failed),
		zap.Int64("bytes", rep.Job.TotalBytes),
		zap.Duration("duration", rep.Job.Duration),
	)

	a.alert(ctx, rep, l)
	return rep, nil
}

// fail records the job as failed. The ledger write is best effort since
// the cause is often the ledger itself.
func (a *Archiver) fail(ctx context.Context, fsm *FSM, job *ledger.Job, cause error, l *zap.Logger) {
	fsm.Transition(StateFailed)
	job.Status = ledger.JobFailed
	job.Error = cause.Error()
	if job.CompletedAt.IsZero() {
		job.CompletedAt = a.now()
		job.Duration = job.CompletedAt.Sub(job.StartedAt)
	}

	if err := a.ledger.FailJob(ctx, *job); err != nil {
		l.Error("failed to record job failure", zap.Error(err))
	}
	l.Error("backup job failed", zap.Error(cause))
}

// backupAll runs one attempt per source. Attempts never cancel each other;
// each one owns its slot in the result slice.
func (a *Archiver) backupAll(ctx context.Context, jobID, date string, handles []registry.Handle, l *zap.Logger) ([]ledger.SourceResult, []error) {
	results := make([]ledger.SourceResult, len(handles))
	errs := make([]error, len(handles))

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, h := range handles {
		g.Go(func() error {
			results[i], errs[i] = a.backup(ctx, jobID, date, h, l)
			return nil
		})
	}
	g.Wait()

	var ledgerErrs []error
	for _, err := range errs {
		if err != nil {
			ledgerErrs = append(ledgerErrs, err)
		}
	}
	return results, ledgerErrs
}

// backup exports, stores and records a single source. The returned error
// is set only when the result could not be written to the ledger.
func (a *Archiver) backup(ctx context.Context, jobID, date string, h registry.Handle, l *zap.Logger) (ledger.SourceResult, error) {
	name := h.Source.Name
	l = l.With(zap.String("source", name))

	res := ledger.SourceResult{
		JobID:      jobID,
		SourceName: name,
		SourceID:   h.Source.ID,
		StartedAt:  a.now(),
	}

	out, key, attemptErr := a.attempt(ctx, jobID, date, h, l)

	res.CompletedAt = a.now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	if attemptErr != nil {
		res.Status = ledger.ResultFailed
		res.Error = attemptErr.Error()
		l.Error("source backup failed", zap.Error(attemptErr))
	} else {
		res.Status = ledger.ResultSuccess
		res.ArtifactKey = key
		res.SizeBytes = out.ByteSize
		res.TableCount = out.TableCount
		res.RowCount = out.RowCount
		l.Info("source backed up",
			zap.String("key", key),
			zap.Int("tables", out.TableCount),
			zap.Int("rows", out.RowCount),
			zap.Int64("bytes", out.ByteSize),
		)
	}

	if err := a.ledger.RecordResult(ctx, res); err != nil {
		return res, err
	}
	return res, nil
}

func (a *Archiver) attempt(ctx context.Context, jobID, date string, h registry.Handle, l *zap.Logger) (out *exporter.Result, key string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ectx := ctx
	if a.exportTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, a.exportTimeout)
		defer cancel()
	}

	if err := h.Check(ectx); err != nil {
		return nil, "", err
	}

	started := a.now()
	out, err = a.exporter.Export(ectx, h.DB, h.Source.Name, jobID)
	if err != nil {
		return nil, "", fmt.Errorf("export: %w", err)
	}

	key = codec.ArtifactKey(date, h.Source.Name)
	cat := catalog.Catalog{
		JobID:      jobID,
		Source:     h.Source.Name,
		SourceID:   h.Source.ID,
		BackupDate: date,
		NumTables:  out.TableCount,
		NumRows:    out.RowCount,
		SizeBytes:  out.ByteSize,
		StartTime:  started,
		Duration:   out.Duration,
	}
	if err := a.store.Put(ectx, key, bytes.NewReader(out.Script), cat.Metadata()); err != nil {
		return nil, "", fmt.Errorf("upload artifact: %w", err)
	}

	created := a.now()
	entry := ledger.InventoryEntry{
		ArtifactKey: key,
		SourceName:  h.Source.Name,
		BackupDate:  date,
		SizeBytes:   out.ByteSize,
		TableCount:  out.TableCount,
		RowCount:    out.RowCount,
		CreatedAt:   created,
		ExpiresAt:   created.Add(a.retention),
	}
	if err := a.ledger.RecordInventory(ctx, entry); err != nil {
		// an artifact the inventory does not know about would never expire
		if derr := a.store.Delete(ctx, key); derr != nil {
			l.Warn("failed to remove unrecorded artifact",
				zap.String("key", key),
				zap.Error(derr),
			)
		}
		return nil, "", fmt.Errorf("record inventory: %w", err)
	}

	return out, key, nil
}

func (a *Archiver) alert(ctx context.Context, rep *Report, l *zap.Logger) {
	job := rep.Job
	failed := job.Failed > 0 || job.Status == ledger.JobFailed

	s := notify.Summary{
		JobID:      job.ID,
		Trigger:    string(job.Trigger),
		Timestamp:  job.CompletedAt,
		Successful: job.Successful,
		Failed:     job.Failed,
		TotalBytes: job.TotalBytes,
		Duration:   job.Duration,
		Error:      job.Error,
	}

	switch {
	case failed && a.alertOnFailure:
		s.Kind = notify.KindFailure
		s.Status = notify.StatusPartialFailure
		if job.Status == ledger.JobFailed || job.Successful == 0 {
			s.Status = notify.StatusFailed
		}
		for _, r := range rep.Results {
			if r.Status == ledger.ResultFailed {
				s.Failures = append(s.Failures, notify.Failure{Source: r.SourceName, Error: r.Error})
			}
		}
	case !failed && a.alertOnSuccess:
		s.Kind = notify.KindSuccess
		s.Status = notify.StatusSuccess
	default:
		return
	}

	if err := a.notifier.Send(ctx, s); err != nil {
		l.Warn("failed to send alert", zap.Error(err))
	}
}
