package archiver

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/patina/internal"
	"github.com/turbolytics/patina/internal/exporter"
	"github.com/turbolytics/patina/internal/ledger"
	"github.com/turbolytics/patina/internal/memory"
	"github.com/turbolytics/patina/internal/notify"
	"github.com/turbolytics/patina/internal/registry"
	"github.com/turbolytics/patina/internal/retention"
)

var now = time.Date(2024, 12, 15, 3, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func newRegistry(t *testing.T, names ...string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()

	var sources []registry.Source
	for _, name := range names {
		path := filepath.Join(dir, name+".db")
		db, err := sql.Open("sqlite3", path)
		require.NoError(t, err)
		_, err = db.Exec(`
			CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT);
			INSERT INTO items (name) VALUES ('a'), ('b'), ('c');`)
		require.NoError(t, err)
		require.NoError(t, db.Close())

		sources = append(sources, registry.Source{
			Name:     name,
			ID:       name + "-id",
			Priority: registry.PriorityNormal,
			Path:     path,
		})
	}

	r, err := registry.Open(context.Background(), sources)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	require.NoError(t, l.Migrate())
	return l
}

type recordingSink struct {
	mu   sync.Mutex
	sent []notify.Summary
}

func (s *recordingSink) Send(ctx context.Context, sum notify.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sum)
	return nil
}

// flakyExporter fails or blocks for selected sources.
type flakyExporter struct {
	next    Exporter
	fail    map[string]error
	panics  map[string]bool
	block   chan struct{}
	started chan string
}

func (f *flakyExporter) Export(ctx context.Context, db *sql.DB, source, jobID string) (*exporter.Result, error) {
	if f.started != nil {
		f.started <- source
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.panics[source] {
		panic("exporter exploded")
	}
	if err := f.fail[source]; err != nil {
		return nil, err
	}
	return f.next.Export(ctx, db, source, jobID)
}

// faultyLedger fails selected writes.
type faultyLedger struct {
	*ledger.Ledger
	resultErr    error
	inventoryErr error
	createErr    error
}

func (f *faultyLedger) CreateJob(ctx context.Context, j ledger.Job) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Ledger.CreateJob(ctx, j)
}

func (f *faultyLedger) RecordResult(ctx context.Context, r ledger.SourceResult) error {
	if f.resultErr != nil {
		return f.resultErr
	}
	return f.Ledger.RecordResult(ctx, r)
}

func (f *faultyLedger) RecordInventory(ctx context.Context, e ledger.InventoryEntry) error {
	if f.inventoryErr != nil {
		return f.inventoryErr
	}
	return f.Ledger.RecordInventory(ctx, e)
}

type failingSweeper struct{}

func (failingSweeper) Sweep(ctx context.Context) (*retention.Result, error) {
	return nil, errors.New("expiry query failed")
}

type fixture struct {
	reg    *registry.Registry
	ledger *ledger.Ledger
	store  *memory.Repository
	sink   *recordingSink
}

func newFixture(t *testing.T, names ...string) *fixture {
	return &fixture{
		reg:    newRegistry(t, names...),
		ledger: newLedger(t),
		store:  memory.New(),
		sink:   &recordingSink{},
	}
}

func (f *fixture) archiver(t *testing.T, opts ...Option) *Archiver {
	t.Helper()
	base := []Option{
		WithRegistry(f.reg),
		WithExporter(exporter.New()),
		WithRepository(f.store),
		WithLedger(f.ledger),
		WithSweeper(retention.New(f.ledger, f.store, retention.WithClock(clock))),
		WithNotifier(f.sink),
		WithClock(clock),
	}
	a, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return a
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestArchiver_Run(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "groveauth", "scout-db")
	a := f.archiver(t, WithAlerts(true, true))

	rep, err := a.Run(ctx, ledger.TriggerScheduled, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, ledger.JobCompleted, rep.Job.Status)
	assert.Equal(t, 2, rep.Job.TotalSources)
	assert.Equal(t, 2, rep.Job.Successful)
	assert.Equal(t, 0, rep.Job.Failed)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, "2024-12-15/groveauth.sql", rep.Results[0].ArtifactKey)
	assert.Equal(t, "2024-12-15/scout-db.sql", rep.Results[1].ArtifactKey)
	assert.Equal(t, 3, rep.Results[0].RowCount)
	assert.Equal(t, rep.Results[0].SizeBytes+rep.Results[1].SizeBytes, rep.Job.TotalBytes)
	require.NotNil(t, rep.Sweep)
	assert.Equal(t, 0, rep.Sweep.TotalExpired)

	md, err := f.store.Metadata(ctx, "2024-12-15/groveauth.sql")
	require.NoError(t, err)
	assert.Equal(t, rep.Job.ID, md["job-id"])
	assert.Equal(t, "groveauth-id", md["source-id"])
	assert.Equal(t, "3", md["row-count"])

	job, err := f.ledger.Job(ctx, rep.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobCompleted, job.Status)
	assert.Equal(t, 2, job.Successful)

	results, err := f.ledger.ResultsForJob(ctx, rep.Job.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	entries, err := f.ledger.ListInventory(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, now.Add(DefaultRetention), entries[0].ExpiresAt)

	require.Len(t, f.sink.sent, 1)
	assert.Equal(t, notify.KindSuccess, f.sink.sent[0].Kind)
	assert.Equal(t, notify.StatusSuccess, f.sink.sent[0].Status)
	assert.False(t, a.Running())
}

func TestArchiver_Run_PartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", "b", "c", "d")
	exp := &flakyExporter{
		next: exporter.New(),
		fail: map[string]error{
			"b": errors.New("database locked"),
			"d": errors.New("no such table"),
		},
	}
	a := f.archiver(t, WithExporter(exp), WithAlerts(true, true), WithConcurrency(3))

	rep, err := a.Run(ctx, ledger.TriggerScheduled, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, ledger.JobCompleted, rep.Job.Status)
	assert.Equal(t, 2, rep.Job.Successful)
	assert.Equal(t, 2, rep.Job.Failed)

	results, err := f.ledger.ResultsForJob(ctx, rep.Job.ID)
	require.NoError(t, err)
	require.Len(t, results, 4)
	failed := map[string]string{}
	for _, r := range results {
		if r.Status == ledger.ResultFailed {
			failed[r.SourceName] = r.Error
			assert.Empty(t, r.ArtifactKey)
		}
	}
	assert.Len(t, failed, 2)
	assert.Contains(t, failed["b"], "database locked")
	assert.Contains(t, failed["d"], "no such table")

	assert.Equal(t, 2, f.store.Len())

	require.Len(t, f.sink.sent, 1)
	s := f.sink.sent[0]
	assert.Equal(t, notify.KindFailure, s.Kind)
	assert.Equal(t, notify.StatusPartialFailure, s.Status)
	assert.Len(t, s.Failures, 2)
}

func TestArchiver_Run_UnreadableSources(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	good := newRegistry(t, "good").Sources()[0]
	garbage := filepath.Join(dir, "garbage.db")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a sqlite database file"), 0o644))

	reg, err := registry.Open(ctx, []registry.Source{
		{Name: "missing", Priority: registry.PriorityCritical, Path: filepath.Join(dir, "gone.db")},
		{Name: "garbage", Priority: registry.PriorityHigh, Path: garbage},
		good,
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	f := newFixture(t)
	f.reg = reg
	a := f.archiver(t)

	rep, err := a.Run(ctx, ledger.TriggerScheduled, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, ledger.JobCompleted, rep.Job.Status)
	assert.Equal(t, 3, rep.Job.TotalSources)
	assert.Equal(t, 1, rep.Job.Successful)
	assert.Equal(t, 2, rep.Job.Failed)

	require.Len(t, rep.Results, 3)
	assert.Equal(t, ledger.ResultFailed, rep.Results[0].Status)
	assert.Contains(t, rep.Results[0].Error, `source "missing"`)
	assert.Equal(t, ledger.ResultFailed, rep.Results[1].Status)
	assert.Contains(t, rep.Results[1].Error, `source "garbage"`)
	assert.Equal(t, ledger.ResultSuccess, rep.Results[2].Status)
	assert.Equal(t, 1, f.store.Len())
}

func TestArchiver_Run_Alerts(t *testing.T) {
	ctx := context.Background()

	t.Run("success alerts disabled", func(t *testing.T) {
		f := newFixture(t, "a")
		a := f.archiver(t, WithAlerts(false, true))
		_, err := a.Run(ctx, ledger.TriggerScheduled, RunOptions{})
		require.NoError(t, err)
		assert.Empty(t, f.sink.sent)
	})

	t.Run("failure alerts disabled", func(t *testing.T) {
		f := newFixture(t, "a")
		exp := &flakyExporter{next: exporter.New(), fail: map[string]error{"a": errors.New("x")}}
		a := f.archiver(t, WithExporter(exp), WithAlerts(true, false))
		_, err := a.Run(ctx, ledger.TriggerScheduled, RunOptions{})
		require.NoError(t, err)
		assert.Empty(t, f.sink.sent)
	})

	t.Run("every source failed", func(t *testing.T) {
		f := newFixture(t, "a")
		exp := &flakyExporter{next: exporter.New(), fail: map[string]error{"a": errors.New("x")}}
		a := f.archiver(t, WithExporter(exp), WithAlerts(true, true))
		_, err := a.Run(ctx, ledger.TriggerScheduled, RunOptions{})
		require.NoError(t, err)
		require.Len(t, f.sink.sent, 1)
		assert.Equal(t, notify.StatusFailed, f.sink.sent[0].Status)
	})
}

func TestArchiver_Run_SourceSubset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", "b", "c")
	a := f.archiver(t)

	rep, err := a.Run(ctx, ledger.TriggerManual, RunOptions{Sources: []string{"c", "a"}, Reason: "pre-migration"})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Job.TotalSources)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, "a", rep.Results[0].SourceName)
	assert.Equal(t, "c", rep.Results[1].SourceName)

	_, err = a.Run(ctx, ledger.TriggerManual, RunOptions{Sources: []string{"nope"}})
	assert.ErrorIs(t, err, registry.ErrUnknownSource)
}

func TestArchiver_Run_InventoryFailureRemovesArtifact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a")
	l := &faultyLedger{Ledger: f.ledger, inventoryErr: errors.New("disk full")}
	a := f.archiver(t, WithLedger(l))

	rep, err := a.Run(ctx, ledger.TriggerScheduled, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, ledger.JobCompleted, rep.Job.Status)
	assert.Equal(t, 1, rep.Job.Failed)
	assert.Contains(t, rep.Results[0].Error, "disk full")
	assert.Equal(t, 0, f.store.Len())

	_, err = f.store.Get(ctx, "2024-12-15/a.sql")
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestArchiver_Run_LedgerFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("result write", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		l := &faultyLedger{Ledger: f.ledger, resultErr: errors.New("ledger unreachable")}
		a := f.archiver(t, WithLedger(l), WithAlerts(false, true))

		rep, err := a.Run(ctx, ledger.TriggerScheduled, RunOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ledger unreachable")
		assert.Equal(t, ledger.JobFailed, rep.Job.Status)

		job, err := f.ledger.Job(ctx, rep.Job.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.JobFailed, job.Status)
		assert.Contains(t, job.Error, "ledger unreachable")

		require.Len(t, f.sink.sent, 1)
		assert.Equal(t, notify.StatusFailed, f.sink.sent[0].Status)
	})

	t.Run("job creation", func(t *testing.T) {
		f := newFixture(t, "a")
		l := &faultyLedger{Ledger: f.ledger, createErr: errors.New("ledger unreachable")}
		a := f.archiver(t, WithLedger(l))

		rep, err := a.Run(ctx, ledger.TriggerScheduled, RunOptions{})
		require.Error(t, err)
		assert.Equal(t, ledger.JobFailed, rep.Job.Status)
		assert.Equal(t, 0, f.store.Len())
	})

	t.Run("sweep query", func(t *testing.T) {
		f := newFixture(t, "a")
		a := f.archiver(t, WithSweeper(failingSweeper{}))

		rep, err := a.Run(ctx, ledger.TriggerScheduled, RunOptions{})
		require.Error(t, err)
		assert.Equal(t, ledger.JobFailed, rep.Job.Status)
		assert.Equal(t, 1, rep.Job.Successful)

		job, err := f.ledger.Job(ctx, rep.Job.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.JobFailed, job.Status)
	})
}

func TestArchiver_Run_ExportTimeout(t *testing.T) {
	f := newFixture(t, "a")
	exp := &flakyExporter{next: exporter.New(), block: make(chan struct{})}
	a := f.archiver(t, WithExporter(exp), WithExportTimeout(20*time.Millisecond))

	rep, err := a.Run(context.Background(), ledger.TriggerScheduled, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Job.Failed)
	assert.Contains(t, rep.Results[0].Error, context.DeadlineExceeded.Error())
}

func TestArchiver_Run_ExporterPanic(t *testing.T) {
	f := newFixture(t, "a", "b")
	exp := &flakyExporter{next: exporter.New(), panics: map[string]bool{"a": true}}
	a := f.archiver(t, WithExporter(exp))

	rep, err := a.Run(context.Background(), ledger.TriggerScheduled, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Job.Successful)
	assert.Equal(t, 1, rep.Job.Failed)
	assert.Contains(t, rep.Results[0].Error, "exporter exploded")
}

func TestArchiver_Run_SweepsExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a")

	require.NoError(t, f.store.Put(ctx, "2024-09-01/a.sql", strings.NewReader("old"), nil))
	require.NoError(t, f.ledger.RecordInventory(ctx, ledger.InventoryEntry{
		ArtifactKey: "2024-09-01/a.sql",
		SourceName:  "a",
		BackupDate:  "2024-09-01",
		SizeBytes:   42,
		CreatedAt:   now.AddDate(0, -3, 0),
		ExpiresAt:   now.Add(-time.Hour),
	}))

	rep, err := f.archiver(t).Run(ctx, ledger.TriggerScheduled, RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, rep.Sweep)
	assert.Equal(t, 1, rep.Sweep.Deleted)
	assert.Equal(t, int64(42), rep.Sweep.FreedBytes)

	_, err = f.store.Get(ctx, "2024-09-01/a.sql")
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestArchiver_Start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, "a")
	exp := &flakyExporter{
		next:    exporter.New(),
		block:   make(chan struct{}),
		started: make(chan string, 1),
	}
	a := f.archiver(t, WithExporter(exp))

	jobID, err := a.Start(ctx, ledger.TriggerManual, RunOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	<-exp.started
	assert.True(t, a.Running())

	_, err = a.Start(ctx, ledger.TriggerManual, RunOptions{})
	assert.ErrorIs(t, err, ErrJobInProgress)
	_, err = a.Run(ctx, ledger.TriggerScheduled, RunOptions{})
	assert.ErrorIs(t, err, ErrJobInProgress)

	running, err := f.ledger.RunningJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, jobID, running.ID)

	// cancelling the caller's context does not abort the job
	cancel()
	close(exp.block)
	a.Wait()
	assert.False(t, a.Running())

	job, err := f.ledger.Job(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobCompleted, job.Status)
	assert.Equal(t, 1, job.Successful)

	_, err = a.Start(context.Background(), ledger.TriggerManual, RunOptions{Sources: []string{"missing"}})
	assert.ErrorIs(t, err, registry.ErrUnknownSource)
	assert.False(t, a.Running())
}

func TestArchiver_Run_Sequential(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	var (
		mu     sync.Mutex
		active int
		peak   int
	)
	exp := &trackingExporter{next: exporter.New(), enter: func() {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
	}, exit: func() {
		mu.Lock()
		active--
		mu.Unlock()
	}}

	rep, err := f.archiver(t, WithExporter(exp)).Run(context.Background(), ledger.TriggerScheduled, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Job.Successful)
	assert.Equal(t, 1, peak)
}

type trackingExporter struct {
	next        Exporter
	enter, exit func()
}

func (e *trackingExporter) Export(ctx context.Context, db *sql.DB, source, jobID string) (*exporter.Result, error) {
	e.enter()
	defer e.exit()
	time.Sleep(5 * time.Millisecond)
	return e.next.Export(ctx, db, source, jobID)
}
