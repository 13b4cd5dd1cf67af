package ledger

import (
	"time"
)

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultSkipped ResultStatus = "skipped"
)

// Job is one invocation of the backup pipeline.
type Job struct {
	ID           string
	Trigger      Trigger
	Status       JobStatus
	StartedAt    time.Time
	CompletedAt  time.Time
	TotalSources int
	Successful   int
	Failed       int
	TotalBytes   int64
	Duration     time.Duration
	Error        string
}

// SourceResult is the outcome of backing up one source within a job.
// Artifact fields are only stored for successful results.
type SourceResult struct {
	JobID       string
	SourceName  string
	SourceID    string
	Status      ResultStatus
	ArtifactKey string
	SizeBytes   int64
	TableCount  int
	RowCount    int
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Error       string
}

// InventoryEntry tracks one stored artifact until the sweeper reclaims it.
type InventoryEntry struct {
	ArtifactKey string
	SourceName  string
	BackupDate  string
	SizeBytes   int64
	TableCount  int
	RowCount    int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	DeletedAt   time.Time
}

// Filter narrows inventory queries. Zero values match everything.
type Filter struct {
	Source string
	Date   string
	Limit  int
	Offset int
}

// StorageStats aggregates live inventory.
type StorageStats struct {
	TotalBackups int
	TotalBytes   int64
	OldestDate   string
	NewestDate   string
}
