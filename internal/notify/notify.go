package notify

import (
	"context"
	"time"
)

type Kind string

const (
	KindSuccess Kind = "backup_completed"
	KindFailure Kind = "backup_failed"
)

type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
	StatusFailed         Status = "failed"
)

type Failure struct {
	Source string
	Error  string
}

// Summary describes a finished job for alerting.
type Summary struct {
	Kind       Kind
	JobID      string
	Status     Status
	Trigger    string
	Timestamp  time.Time
	Successful int
	Failed     int
	TotalBytes int64
	Duration   time.Duration
	Failures   []Failure
	Error      string
}

type Sink interface {
	Send(ctx context.Context, s Summary) error
}

// Nop discards every summary.
type Nop struct{}

func (Nop) Send(context.Context, Summary) error {
	return nil
}
