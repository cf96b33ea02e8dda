// Package notify publishes job lifecycle events for other services.
package notify

import (
	"context"
	"time"
)

// Event types.
const (
	EventJobStarted   = "job.started"
	EventSegmentReady = "segment.ready"
	EventJobFinished  = "job.finished"
)

// Event describes one job lifecycle change. Fields that do not apply to the
// event type are left empty.
type Event struct {
	Type  string    `json:"type"`
	JobID string    `json:"jobId"`
	Key   string    `json:"key"`
	Time  time.Time `json:"time"`

	// segment.ready
	Sequence int           `json:"sequence,omitempty"`
	URI      string        `json:"uri,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`

	// job.finished
	State     string `json:"state,omitempty"`
	Segments  int    `json:"segments,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Notifier delivers events. Publish must be safe for concurrent use.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
