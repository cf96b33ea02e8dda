// Package store persists remux job records.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Get for an unknown job ID.
var ErrNotFound = errors.New("store: job not found")

// State is a job's lifecycle state.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Job is the persisted record of one remux job.
type Job struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Transport string `json:"transport"`
	State     State  `json:"state"`

	MimeType string `json:"mimeType,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`

	OutputDir    string        `json:"outputDir"`
	ManifestPath string        `json:"manifestPath,omitempty"`
	Segments     int           `json:"segments"`
	Duration     time.Duration `json:"duration"`
	BytesRead    int64         `json:"bytesRead"`

	// ErrorKind is the media error kind of a failed job.
	ErrorKind string `json:"errorKind,omitempty"`
	Error     string `json:"error,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// Store keeps job records. Save inserts or replaces by ID.
type Store interface {
	Save(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	// List returns jobs newest first, at most limit of them when limit > 0.
	List(ctx context.Context, limit int) ([]Job, error)
	Close() error
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]Job)}
}

func (m *Memory) Save(_ context.Context, job Job) error {
	if job.ID == "" {
		return errors.New("store: job ID required")
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (m *Memory) List(_ context.Context, limit int) ([]Job, error) {
	m.mu.RLock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
