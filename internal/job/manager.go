// Package job runs remux jobs for ingested streams: it assigns IDs and
// output directories, bounds concurrency, records each job's outcome and
// publishes lifecycle events.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zsiec/remux/internal/hls"
	"github.com/zsiec/remux/internal/ingest"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/notify"
	"github.com/zsiec/remux/internal/pipeline"
	"github.com/zsiec/remux/internal/source"
	"github.com/zsiec/remux/internal/store"
)

// DefaultMaxJobs bounds concurrently running jobs when Config.MaxJobs is 0.
const DefaultMaxJobs = 4

// ErrDuplicateKey is returned by Start while a job with the same key runs.
var ErrDuplicateKey = errors.New("job: key already has a running job")

// ErrShutdown is returned by Start once Shutdown has been called.
var ErrShutdown = errors.New("job: manager shut down")

// Config configures a Manager.
type Config struct {
	// OutputRoot holds one directory per job, named by job ID.
	OutputRoot string
	MaxJobs    int
	// Options is the template for every job. OutputDir, Log and OnSegment
	// are set per job.
	Options pipeline.Options
}

// Job is a running or finished job.
type Job struct {
	ID        string
	Key       string
	OutputDir string

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	record store.Job
	err    error
}

// Record returns a snapshot of the job's record.
func (j *Job) Record() store.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record
}

// Done is closed when the job has finished and its record is final.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx ends, returning the final
// record and the job's error.
func (j *Job) Wait(ctx context.Context) (store.Job, error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.record, j.err
	case <-ctx.Done():
		return j.Record(), ctx.Err()
	}
}

// Manager starts jobs and tracks the running ones.
type Manager struct {
	log      *slog.Logger
	base     *slog.Logger
	cfg      Config
	engine   *pipeline.Engine
	store    store.Store
	notifier notify.Notifier
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	active map[string]*Job // by ID
	keys   map[string]string
	queue  []queued // waiting for a slot, in Start order
	wake   chan struct{}
	closed bool
}

type queued struct {
	ctx context.Context
	job *Job
	src source.Source
}

// NewManager creates a Manager. A nil store keeps records in memory and a
// nil notifier drops events. If log is nil, slog.Default() is used.
func NewManager(cfg Config, st store.Store, n notify.Notifier, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if st == nil {
		st = store.NewMemory()
	}
	if n == nil {
		n = notify.Nop{}
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = DefaultMaxJobs
	}
	if cfg.OutputRoot == "" {
		cfg.OutputRoot = pipeline.DefaultOutputDir
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:      log.With("component", "job-manager"),
		base:     log,
		cfg:      cfg,
		engine:   pipeline.NewEngine(log),
		store:    st,
		notifier: n,
		sem:      semaphore.NewWeighted(int64(cfg.MaxJobs)),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*Job),
		keys:     make(map[string]string),
		wake:     make(chan struct{}, 1),
	}
	go m.admit()
	return m
}

// Start begins a job reading src, which the job owns from here on: it is
// closed when the job ends, or right away if Start fails. The job runs
// until src is exhausted, fails, or Cancel/Shutdown is called.
func (m *Manager) Start(key, transport string, h ingest.Header, src source.Source) (*Job, error) {
	id := uuid.NewString()
	if key == "" {
		key = id
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		src.Close()
		return nil, ErrShutdown
	}
	if _, ok := m.keys[key]; ok {
		m.mu.Unlock()
		src.Close()
		m.log.Warn("job already running for key, rejecting duplicate", "key", key)
		return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	j := &Job{
		ID:        id,
		Key:       key,
		OutputDir: filepath.Join(m.cfg.OutputRoot, id),
		cancel:    cancel,
		done:      make(chan struct{}),
		record: store.Job{
			ID:        id,
			Key:       key,
			Transport: transport,
			State:     store.StateRunning,
			MimeType:  h.MimeType,
			FileSize:  h.FileSize,
			CreatedAt: time.Now().UTC(),
		},
	}
	j.record.OutputDir = j.OutputDir
	m.active[id] = j
	m.keys[key] = id
	m.queue = append(m.queue, queued{ctx: ctx, job: j, src: src})
	m.wg.Add(1)
	m.mu.Unlock()

	m.persist(j.Record())
	m.publish(notify.Event{Type: notify.EventJobStarted, JobID: id, Key: key})
	m.log.Info("job started", "job", id, "key", key, "transport", transport, "mime_type", h.MimeType)

	m.signal()
	return j, nil
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// admit hands out job slots strictly in Start order. It drains the queue
// after Shutdown, where every acquire fails on the cancelled context, and
// then exits.
func (m *Manager) admit() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			<-m.wake
			continue
		}
		q := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		err := m.sem.Acquire(q.ctx, 1)
		go m.run(q.ctx, q.job, q.src, err)
	}
}

// OnIngest starts a job for an ingest registered with an ingest.Registry.
func (m *Manager) OnIngest(in *ingest.Ingest, src *source.PipeReader) {
	if _, err := m.Start(in.Key, in.Transport, in.Header, src); err != nil {
		m.log.Warn("ingest not started", "key", in.Key, "error", err)
	}
}

// run executes a job that has been given a slot, or fails it with
// queueErr if it was cancelled while waiting for one.
func (m *Manager) run(ctx context.Context, j *Job, src source.Source, queueErr error) {
	defer m.wg.Done()
	defer j.cancel()
	if queueErr == nil {
		// Held until the record is final, so the next job starts after Done.
		defer m.sem.Release(1)
	}

	var (
		res pipeline.Result
		err error
	)
	if queueErr != nil {
		src.Close()
		err = fmt.Errorf("%w: cancelled while queued: %w", media.ErrRead, queueErr)
	} else {
		opts := m.cfg.Options
		opts.OutputDir = j.OutputDir
		opts.Log = m.base.With("job", j.ID, "key", j.Key)
		opts.OnSegment = func(seg hls.Segment) { m.segmentReady(j, seg) }
		res, err = m.engine.Run(ctx, src, opts)
	}

	j.mu.Lock()
	r := &j.record
	r.ManifestPath = res.ManifestPath
	r.Segments = len(res.Segments)
	r.Duration = res.Duration
	r.BytesRead = res.BytesRead
	r.FinishedAt = time.Now().UTC()
	r.State = store.StateSucceeded
	if err != nil {
		r.State = store.StateFailed
		r.ErrorKind = media.ErrorKind(err)
		r.Error = err.Error()
	}
	j.err = err
	final := *r
	j.mu.Unlock()

	if err == nil && final.FileSize > 0 && final.BytesRead != final.FileSize {
		m.log.Warn("payload size differs from header", "job", j.ID, "declared", final.FileSize, "read", final.BytesRead)
	}

	m.persist(final)
	m.publish(notify.Event{
		Type:      notify.EventJobFinished,
		JobID:     j.ID,
		Key:       j.Key,
		State:     string(final.State),
		Segments:  final.Segments,
		ErrorKind: final.ErrorKind,
		Error:     final.Error,
	})

	m.mu.Lock()
	delete(m.active, j.ID)
	if m.keys[j.Key] == j.ID {
		delete(m.keys, j.Key)
	}
	m.mu.Unlock()
	close(j.done)
}

func (m *Manager) segmentReady(j *Job, seg hls.Segment) {
	j.mu.Lock()
	j.record.Segments++
	j.record.Duration += seg.Duration
	j.mu.Unlock()
	m.publish(notify.Event{
		Type:     notify.EventSegmentReady,
		JobID:    j.ID,
		Key:      j.Key,
		Sequence: seg.Sequence,
		URI:      seg.URI,
		Duration: seg.Duration,
	})
}

func (m *Manager) persist(rec store.Job) {
	if err := m.store.Save(m.bgContext(), rec); err != nil {
		m.log.Warn("persist job", "job", rec.ID, "error", err)
	}
}

func (m *Manager) publish(ev notify.Event) {
	ev.Time = time.Now().UTC()
	if err := m.notifier.Publish(m.bgContext(), ev); err != nil {
		m.log.Warn("publish event", "type", ev.Type, "job", ev.JobID, "error", err)
	}
}

// bgContext outlives Shutdown so final records are still written.
func (m *Manager) bgContext() context.Context {
	return context.WithoutCancel(m.ctx)
}

// Get returns the record for id, from the running jobs or the store.
func (m *Manager) Get(ctx context.Context, id string) (store.Job, error) {
	m.mu.RLock()
	j, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		return j.Record(), nil
	}
	return m.store.Get(ctx, id)
}

// List returns stored records newest first, at most limit when limit > 0.
// Running jobs report their live progress.
func (m *Manager) List(ctx context.Context, limit int) ([]store.Job, error) {
	jobs, err := m.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range jobs {
		if j, ok := m.active[jobs[i].ID]; ok {
			jobs[i] = j.Record()
		}
	}
	return jobs, nil
}

// Active returns the running jobs ordered by start time.
func (m *Manager) Active() []store.Job {
	m.mu.RLock()
	out := make([]store.Job, 0, len(m.active))
	for _, j := range m.active {
		out = append(out, j.Record())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// OutputDir returns the directory of job id, running or not. It reports
// false for IDs that are not well-formed.
func (m *Manager) OutputDir(id string) (string, bool) {
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return filepath.Join(m.cfg.OutputRoot, id), true
}

// Cancel stops the running job id. The job finishes with a read error and
// keeps the segments written so far.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	j, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job: no running job %q", id)
	}
	j.cancel()
	return nil
}

// Shutdown cancels every running job and waits for them to finish or for
// ctx to end. Start fails afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.signal()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
