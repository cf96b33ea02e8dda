package job

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/remux/internal/ingest"
	"github.com/zsiec/remux/internal/logging"
	"github.com/zsiec/remux/internal/media"
	"github.com/zsiec/remux/internal/notify"
	"github.com/zsiec/remux/internal/source"
	"github.com/zsiec/remux/internal/store"
	"github.com/zsiec/remux/internal/tsgen"
)

type recorder struct {
	mu       sync.Mutex
	events   []notify.Event
	finished chan notify.Event
}

func newRecorder() *recorder {
	return &recorder{finished: make(chan notify.Event, 16)}
}

func (r *recorder) Publish(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Type == notify.EventJobFinished {
		r.finished <- ev
	}
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) count(typ, jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ && ev.JobID == jobID {
			n++
		}
	}
	return n
}

func (r *recorder) waitFinished(t *testing.T) notify.Event {
	t.Helper()
	select {
	case ev := <-r.finished:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
		return notify.Event{}
	}
}

func newTestManager(t *testing.T, maxJobs int) (*Manager, *recorder, store.Store) {
	t.Helper()
	rec := newRecorder()
	st := store.NewMemory()
	m := NewManager(Config{OutputRoot: t.TempDir(), MaxJobs: maxJobs}, st, rec, logging.Discard())
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, rec, st
}

func generate(t *testing.T, d time.Duration) []byte {
	t.Helper()
	data, err := tsgen.MPEGTS(tsgen.Config{Duration: d, Video: true})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestManager_Start(t *testing.T) {
	t.Parallel()
	m, rec, st := newTestManager(t, 0)

	h := ingest.Header{MimeType: "video/mp2t", FileSize: 1234}
	j, err := m.Start("cam1", "upload", h, source.NewMemory(generate(t, 10*time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	got, err := j.Wait(context.Background())
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}

	if got.State != store.StateSucceeded || got.Segments != 3 || got.Duration != 10*time.Second {
		t.Errorf("record = %+v", got)
	}
	if got.Key != "cam1" || got.Transport != "upload" || got.MimeType != "video/mp2t" || got.FileSize != 1234 {
		t.Errorf("record metadata = %+v", got)
	}
	if got.ManifestPath != filepath.Join(j.OutputDir, "output.m3u8") {
		t.Errorf("manifest = %s", got.ManifestPath)
	}
	if _, err := os.Stat(got.ManifestPath); err != nil {
		t.Error(err)
	}
	if got.FinishedAt.IsZero() || got.BytesRead == 0 {
		t.Errorf("record = %+v", got)
	}

	stored, err := st.Get(context.Background(), j.ID)
	if err != nil || stored.State != store.StateSucceeded {
		t.Errorf("stored = %+v, %v", stored, err)
	}
	if n := rec.count(notify.EventJobStarted, j.ID); n != 1 {
		t.Errorf("started events = %d", n)
	}
	if n := rec.count(notify.EventSegmentReady, j.ID); n != 3 {
		t.Errorf("segment events = %d, want 3", n)
	}
	if ev := rec.waitFinished(t); ev.State != string(store.StateSucceeded) || ev.Segments != 3 {
		t.Errorf("finished event = %+v", ev)
	}
	if len(m.Active()) != 0 {
		t.Error("job still active after finishing")
	}
	if dir, ok := m.OutputDir(j.ID); !ok || dir != j.OutputDir {
		t.Errorf("OutputDir = %q %v", dir, ok)
	}
}

func TestManager_FailedJob(t *testing.T) {
	t.Parallel()
	m, rec, _ := newTestManager(t, 0)

	j, err := m.Start("", "ingest", ingest.Header{}, source.NewMemory([]byte("definitely not media")))
	if err != nil {
		t.Fatal(err)
	}
	if j.Key != j.ID {
		t.Errorf("empty key not defaulted to the job ID: %q", j.Key)
	}
	got, err := j.Wait(context.Background())
	if !errors.Is(err, media.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if got.State != store.StateFailed || got.ErrorKind != "open" || got.Error == "" || got.Segments != 0 {
		t.Errorf("record = %+v", got)
	}
	if ev := rec.waitFinished(t); ev.ErrorKind != "open" {
		t.Errorf("finished event = %+v", ev)
	}

	fetched, err := m.Get(context.Background(), j.ID)
	if err != nil || fetched.ErrorKind != "open" {
		t.Errorf("Get = %+v, %v", fetched, err)
	}
}

func TestManager_DuplicateKeyAndCancel(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, 0)

	pr, pw := source.NewPipe(0)
	defer pw.Close()
	first, err := m.Start("studio", "srt", ingest.Header{}, pr)
	if err != nil {
		t.Fatal(err)
	}

	dup := source.NewMemory([]byte("x"))
	if _, err := m.Start("studio", "srt", ingest.Header{}, dup); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("err = %v, want ErrDuplicateKey", err)
	}
	if _, err := dup.Read(make([]byte, 1)); err == nil {
		t.Error("rejected source left open")
	}

	active := m.Active()
	if len(active) != 1 || active[0].ID != first.ID || active[0].State != store.StateRunning {
		t.Fatalf("active = %+v", active)
	}
	running, err := m.Get(context.Background(), first.ID)
	if err != nil || running.State != store.StateRunning {
		t.Errorf("Get running = %+v, %v", running, err)
	}

	if err := m.Cancel(first.ID); err != nil {
		t.Fatal(err)
	}
	got, err := first.Wait(context.Background())
	if !errors.Is(err, media.ErrRead) {
		t.Fatalf("err = %v, want ErrRead", err)
	}
	if got.ErrorKind != "read" {
		t.Errorf("kind = %q", got.ErrorKind)
	}
	if err := m.Cancel(first.ID); err == nil {
		t.Error("Cancel of finished job succeeded")
	}

	// The key is free again.
	again, err := m.Start("studio", "srt", ingest.Header{}, source.NewMemory(generate(t, 2*time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := again.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestManager_ConcurrencyLimit(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, 1)

	// The first job holds the only slot until its producer finishes.
	pr, pw := source.NewPipe(0)
	blocking, err := m.Start("a", "srt", ingest.Header{}, pr)
	if err != nil {
		t.Fatal(err)
	}
	queued, err := m.Start("b", "srt", ingest.Header{}, source.NewMemory(generate(t, 2*time.Second)))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-queued.Done():
		t.Fatal("second job ran while the only slot was taken")
	case <-time.After(100 * time.Millisecond):
	}

	data := generate(t, 2*time.Second)
	go func() {
		pw.Write(data)
		pw.Close()
	}()
	for _, j := range []*Job{blocking, queued} {
		rec, err := j.Wait(context.Background())
		if err != nil {
			t.Fatalf("job %s: %v", j.Key, err)
		}
		if rec.Segments != 1 {
			t.Errorf("job %s: segments = %d, want 1", j.Key, rec.Segments)
		}
	}
}

func TestManager_AdmitsInStartOrder(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, 1)

	holdR, holdW := source.NewPipe(0)
	hold, err := m.Start("hold", "srt", ingest.Header{}, holdR)
	if err != nil {
		t.Fatal(err)
	}
	// second reads from a pipe whose producer blocks until the job is
	// admitted; third needs nothing. Neither may overtake the other.
	secondR, secondW := source.NewPipe(0)
	second, err := m.Start("second", "srt", ingest.Header{}, secondR)
	if err != nil {
		t.Fatal(err)
	}
	third, err := m.Start("third", "upload", ingest.Header{}, source.NewMemory(generate(t, time.Second)))
	if err != nil {
		t.Fatal(err)
	}

	data := generate(t, time.Second)
	go func() {
		secondW.Write(data)
		secondW.Close()
	}()
	go func() {
		holdW.Write(data)
		holdW.Close()
	}()

	if _, err := third.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-second.Done():
	default:
		t.Fatal("third job ran before the second")
	}
	for _, j := range []*Job{hold, second} {
		if _, err := j.Wait(context.Background()); err != nil {
			t.Errorf("job %s: %v", j.Key, err)
		}
	}
}

func TestManager_CancelWhileQueued(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, 1)

	holdR, holdW := source.NewPipe(0)
	defer holdW.Close()
	if _, err := m.Start("hold", "srt", ingest.Header{}, holdR); err != nil {
		t.Fatal(err)
	}
	queued, err := m.Start("queued", "srt", ingest.Header{}, source.NewMemory(generate(t, time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(queued.ID); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := queued.Wait(ctx)
	if !errors.Is(err, media.ErrRead) || rec.ErrorKind != "read" {
		t.Errorf("err = %v, record = %+v", err, rec)
	}
}

func TestManager_List(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, 0)

	for _, key := range []string{"one", "two"} {
		j, err := m.Start(key, "upload", ingest.Header{}, source.NewMemory(generate(t, time.Second)))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := j.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	jobs, err := m.List(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("listed %d jobs", len(jobs))
	}
	for _, j := range jobs {
		if j.State != store.StateSucceeded {
			t.Errorf("job %s state = %s", j.ID, j.State)
		}
	}
	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get unknown: %v", err)
	}
	if _, ok := m.OutputDir("../etc"); ok {
		t.Error("OutputDir accepted a path")
	}
}

func TestManager_Shutdown(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, 0)

	pr, pw := source.NewPipe(0)
	defer pw.Close()
	j, err := m.Start("live", "srt", ingest.Header{}, pr)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-j.Done():
	default:
		t.Fatal("job still running after Shutdown")
	}
	if rec := j.Record(); rec.State != store.StateFailed || rec.ErrorKind != "read" {
		t.Errorf("record = %+v", rec)
	}
	if _, err := m.Start("late", "srt", ingest.Header{}, source.NewMemory(nil)); !errors.Is(err, ErrShutdown) {
		t.Errorf("Start after Shutdown: %v", err)
	}
}

func TestManager_RegistryIngest(t *testing.T) {
	t.Parallel()
	m, rec, _ := newTestManager(t, 0)
	reg := ingest.NewRegistry(0, m.OnIngest, ingest.RegistryOptTransport("srt"))

	h := ingest.Header{MimeType: "video/mp2t"}
	if _, err := reg.Accept(context.Background(), "pushed", "127.0.0.1:9000",
		ingest.Frame(h, bytes.NewReader(generate(t, 5*time.Second)))); err != nil {
		t.Fatal(err)
	}
	ev := rec.waitFinished(t)
	if ev.Key != "pushed" || ev.State != string(store.StateSucceeded) || ev.Segments != 2 {
		t.Errorf("finished event = %+v", ev)
	}
	got, err := m.Get(context.Background(), ev.JobID)
	if err != nil || got.Transport != "srt" {
		t.Errorf("record = %+v, %v", got, err)
	}
}

func TestManager_TruncatedHeaderStartsNothing(t *testing.T) {
	t.Parallel()
	m, rec, _ := newTestManager(t, 0)
	reg := ingest.NewRegistry(0, m.OnIngest)

	_, err := reg.Accept(context.Background(), "short", "", bytes.NewReader(make([]byte, 10)))
	if !errors.Is(err, media.ErrHeaderTruncated) {
		t.Fatalf("err = %v, want ErrHeaderTruncated", err)
	}
	jobs, err := m.List(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 || len(m.Active()) != 0 {
		t.Errorf("jobs = %+v", jobs)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 0 {
		t.Errorf("events = %+v", rec.events)
	}
}
