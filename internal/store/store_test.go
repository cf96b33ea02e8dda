package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemory(t *testing.T) {
	t.Parallel()
	testStore(t, NewMemory())
}

// testStore exercises the behavior every Store implementation shares.
func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: err = %v, want ErrNotFound", err)
	}
	if err := s.Save(ctx, Job{}); err == nil {
		t.Error("Save without ID succeeded")
	}

	for i, id := range []string{"a", "b", "c"} {
		job := Job{
			ID:        id,
			Key:       "key-" + id,
			Transport: "upload",
			State:     StateRunning,
			OutputDir: "/tmp/" + id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Save(ctx, job); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	done := Job{
		ID:           "b",
		Key:          "key-b",
		Transport:    "upload",
		State:        StateFailed,
		OutputDir:    "/tmp/b",
		ManifestPath: "/tmp/b/output.m3u8",
		Segments:     3,
		Duration:     10 * time.Second,
		BytesRead:    4096,
		ErrorKind:    "read",
		Error:        "input read failed: reset",
		CreatedAt:    base.Add(time.Minute),
		FinishedAt:   base.Add(2 * time.Minute),
	}
	if err := s.Save(ctx, done); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateFailed || got.Segments != 3 || got.Duration != 10*time.Second ||
		got.ErrorKind != "read" || !got.FinishedAt.Equal(done.FinishedAt) {
		t.Errorf("updated job = %+v", got)
	}

	all, err := s.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("List order = %v", ids(all))
	}
	two, err := s.List(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(two) != 2 || two[0].ID != "c" || two[1].ID != "b" {
		t.Errorf("List(2) = %v", ids(two))
	}
}

func ids(jobs []Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
