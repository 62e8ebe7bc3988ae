package database

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func TestStartAndGetJob(t *testing.T) {
	db := openTestDB(t)
	if err := db.StartJob(&JobRecord{ID: "job-1", Kind: "prompts", Model: "sonnet"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	j, err := db.GetJob("job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j == nil {
		t.Fatal("expected job, got nil")
	}
	if j.Status != StatusRunning {
		t.Errorf("expected status running, got %q", j.Status)
	}
	if j.Phase != "pending" {
		t.Errorf("expected phase pending, got %q", j.Phase)
	}
	if j.Model != "sonnet" {
		t.Errorf("expected model sonnet, got %q", j.Model)
	}
	if j.StartedAt.IsZero() {
		t.Error("expected started_at to be set")
	}
	if j.FinishedAt != nil {
		t.Error("expected finished_at to be nil")
	}
}

func TestGetJobMissing(t *testing.T) {
	db := openTestDB(t)
	j, err := db.GetJob("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j != nil {
		t.Errorf("expected nil, got %+v", j)
	}
}

func TestUpdateAndFinishJob(t *testing.T) {
	db := openTestDB(t)
	j := &JobRecord{ID: "job-1", Kind: "work"}
	db.StartJob(j)

	j.Phase = "chunk_analyzing"
	j.CurrentChunk = 2
	j.TotalChunks = 3
	j.RecordCount = 40
	if err := db.UpdateJob(j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, _ := db.GetJob("job-1")
	if got.CurrentChunk != 2 || got.TotalChunks != 3 || got.RecordCount != 40 {
		t.Errorf("unexpected counters: %+v", got)
	}
	if got.Status != StatusRunning {
		t.Errorf("expected status running after update, got %q", got.Status)
	}

	j.Status = StatusComplete
	j.Phase = "complete"
	j.ArtifactID = ptr("artifact-1")
	j.FailedChunks = 1
	if err := db.FinishJob(j); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	got, _ = db.GetJob("job-1")
	if got.Status != StatusComplete {
		t.Errorf("expected status complete, got %q", got.Status)
	}
	if got.ArtifactID == nil || *got.ArtifactID != "artifact-1" {
		t.Errorf("expected artifact id, got %v", got.ArtifactID)
	}
	if got.FailedChunks != 1 {
		t.Errorf("expected 1 failed chunk, got %d", got.FailedChunks)
	}
	if got.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}
}

func TestRecentJobsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	db.StartJob(&JobRecord{ID: "old", Kind: "prompts", StartedAt: base})
	db.StartJob(&JobRecord{ID: "new", Kind: "prompts", StartedAt: base.Add(time.Hour)})
	db.StartJob(&JobRecord{ID: "mid", Kind: "work", StartedAt: base.Add(time.Minute)})

	jobs, err := db.RecentJobs(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != "new" || jobs[1].ID != "mid" {
		t.Errorf("unexpected order: %s, %s", jobs[0].ID, jobs[1].ID)
	}
}

func TestArtifactJobs(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	db.StartJob(&JobRecord{ID: "first", Kind: "prompts", ArtifactID: ptr("a1"), StartedAt: base})
	db.StartJob(&JobRecord{ID: "rerun", Kind: "prompts", ArtifactID: ptr("a1"), StartedAt: base.Add(time.Hour)})
	db.StartJob(&JobRecord{ID: "other", Kind: "prompts", ArtifactID: ptr("a2"), StartedAt: base.Add(time.Minute)})
	db.StartJob(&JobRecord{ID: "same-id-other-kind", Kind: "work", ArtifactID: ptr("a1"), StartedAt: base})
	db.StartJob(&JobRecord{ID: "unsaved", Kind: "prompts", StartedAt: base})

	jobs, err := db.ArtifactJobs("prompts", "a1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != "rerun" || jobs[1].ID != "first" {
		t.Errorf("unexpected order: %s, %s", jobs[0].ID, jobs[1].ID)
	}

	jobs, err = db.ArtifactJobs("prompts", "missing", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs == nil || len(jobs) != 0 {
		t.Errorf("expected an empty list, got %v", jobs)
	}
}

func TestMarkInterrupted(t *testing.T) {
	db := openTestDB(t)
	db.StartJob(&JobRecord{ID: "stale", Kind: "prompts"})
	done := &JobRecord{ID: "done", Kind: "prompts"}
	db.StartJob(done)
	done.Status = StatusComplete
	db.FinishJob(done)

	n, err := db.MarkInterrupted()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 interrupted job, got %d", n)
	}

	stale, _ := db.GetJob("stale")
	if stale.Status != StatusError {
		t.Errorf("expected status error, got %q", stale.Status)
	}
	if stale.Error == nil || *stale.Error != "interrupted" {
		t.Errorf("expected interrupted error, got %v", stale.Error)
	}

	kept, _ := db.GetJob("done")
	if kept.Status != StatusComplete {
		t.Errorf("expected completed job untouched, got %q", kept.Status)
	}
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)

	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalJobs != 0 || stats.LastRun != nil {
		t.Errorf("expected empty stats, got %+v", stats)
	}

	db.StartJob(&JobRecord{ID: "a", Kind: "prompts"})
	b := &JobRecord{ID: "b", Kind: "work"}
	db.StartJob(b)
	b.Status = StatusError
	b.Error = ptr("analysis timed out")
	db.FinishJob(b)

	stats, err = db.GetStats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalJobs != 2 {
		t.Errorf("expected 2 jobs, got %d", stats.TotalJobs)
	}
	if stats.ByStatus[StatusRunning] != 1 || stats.ByStatus[StatusError] != 1 {
		t.Errorf("unexpected status counts: %v", stats.ByStatus)
	}
	if stats.ByKind["prompts"] != 1 || stats.ByKind["work"] != 1 {
		t.Errorf("unexpected kind counts: %v", stats.ByKind)
	}
	if stats.LastRun == nil {
		t.Error("expected last run to be set")
	}
}
