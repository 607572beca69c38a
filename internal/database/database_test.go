package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/polarfoxDev/anchor/internal/model"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRun(id string, started time.Time) model.BackupRun {
	return model.BackupRun{
		ID:         id,
		Name:       "Backup_" + started.Format("2006-01-02"),
		Kind:       model.KindIncremental,
		StartedAt:  started,
		RemotePath: "/Backups/Incremental/Backup_" + started.Format("2006-01-02") + ".gpg",
	}
}

func TestRunLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	run := testRun("run-1", time.Now())
	if err := db.StartRun(ctx, run); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	got, err := db.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.StatusInProgress || got.Stage != model.StageIdle {
		t.Fatalf("unexpected initial state: %s/%s", got.Status, got.Stage)
	}
	if got.CompletedAt != nil {
		t.Fatalf("expected nil completion time for running run")
	}

	if err := db.UpdateStage(ctx, "run-1", model.StageUpload); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}
	if err := db.FinishRun(ctx, "run-1", model.StatusSuccess, 1234, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err = db.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.StatusSuccess {
		t.Errorf("expected success, got %s", got.Status)
	}
	if got.Stage != model.StageDone {
		t.Errorf("expected stage done, got %s", got.Stage)
	}
	if got.BytesUploaded != 1234 {
		t.Errorf("expected 1234 bytes uploaded, got %d", got.BytesUploaded)
	}
	if got.CompletedAt == nil {
		t.Errorf("expected completion time to be set")
	}
	if got.Kind != model.KindIncremental {
		t.Errorf("expected incremental kind, got %s", got.Kind)
	}
}

func TestFinishRun_FailedKeepsStage(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.StartRun(ctx, testRun("run-f", time.Now())); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := db.UpdateStage(ctx, "run-f", model.StageUpload); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}
	if err := db.FinishRun(ctx, "run-f", model.StatusFailed, 0, errors.New("upload session expired")); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := db.GetRun(ctx, "run-f")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Stage != model.StageUpload {
		t.Errorf("expected failed run to keep stage upload, got %s", got.Stage)
	}
	if got.Error != "upload session expired" {
		t.Errorf("unexpected error text: %q", got.Error)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.GetRun(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestListRunsAndLastSuccessful(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	last, err := db.LastSuccessfulRun(ctx)
	if err != nil || last != nil {
		t.Fatalf("expected no successful run yet, got %v, %v", last, err)
	}

	base := time.Now().Add(-72 * time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		if err := db.StartRun(ctx, testRun(id, base.Add(time.Duration(i)*24*time.Hour))); err != nil {
			t.Fatalf("StartRun %s: %v", id, err)
		}
	}
	_ = db.FinishRun(ctx, "a", model.StatusSuccess, 1, nil)
	_ = db.FinishRun(ctx, "b", model.StatusSuccess, 2, nil)
	_ = db.FinishRun(ctx, "c", model.StatusFailed, 0, errors.New("boom"))
	if err := db.RecordSkipped(ctx, "d", "lock held"); err != nil {
		t.Fatalf("RecordSkipped: %v", err)
	}

	runs, err := db.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 4 {
		t.Fatalf("expected 4 runs, got %d", len(runs))
	}
	if runs[0].ID != "d" || runs[0].Status != model.StatusSkipped {
		t.Errorf("expected newest run to be the skipped one, got %s (%s)", runs[0].ID, runs[0].Status)
	}

	limited, err := db.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 runs with limit, got %d", len(limited))
	}

	last, err = db.LastSuccessfulRun(ctx)
	if err != nil {
		t.Fatalf("LastSuccessfulRun: %v", err)
	}
	if last == nil || last.ID != "b" {
		t.Fatalf("expected run b as last success, got %#v", last)
	}
}

func TestCleanupInterruptedRuns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_ = db.StartRun(ctx, testRun("x", time.Now().Add(-time.Hour)))
	_ = db.StartRun(ctx, testRun("y", time.Now()))
	_ = db.FinishRun(ctx, "y", model.StatusSuccess, 0, nil)

	n, err := db.CleanupInterruptedRuns(ctx)
	if err != nil {
		t.Fatalf("CleanupInterruptedRuns: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 interrupted run, got %d", n)
	}
	got, _ := db.GetRun(ctx, "x")
	if got.Status != model.StatusAborted {
		t.Fatalf("expected aborted, got %s", got.Status)
	}
}
