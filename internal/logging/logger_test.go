package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/polarfoxDev/anchor/internal/database"
)

// helper function to create a test database with proper schema
func setupTestDB(t *testing.T) *database.DB {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := database.InitDB(dbPath)
	if err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}

	return db
}

func TestLogger_BasicLogging(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	console := &bytes.Buffer{}
	logger, err := New(db.GetDB(), console, "")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.Info("test info message")
	logger.Warn("test warning message")
	logger.Error("test error message")

	output := console.String()
	for _, want := range []string{"INFO: test info message", "WARN: test warning message", "ERROR: test error message"} {
		if !strings.Contains(output, want) {
			t.Errorf("console output missing %q: %s", want, output)
		}
	}
}

func TestLogger_DailyFile(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")
	logger, err := New(nil, &bytes.Buffer{}, logDir)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	day1 := time.Date(2024, 3, 9, 23, 59, 58, 0, time.Local)
	day2 := day1.Add(5 * time.Second)

	logger.now = func() time.Time { return day1 }
	logger.Write("Starting incremental backup.")
	logger.Write("Creating directory structure.")
	logger.now = func() time.Time { return day2 }
	logger.Write("Running: tar cf Backup_2024-03-09.tar /mnt/backup/Incremental/Backup_2024-03-09")

	first, err := os.ReadFile(filepath.Join(logDir, "Backup_2024-03-09.txt"))
	if err != nil {
		t.Fatalf("read first day log: %v", err)
	}
	want := "2024-03-09 23:59:58.000000: Starting incremental backup.\n" +
		"2024-03-09 23:59:58.000000: Creating directory structure.\n"
	if string(first) != want {
		t.Errorf("unexpected first day log:\n%s\nwant:\n%s", first, want)
	}

	second, err := os.ReadFile(filepath.Join(logDir, "Backup_2024-03-10.txt"))
	if err != nil {
		t.Fatalf("read second day log: %v", err)
	}
	if !strings.HasPrefix(string(second), "2024-03-10 00:00:03.000000: Running: tar cf") {
		t.Errorf("unexpected second day log: %s", second)
	}
}

func TestLogger_RunLogging(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	console := &bytes.Buffer{}
	logger, err := New(db.GetDB(), console, "")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	rl := logger.NewRunLogger("0f8fad5b-d9cb-469f-a165-70867728950e")
	rl.Info("backup started")
	rl.Warn("milestone notification failed")
	logger.NewRunLogger("7c9e6679-7425-40de-944b-e07fc1f90ae7").Info("other run")

	if !strings.Contains(console.String(), "[0f8fad5b]") {
		t.Errorf("console output missing run prefix: %s", console.String())
	}

	entries, err := logger.QueryByRunID("0f8fad5b-d9cb-469f-a165-70867728950e", 0)
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "backup started" || entries[1].Level != LevelWarn {
		t.Errorf("unexpected entries: %#v", entries)
	}
}

func TestLogger_QueryByLevel(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	logger, err := New(db.GetDB(), &bytes.Buffer{}, "")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.Info("info message")
	logger.Error("error message")
	logger.Warn("warning message")
	logger.Error("another error")

	entries, err := logger.Query(QueryOptions{Level: LevelError})
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 error entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Level != LevelError {
			t.Errorf("expected level ERROR, got %s", e.Level)
		}
	}
}

func TestLogger_QueryByTimeRange(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	logger, err := New(db.GetDB(), &bytes.Buffer{}, "")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	start := time.Now()
	logger.Info("message 1")
	time.Sleep(10 * time.Millisecond)
	middle := time.Now()
	time.Sleep(10 * time.Millisecond)
	logger.Info("message 2")
	end := time.Now()

	entries, err := logger.Query(QueryOptions{Since: middle})
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after middle, got %d", len(entries))
	}
	if entries[0].Message != "message 2" {
		t.Errorf("expected 'message 2', got '%s'", entries[0].Message)
	}

	entries, err = logger.Query(QueryOptions{Since: start, Until: end})
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries in range, got %d", len(entries))
	}
}

func TestLogger_QueryWithLimit(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	logger, err := New(db.GetDB(), &bytes.Buffer{}, "")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	for i := 0; i < 10; i++ {
		logger.Info("message %d", i)
	}

	entries, err := logger.Query(QueryOptions{Limit: 5})
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
}

func TestLogger_PruneOldLogs(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	logger, err := New(db.GetDB(), &bytes.Buffer{}, "")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.Info("message 1")
	logger.Info("message 2")
	logger.Info("message 3")

	deleted, err := logger.PruneOldLogs(1 * time.Hour)
	if err != nil {
		t.Fatalf("failed to prune logs: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected 0 deleted entries, got %d", deleted)
	}

	// Prune logs older than -1 hour (should delete all)
	deleted, err = logger.PruneOldLogs(-1 * time.Hour)
	if err != nil {
		t.Fatalf("failed to prune logs: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted entries, got %d", deleted)
	}

	entries, err := logger.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("failed to query logs: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected 0 entries after pruning, got %d", len(entries))
	}
}

func TestLogger_WithoutDatabase(t *testing.T) {
	console := &bytes.Buffer{}
	logger, err := New(nil, console, "")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.Info("test message %d", 42)
	if !bytes.Contains(console.Bytes(), []byte("INFO: test message 42")) {
		t.Errorf("console output missing message: %s", console.String())
	}
	if _, err := logger.Query(QueryOptions{}); err == nil {
		t.Errorf("expected query without database to fail")
	}
}
