package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polarfoxDev/anchor/internal/auth"
	"github.com/polarfoxDev/anchor/internal/database"
	"github.com/polarfoxDev/anchor/internal/lockfile"
	"github.com/polarfoxDev/anchor/internal/logging"
	"github.com/polarfoxDev/anchor/internal/model"
)

type testServer struct {
	handler http.Handler
	db      *database.DB
	lock    *lockfile.Lock
}

func newTestServer(t *testing.T, password string) *testServer {
	t.Helper()
	dir := t.TempDir()
	db, err := database.InitDB(filepath.Join(dir, "anchor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger, err := logging.New(db.GetDB(), io.Discard, "")
	require.NoError(t, err)

	run := model.BackupRun{ID: "run-1", Name: "Backup_2024-05-01", Kind: model.KindFull, StartedAt: time.Now()}
	require.NoError(t, db.StartRun(context.Background(), run))
	require.NoError(t, db.FinishRun(context.Background(), "run-1", model.StatusSuccess, 42, nil))
	logger.NewRunLogger("run-1").Info("Uploading to dropbox.")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	lock := lockfile.New(filepath.Join(dir, "anchor.lock"))
	return &testServer{
		handler: NewRouter(Deps{DB: db, Logger: logger, Lock: lock, Auth: auth.New(ctx, password)}),
		db:      db,
		lock:    lock,
	}
}

func (s *testServer) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")
	rec := s.get(t, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRuns(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.get(t, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []model.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, int64(42), runs[0].BytesUploaded)

	rec = s.get(t, "/api/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run model.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, model.StatusSuccess, run.Status)
	assert.Equal(t, model.StageDone, run.Stage)

	assert.Equal(t, http.StatusNotFound, s.get(t, "/api/runs/nope", "").Code)

	rec = s.get(t, "/api/runs/run-1/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []logging.LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "Uploading to dropbox.", entries[0].Message)

	rec = s.get(t, "/api/runs/nope/logs", "")
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestLockEndpoint(t *testing.T) {
	s := newTestServer(t, "")

	assert.Contains(t, s.get(t, "/api/lock", "").Body.String(), `"locked":false`)
	require.NoError(t, os.WriteFile(s.lock.Path(), []byte("locked"), 0o644))
	assert.Contains(t, s.get(t, "/api/lock", "").Body.String(), `"locked":true`)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, "pw")

	assert.Equal(t, http.StatusOK, s.get(t, "/api/health", "").Code, "health stays public")
	assert.Equal(t, http.StatusUnauthorized, s.get(t, "/api/runs", "").Code)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"password":"pw"}`))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Token)

	assert.Equal(t, http.StatusOK, s.get(t, "/api/runs", body.Token).Code)
}
