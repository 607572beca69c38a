// Package api serves the read-only status API: run history, per-run logs and the
// state of the lock file.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/polarfoxDev/anchor/internal/auth"
	"github.com/polarfoxDev/anchor/internal/database"
	"github.com/polarfoxDev/anchor/internal/lockfile"
	"github.com/polarfoxDev/anchor/internal/logging"
	"github.com/polarfoxDev/anchor/internal/model"
)

const (
	defaultRunLimit = 50
	defaultLogLimit = 1000
)

// Deps are the stores the handlers read from
type Deps struct {
	DB          *database.DB
	Logger      *logging.Logger
	Lock        *lockfile.Lock
	Auth        *auth.Auth
	CORSOrigins []string
}

// NewRouter builds the chi router with middleware and all routes
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	a := d.Auth
	if a == nil {
		a = auth.New(context.Background(), "")
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handleHealth())
		r.Post("/auth/login", a.LoginHandler)
		r.Post("/auth/logout", a.LogoutHandler)

		r.Group(func(r chi.Router) {
			r.Use(a.Middleware)
			r.Get("/runs", handleListRuns(d.DB))
			r.Get("/runs/{id}", handleGetRun(d.DB))
			r.Get("/runs/{id}/logs", handleGetRunLogs(d.Logger))
			r.Get("/lock", handleLock(d.Lock))
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>Anchor Status</title></head>
<body>
	<h1>Anchor Backup Status API</h1>
	<ul>
		<li><a href="/api/health">/api/health</a> - Health check</li>
		<li><a href="/api/runs">/api/runs</a> - Recent backup runs</li>
		<li>/api/runs/{id} - One backup run</li>
		<li>/api/runs/{id}/logs - Log lines of one run</li>
		<li><a href="/api/lock">/api/lock</a> - Lock file state</li>
	</ul>
</body>
</html>`)
	})

	return r
}

// GET /api/health
func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]any{
			"status": "ok",
			"time":   time.Now().UTC(),
		})
	}
}

// GET /api/runs?limit=N - newest first
func handleListRuns(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := db.ListRuns(r.Context(), queryLimit(r, defaultRunLimit))
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to list runs: %v", err), http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []*model.RunRecord{}
		}
		respondJSON(w, runs)
	}
}

// GET /api/runs/{id}
func handleGetRun(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := db.GetRun(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, database.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get run: %v", err), http.StatusInternalServerError)
			return
		}
		respondJSON(w, run)
	}
}

// GET /api/runs/{id}/logs?limit=N - in the order they were written
func handleGetRunLogs(logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs, err := logger.QueryByRunID(chi.URLParam(r, "id"), queryLimit(r, defaultLogLimit))
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get logs: %v", err), http.StatusInternalServerError)
			return
		}
		if logs == nil {
			logs = []logging.LogEntry{}
		}
		respondJSON(w, logs)
	}
}

// GET /api/lock
func handleLock(lock *lockfile.Lock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locked, err := lock.Locked()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to check lock: %v", err), http.StatusInternalServerError)
			return
		}
		respondJSON(w, map[string]any{
			"path":   lock.Path(),
			"locked": locked,
		})
	}
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
