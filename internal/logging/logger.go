package logging

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/polarfoxDev/anchor/internal/helpers"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// fileTimestamp is the timestamp layout used in the daily backup log file
const fileTimestamp = "2006-01-02 15:04:05.000000"

// Logger writes every entry to the console, to the day's backup log file and to the database.
// Any sink may be absent: a nil db or an empty logDir disables that sink.
type Logger struct {
	db      *sql.DB
	console io.Writer
	logDir  string
	now     func() time.Time
	mu      sync.Mutex
}

// LogEntry represents a single log entry
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	RunID     string    `json:"runId"`
}

// New creates a new Logger using an existing database connection.
// The caller is responsible for closing the database connection.
func New(db *sql.DB, console io.Writer, logDir string) (*Logger, error) {
	if console == nil {
		console = os.Stdout
	}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}

	return &Logger{
		db:      db,
		console: console,
		logDir:  logDir,
		now:     time.Now,
	}, nil
}

// FilePath returns the backup log file that receives entries written at t
func (l *Logger) FilePath(t time.Time) string {
	if l.logDir == "" {
		return ""
	}
	return filepath.Join(l.logDir, fmt.Sprintf("Backup_%s.txt", t.Format("2006-01-02")))
}

// Log writes a log entry to all configured sinks
func (l *Logger) Log(level LogLevel, runID string, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	message := fmt.Sprintf(format, args...)
	timestamp := l.now()

	prefix := timestamp.Format("2006-01-02 15:04:05")
	if runID != "" {
		prefix += fmt.Sprintf(" [%s]", helpers.TruncateString(runID, 8))
	}
	fmt.Fprintf(l.console, "%s %s: %s\n", prefix, level, message)

	if path := l.FilePath(timestamp); path != "" {
		if err := appendLine(path, fmt.Sprintf("%s: %s\n", timestamp.Format(fileTimestamp), message)); err != nil {
			fmt.Fprintf(l.console, "ERROR: failed to write log file: %v\n", err)
		}
	}

	if l.db == nil {
		return
	}
	_, err := l.db.Exec(
		"INSERT INTO logs (timestamp, level, message, run_id) VALUES (?, ?, ?, ?)",
		timestamp, string(level), message, nullString(runID),
	)
	if err != nil {
		// If DB write fails, at least we have console and file output
		fmt.Fprintf(l.console, "ERROR: failed to write to log database: %v\n", err)
	}
}

// appendLine opens the file for every line so a daily rollover needs no bookkeeping
func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Write appends a plain line to the backup log
func (l *Logger) Write(line string) {
	l.Log(LevelInfo, "", "%s", line)
}

// Info logs an info-level message
func (l *Logger) Info(format string, args ...any) {
	l.Log(LevelInfo, "", format, args...)
}

// Warn logs a warning-level message
func (l *Logger) Warn(format string, args ...any) {
	l.Log(LevelWarn, "", format, args...)
}

// Error logs an error-level message
func (l *Logger) Error(format string, args ...any) {
	l.Log(LevelError, "", format, args...)
}

// Debug logs a debug-level message
func (l *Logger) Debug(format string, args ...any) {
	l.Log(LevelDebug, "", format, args...)
}

// QueryOptions defines filters for querying logs
type QueryOptions struct {
	RunID string
	Level LogLevel
	Since time.Time
	Until time.Time
	Limit int
}

// Query retrieves log entries based on filters, newest first
func (l *Logger) Query(opts QueryOptions) ([]LogEntry, error) {
	if l.db == nil {
		return nil, fmt.Errorf("query logs: no database configured")
	}
	query := "SELECT id, timestamp, level, message, COALESCE(run_id, '') FROM logs WHERE 1=1"
	args := []any{}

	if opts.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, opts.RunID)
	}
	if opts.Level != "" {
		query += " AND level = ?"
		args = append(args, string(opts.Level))
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since)
	}
	if !opts.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, opts.Until)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	return l.scan(query, args...)
}

// QueryByRunID retrieves the log entries of one run in the order they were written
func (l *Logger) QueryByRunID(runID string, limit int) ([]LogEntry, error) {
	if l.db == nil {
		return nil, fmt.Errorf("query logs by run ID: no database configured")
	}
	query := "SELECT id, timestamp, level, message, COALESCE(run_id, '') FROM logs WHERE run_id = ? ORDER BY id ASC"
	args := []any{runID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return l.scan(query, args...)
}

func (l *Logger) scan(query string, args ...any) ([]LogEntry, error) {
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	// Initialize as empty slice so JSON encodes as [] instead of null
	entries := make([]LogEntry, 0)
	for rows.Next() {
		var e LogEntry
		var levelStr string
		if err := rows.Scan(&e.ID, &e.Timestamp, &levelStr, &e.Message, &e.RunID); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		e.Level = LogLevel(levelStr)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// PruneOldLogs removes database log entries older than the specified duration.
// Daily log files are left alone.
func (l *Logger) PruneOldLogs(olderThan time.Duration) (int64, error) {
	if l.db == nil {
		return 0, nil
	}
	cutoff := l.now().Add(-olderThan)
	result, err := l.db.Exec("DELETE FROM logs WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune logs: %w", err)
	}
	return result.RowsAffected()
}

// nullString returns a sql.NullString for use with nullable columns
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// RunLogger wraps a Logger with the id of the backup run it belongs to
type RunLogger struct {
	logger *Logger
	runID  string
}

// NewRunLogger creates a RunLogger tagging every entry with runID
func (l *Logger) NewRunLogger(runID string) *RunLogger {
	return &RunLogger{logger: l, runID: runID}
}

// RunID returns the id attached to every entry
func (rl *RunLogger) RunID() string { return rl.runID }

// Info logs an info-level message with run context
func (rl *RunLogger) Info(format string, args ...any) {
	rl.logger.Log(LevelInfo, rl.runID, format, args...)
}

// Warn logs a warning-level message with run context
func (rl *RunLogger) Warn(format string, args ...any) {
	rl.logger.Log(LevelWarn, rl.runID, format, args...)
}

// Error logs an error-level message with run context
func (rl *RunLogger) Error(format string, args ...any) {
	rl.logger.Log(LevelError, rl.runID, format, args...)
}

// Debug logs a debug-level message with run context
func (rl *RunLogger) Debug(format string, args ...any) {
	rl.logger.Log(LevelDebug, rl.runID, format, args...)
}
