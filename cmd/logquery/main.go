package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/polarfoxDev/anchor/internal/database"
	"github.com/polarfoxDev/anchor/internal/helpers"
	"github.com/polarfoxDev/anchor/internal/logging"
)

func main() {
	dbPath := pflag.String("db", helpers.EnvDefault("ANCHOR_DB", "/var/lib/anchor/anchor.db"), "Path to the state database")
	runID := pflag.String("run", "", "Filter by run ID")
	level := pflag.String("level", "", "Filter by log level (DEBUG, INFO, WARN, ERROR)")
	since := pflag.String("since", "", "Filter logs since time (RFC3339 format)")
	until := pflag.String("until", "", "Filter logs until time (RFC3339 format)")
	limit := pflag.Int("limit", 100, "Maximum number of logs to return")
	prune := pflag.Duration("prune", 0, "Prune logs older than duration (e.g. 720h for 30 days)")
	pflag.Parse()

	db, err := database.InitDB(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	logger, err := logging.New(db.GetDB(), os.Stderr, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}

	if *prune > 0 {
		deleted, err := logger.PruneOldLogs(*prune)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error pruning logs: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Pruned %d log entries older than %v\n", deleted, *prune)
		return
	}

	opts := logging.QueryOptions{
		RunID: *runID,
		Limit: *limit,
	}
	if *level != "" {
		opts.Level = logging.LogLevel(strings.ToUpper(*level))
	}
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid since time format: %v\n", err)
			os.Exit(1)
		}
		opts.Since = t
	}
	if *until != "" {
		t, err := time.Parse(time.RFC3339, *until)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid until time format: %v\n", err)
			os.Exit(1)
		}
		opts.Until = t
	}

	entries, err := logger.Query(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying logs: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No logs found matching criteria")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tLEVEL\tRUN\tMESSAGE")
	fmt.Fprintln(w, "─────────\t─────\t───\t───────")
	for _, entry := range entries {
		run := helpers.TruncateString(entry.RunID, 8)
		if run == "" {
			run = "-"
		}
		msg := entry.Message
		if len(msg) > 80 {
			msg = msg[:77] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Level, run, msg)
	}
	w.Flush()
	fmt.Printf("\nShowing %d results\n", len(entries))
}
