package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/polarfoxDev/anchor/internal/backup"
	"github.com/polarfoxDev/anchor/internal/config"
	"github.com/polarfoxDev/anchor/internal/database"
	"github.com/polarfoxDev/anchor/internal/lockfile"
	"github.com/polarfoxDev/anchor/internal/model"
)

const statusRunLimit = 10

// printStatus shows the lock, the backup rotation and the recent run history
func printStatus(ctx context.Context, cfg *config.Config, w io.Writer) error {
	locked, err := lockfile.New(cfg.General.LockFile).Locked()
	if err != nil {
		return err
	}
	lockState := "free"
	if locked {
		lockState = "held"
	}
	fmt.Fprintf(w, "Lock file:    %s (%s)\n", cfg.General.LockFile, lockState)

	layout, err := backup.LayoutFor(cfg.General.Layout)
	if err != nil {
		return err
	}
	n, err := backup.CountBackups(layout, cfg.Backup.TargetDir)
	if err != nil {
		return err
	}
	k := cfg.General.FullBackupInterval
	next := model.KindIncremental
	if backup.IsFull(n, k) {
		next = model.KindFull
	}
	fmt.Fprintf(w, "Backups:      %d in %s (%s layout)\n", n, cfg.Backup.TargetDir, cfg.General.Layout)
	fmt.Fprintf(w, "Next run:     %s, then next full backup in %d runs\n", next, backup.NextFullIn(n, k))

	if _, err := os.Stat(cfg.General.StateDB); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(w, "\nNo run history yet")
		return nil
	}
	db, err := database.InitDB(cfg.General.StateDB)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	if last, err := db.LastSuccessfulRun(ctx); err != nil {
		return err
	} else if last != nil {
		fmt.Fprintf(w, "Last success: %s (%s, %s uploaded)\n", last.Name, humanize.Time(last.StartedAt), humanize.IBytes(uint64(last.BytesUploaded)))
	}

	runs, err := db.ListRuns(ctx, statusRunLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "\nNo run history yet")
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tNAME\tKIND\tSTATUS\tSTAGE\tUPLOADED\tERROR")
	for _, r := range runs {
		name, kind := r.Name, string(r.Kind)
		if name == "" {
			name = "-"
		}
		if kind == "" {
			kind = "-"
		}
		errText := r.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), name, kind, r.Status, r.Stage,
			humanize.IBytes(uint64(r.BytesUploaded)), errText)
	}
	return tw.Flush()
}
