package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/polarfoxDev/anchor/internal/backup"
	"github.com/polarfoxDev/anchor/internal/config"
	"github.com/polarfoxDev/anchor/internal/database"
	"github.com/polarfoxDev/anchor/internal/lockfile"
	"github.com/polarfoxDev/anchor/internal/logging"
	"github.com/polarfoxDev/anchor/internal/metrics"
	"github.com/polarfoxDev/anchor/internal/model"
	"github.com/polarfoxDev/anchor/internal/notify"
)

// Env is everything one invocation needs. It is built once by the entry point and
// passed down; nothing in the run reaches for process-wide state.
type Env struct {
	Config       *config.Config
	Log          *logging.Logger
	Lock         *lockfile.Lock
	Notifier     notify.Notifier
	Orchestrator *backup.Orchestrator
	DB           *database.DB      // optional
	Metrics      *metrics.Recorder // optional

	Now   func() time.Time
	NewID func() string
}

// Outcome is the result of one invocation
type Outcome struct {
	RunID  string
	Status model.RunStatus
	Err    error
}

// ExitCode maps the outcome to the process exit status
func (o Outcome) ExitCode() int {
	if o.Err != nil {
		return 1
	}
	return 0
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Env) notifier() notify.Notifier {
	if e.Notifier == nil {
		return notify.Nop{}
	}
	return e.Notifier
}

// Invoke runs one guarded backup: take the lock, run the orchestrator, report the outcome
// and release the lock again if this invocation took it.
func (e *Env) Invoke(ctx context.Context) Outcome {
	runID := e.newID()
	log := e.Log.NewRunLogger(runID)
	started := e.now()

	acquired, err := e.Lock.TryLock()
	if err != nil {
		err = fmt.Errorf("acquire lock: %w", err)
		log.Error("Got exception: %v", err)
		return e.finish(log, Outcome{RunID: runID, Status: model.StatusFailed, Err: e.notifyFailure(ctx, log, err)}, "", started, 0)
	}
	if !acquired {
		return e.skip(ctx, log, runID, started)
	}
	defer func() {
		if err := e.Lock.Unlock(); err != nil {
			log.Error("failed to release lock %s: %v", e.Lock.Path(), err)
		}
	}()
	e.cleanupInterrupted(ctx, log)

	plan, err := e.Orchestrator.Plan(runID, started)
	if err != nil {
		plan = model.BackupRun{ID: runID, Name: backup.BackupName(started), StartedAt: started}
	}
	if e.DB != nil {
		if dbErr := e.DB.StartRun(ctx, plan); dbErr != nil {
			log.Warn("%v", dbErr)
		}
	}
	if e.Metrics != nil && err == nil {
		e.Metrics.ObservePlan(plan)
	}

	var uploaded int64
	if err == nil {
		uploaded, err = e.Orchestrator.Run(ctx, plan, backup.Hooks{Log: log, OnStage: e.stageRecorder(ctx, log, runID)})
	}
	if err != nil {
		log.Error("Got exception: %v", err)
		e.record(ctx, log, runID, model.StatusFailed, uploaded, err)
		out := Outcome{RunID: runID, Status: model.StatusFailed, Err: e.notifyFailure(ctx, log, err)}
		return e.finish(log, out, plan.Kind, started, uploaded)
	}

	e.record(ctx, log, runID, model.StatusSuccess, uploaded, nil)
	out := Outcome{RunID: runID, Status: model.StatusSuccess}
	body := fmt.Sprintf("Backup %s (%s) completed.\nUploaded %s to %s.\nNext full backup in %d runs.\n",
		plan.Name, plan.Kind, humanize.IBytes(uint64(uploaded)), plan.RemotePath, plan.NextFullIn)
	if nerr := notify.Must(ctx, e.notifier(), "Backup successful", body); nerr != nil {
		log.Error("%v", nerr)
		out.Err = nerr
	}
	return e.finish(log, out, plan.Kind, started, uploaded)
}

// skip handles a lock held by someone else: one notification, no lock mutation
func (e *Env) skip(ctx context.Context, log *logging.RunLogger, runID string, started time.Time) Outcome {
	log.Info("Lock file is locked. Assuming process already running. Exiting.")
	if e.DB != nil {
		if err := e.DB.RecordSkipped(ctx, runID, "lock file present: "+e.Lock.Path()); err != nil {
			log.Warn("%v", err)
		}
	}
	out := Outcome{RunID: runID, Status: model.StatusSkipped}
	body := fmt.Sprintf("Lock file %s is present. Assuming another backup is running.\n", e.Lock.Path())
	if err := notify.Must(ctx, e.notifier(), "Backup not started", body); err != nil {
		log.Error("%v", err)
		out.Err = err
	}
	return e.finish(log, out, "", started, 0)
}

// cleanupInterrupted marks runs left in progress as aborted. Only the lock holder may
// do this: while the lock is held elsewhere an in-progress record belongs to a live run.
func (e *Env) cleanupInterrupted(ctx context.Context, log *logging.RunLogger) {
	if e.DB == nil {
		return
	}
	n, err := e.DB.CleanupInterruptedRuns(ctx)
	if err != nil {
		log.Warn("failed to clean up interrupted runs: %v", err)
		return
	}
	if n > 0 {
		log.Warn("marked %d interrupted run(s) as aborted", n)
	}
}

// notifyFailure sends the failure mail and returns the run error, joined with the
// notification error when that failed too
func (e *Env) notifyFailure(ctx context.Context, log *logging.RunLogger, runErr error) error {
	body := fmt.Sprintf("Backup failed.\n\n%v\n", runErr)
	var stepErr *backup.StepError
	if errors.As(runErr, &stepErr) {
		body = fmt.Sprintf("Backup failed during %s.\n\n%v\n", stepErr.Stage, stepErr.Err)
	}
	if err := notify.Must(ctx, e.notifier(), "Backup failed", body); err != nil {
		log.Error("%v", err)
		return errors.Join(runErr, err)
	}
	return runErr
}

func (e *Env) stageRecorder(ctx context.Context, log *logging.RunLogger, runID string) func(model.Stage) {
	return func(stage model.Stage) {
		if e.DB == nil {
			return
		}
		if err := e.DB.UpdateStage(ctx, runID, stage); err != nil {
			log.Warn("%v", err)
		}
	}
}

func (e *Env) record(ctx context.Context, log *logging.RunLogger, runID string, status model.RunStatus, uploaded int64, runErr error) {
	if e.DB == nil {
		return
	}
	// the run context may already be cancelled; the record must still be written
	if err := e.DB.FinishRun(context.WithoutCancel(ctx), runID, status, uploaded, runErr); err != nil {
		log.Warn("%v", err)
	}
}

func (e *Env) finish(log *logging.RunLogger, out Outcome, kind model.Kind, started time.Time, uploaded int64) Outcome {
	if e.Metrics != nil {
		e.Metrics.ObserveFinish(out.Status, kind, started, e.now(), uploaded)
		if err := e.Metrics.Flush(); err != nil {
			log.Warn("failed to write metrics: %v", err)
		}
	}
	return out
}
