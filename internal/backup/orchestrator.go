// Package backup drives one backup run: plan, copy against the mirror, archive,
// encrypt, upload and clean up.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/polarfoxDev/anchor/internal/command"
	"github.com/polarfoxDev/anchor/internal/config"
	"github.com/polarfoxDev/anchor/internal/encrypt"
	"github.com/polarfoxDev/anchor/internal/model"
	"github.com/polarfoxDev/anchor/internal/notify"
)

// ErrTargetExists means today's backup directory is already there
var ErrTargetExists = errors.New("backup target directory already exists")

// StepError ties a failure to the stage it happened in
type StepError struct {
	Stage model.Stage
	Err   error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Uploader sends the encrypted file to the remote store
type Uploader interface {
	Upload(ctx context.Context, localPath, remotePath string) (int64, error)
}

// Logger is what the orchestrator writes milestones to
type Logger interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Hooks are per-run callbacks; all fields are optional
type Hooks struct {
	Log     Logger
	OnStage func(stage model.Stage)
}

// Options wires the orchestrator's collaborators
type Options struct {
	Config    *config.Config
	Runner    command.Runner
	Encrypter encrypt.Encrypter
	Uploader  Uploader
	Notifier  notify.Notifier
}

// Orchestrator runs backups for one configuration
type Orchestrator struct {
	cfg      *config.Config
	layout   Layout
	runner   command.Runner
	enc      encrypt.Encrypter
	uploader Uploader
	notifier notify.Notifier
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Runner == nil || opts.Encrypter == nil || opts.Uploader == nil {
		return nil, errors.New("orchestrator needs config, runner, encrypter and uploader")
	}
	layout, err := LayoutFor(opts.Config.General.Layout)
	if err != nil {
		return nil, err
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Orchestrator{
		cfg:      opts.Config,
		layout:   layout,
		runner:   opts.Runner,
		enc:      opts.Encrypter,
		uploader: opts.Uploader,
		notifier: n,
	}, nil
}

// run carries the state of one execution
type run struct {
	o        *Orchestrator
	plan     model.BackupRun
	log      Logger
	stage    func(model.Stage)
	uploaded int64
}

// Run executes every step for a planned run and returns the number of bytes uploaded.
// The first failing step aborts the rest; its error is a *StepError.
func (o *Orchestrator) Run(ctx context.Context, plan model.BackupRun, hooks Hooks) (int64, error) {
	r := &run{o: o, plan: plan, log: hooks.Log, stage: hooks.OnStage}
	if r.log == nil {
		r.log = discard{}
	}
	if r.stage == nil {
		r.stage = func(model.Stage) {}
	}

	r.log.Info("Starting %s backup %s.", plan.Kind, plan.Name)
	r.log.Info("Source directories are '%s'.", strings.Join(o.cfg.Backup.SrcDirs, " "))
	if plan.IsFull() {
		r.log.Info("Number of backups (%d) is a multiple of %d. Time for a full backup.", plan.ExistingBackups, plan.Interval)
	}
	r.log.Info("Next full backup in %d runs.", plan.NextFullIn)
	if o.cfg.Mail.NotifyMilestones {
		notify.BestEffort(ctx, o.notifier, r.log,
			fmt.Sprintf("Backup started: %s", plan.Name),
			fmt.Sprintf("Starting %s backup %s.\nNext full backup in %d runs.\n", plan.Kind, plan.Name, plan.NextFullIn))
	}

	steps := []struct {
		stage model.Stage
		fn    func(context.Context) error
	}{
		{model.StageMirrorPrep, r.prepare},
		{model.StageBackupCopy, r.copy},
		{model.StageCompress, r.compress},
		{model.StageEncrypt, r.encrypt},
		{model.StageUpload, r.upload},
		{model.StageCleanup, r.cleanup},
	}

	for _, s := range steps {
		r.stage(s.stage)
		if err := s.fn(ctx); err != nil {
			return r.uploaded, &StepError{Stage: s.stage, Err: err}
		}
	}

	r.stage(model.StageDone)
	r.log.Info("Backup %s finished.", plan.Name)
	return r.uploaded, nil
}

// prepare resets the mirror on full runs and creates the directory structure
func (r *run) prepare(ctx context.Context) error {
	if r.plan.IsFull() {
		r.log.Info("Removing directory of mirror backup.")
		if err := r.exec(ctx, "rm", "-rf", r.plan.MirrorDir); err != nil {
			return fmt.Errorf("remove mirror: %w", err)
		}
	}

	r.log.Info("Creating directory structure.")
	if err := os.MkdirAll(r.plan.MirrorDir, 0o755); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.plan.TargetDir), 0o755); err != nil {
		return fmt.Errorf("create backup parent dir: %w", err)
	}
	if err := os.Mkdir(r.plan.TargetDir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrTargetExists, r.plan.TargetDir)
		}
		return fmt.Errorf("create backup dir: %w", err)
	}
	return nil
}

// copy syncs the sources into the new backup against the mirror, locks it down and refreshes the mirror
func (r *run) copy(ctx context.Context) error {
	cfg := r.o.cfg
	mirrorAbs, err := filepath.Abs(r.plan.MirrorDir)
	if err != nil {
		return fmt.Errorf("resolve mirror dir: %w", err)
	}

	r.log.Info("Creating %s backup in '%s'.", r.plan.Kind, r.plan.TargetDir)
	args := []string{"-ac"}
	args = append(args, cfg.Backup.SrcDirs...)
	args = append(args, "--progress", r.plan.TargetDir, "--compare-dest="+mirrorAbs)
	args = append(args, cfg.RsyncExtraArgs()...)
	if err := r.exec(ctx, cfg.General.RsyncPath, args...); err != nil {
		return fmt.Errorf("rsync backup copy failed: %w", err)
	}

	r.log.Info("Removing write access to '%s'.", r.plan.TargetDir)
	if err := r.exec(ctx, "chmod", "-R", "ugo-w", r.plan.TargetDir); err != nil {
		return fmt.Errorf("chmod backup failed: %w", err)
	}

	r.log.Info("Creating mirror in '%s'.", r.plan.MirrorDir)
	args = []string{"-ac", "--delete"}
	args = append(args, cfg.Backup.SrcDirs...)
	args = append(args, r.plan.MirrorDir)
	args = append(args, cfg.RsyncExtraArgs()...)
	if err := r.exec(ctx, cfg.General.RsyncPath, args...); err != nil {
		return fmt.Errorf("rsync mirror refresh failed: %w", err)
	}
	return nil
}

func (r *run) compress(ctx context.Context) error {
	if err := r.remove(ctx, r.plan.ArchiveFile); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.plan.ArchiveFile), 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	r.log.Info("Creating tar file of backup.")
	if err := r.exec(ctx, "tar", "cf", r.plan.ArchiveFile, r.plan.TargetDir); err != nil {
		return fmt.Errorf("tar failed: %w", err)
	}
	return nil
}

func (r *run) encrypt(ctx context.Context) error {
	if err := r.remove(ctx, r.plan.EncryptedFile); err != nil {
		return err
	}
	r.log.Info("Encrypting backup to '%s'.", r.plan.EncryptedFile)
	if err := r.o.enc.Encrypt(ctx, r.plan.ArchiveFile, r.plan.EncryptedFile); err != nil {
		return err
	}
	if _, err := os.Stat(r.plan.EncryptedFile); err != nil {
		return fmt.Errorf("encrypted file missing: %w", err)
	}
	return nil
}

func (r *run) upload(ctx context.Context) error {
	r.log.Info("Uploading to dropbox.")
	r.log.Info("Source file: %s", r.plan.EncryptedFile)
	r.log.Info("Target file: %s", r.plan.RemotePath)
	n, err := r.o.uploader.Upload(ctx, r.plan.EncryptedFile, r.plan.RemotePath)
	if err != nil {
		r.log.Error("Exception when uploading to dropbox: %v.", err)
		return err
	}
	r.uploaded = n
	r.log.Info("File uploaded successfully to dropbox.")
	return nil
}

func (r *run) cleanup(ctx context.Context) error {
	r.log.Info("Removing local archive files.")
	if err := r.remove(ctx, r.plan.EncryptedFile); err != nil {
		return err
	}
	return r.remove(ctx, r.plan.ArchiveFile)
}

func (r *run) remove(ctx context.Context, path string) error {
	if err := r.exec(ctx, "rm", "-f", path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (r *run) exec(ctx context.Context, name string, args ...string) error {
	r.log.Info("Running: %s %s", name, strings.Join(args, " "))
	_, err := r.o.runner.Run(ctx, name, args...)
	return err
}

type discard struct{}

func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}
