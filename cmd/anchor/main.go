package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/polarfoxDev/anchor/internal/backup"
	"github.com/polarfoxDev/anchor/internal/command"
	"github.com/polarfoxDev/anchor/internal/config"
	"github.com/polarfoxDev/anchor/internal/database"
	"github.com/polarfoxDev/anchor/internal/encrypt"
	"github.com/polarfoxDev/anchor/internal/helpers"
	"github.com/polarfoxDev/anchor/internal/lockfile"
	"github.com/polarfoxDev/anchor/internal/logging"
	"github.com/polarfoxDev/anchor/internal/metrics"
	"github.com/polarfoxDev/anchor/internal/notify"
	"github.com/polarfoxDev/anchor/internal/runner"
	"github.com/polarfoxDev/anchor/internal/scheduler"
	"github.com/polarfoxDev/anchor/internal/upload"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// newNotifier is replaced in tests
var newNotifier = notify.New

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("anchor", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.StringP("config", "c", helpers.EnvDefault("ANCHOR_CONFIG", "/etc/anchor/config.yml"), "path to the config file")
	daemon := fs.BoolP("daemon", "d", false, "stay running and back up on general.schedule")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: anchor [flags] [run|status]\n\nFlags:\n%s", fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	sub := fs.Arg(0)
	if fs.NArg() > 1 || (sub != "" && sub != "run" && sub != "status") {
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "anchor: %v\n", err)
		return exitUsage
	}

	if sub == "status" {
		if err := printStatus(context.Background(), cfg, stdout); err != nil {
			fmt.Fprintf(stderr, "anchor: %v\n", err)
			return exitFailed
		}
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier := newNotifier(cfg.Mail)
	env, closeEnv, err := buildEnv(ctx, cfg, notifier, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "anchor: %v\n", err)
		if nerr := notify.Must(ctx, notifier, "Backup failed", fmt.Sprintf("Backup could not be set up.\n\n%v\n", err)); nerr != nil {
			fmt.Fprintf(stderr, "anchor: %v\n", nerr)
		}
		return exitFailed
	}
	defer closeEnv()

	if !*daemon {
		return env.Invoke(ctx).ExitCode()
	}

	if cfg.General.Schedule == "" {
		fmt.Fprintln(stderr, "anchor: --daemon needs general.schedule")
		return exitUsage
	}
	sched, err := scheduler.New(cfg.General.Schedule, env.Log)
	if err != nil {
		fmt.Fprintf(stderr, "anchor: %v\n", err)
		return exitUsage
	}
	_ = sched.Run(ctx, func(ctx context.Context) {
		out := env.Invoke(ctx)
		env.Log.Info("run %s finished with status %s", out.RunID, out.Status)
	})
	return exitOK
}

// buildEnv wires every collaborator of a run from the config
func buildEnv(ctx context.Context, cfg *config.Config, notifier notify.Notifier, console io.Writer) (*runner.Env, func(), error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.StateDB), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := database.InitDB(cfg.General.StateDB)
	if err != nil {
		return nil, nil, fmt.Errorf("init database: %w", err)
	}

	logger, err := logging.New(db.GetDB(), console, cfg.Backup.LogDir)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	recorder := metrics.New(cfg.General.MetricsTextfile)
	if last, err := db.LastSuccessfulRun(ctx); err != nil {
		logger.Warn("failed to load last successful run: %v", err)
	} else {
		recorder.Restore(last)
	}

	cmdRunner := &command.ExecRunner{Timeout: cfg.CommandTimeoutDuration(), Log: logger}
	enc, err := encrypt.New(cfg.General, cmdRunner)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	uploader := upload.New(upload.NewDropboxClient(cfg.General.DropboxToken), cfg.General.UploadRateLimit, logger)

	orch, err := backup.New(backup.Options{
		Config:    cfg,
		Runner:    cmdRunner,
		Encrypter: enc,
		Uploader:  uploader,
		Notifier:  notifier,
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	env := &runner.Env{
		Config:       cfg,
		Log:          logger,
		Lock:         lockfile.New(cfg.General.LockFile),
		Notifier:     notifier,
		Orchestrator: orch,
		DB:           db,
		Metrics:      recorder,
	}
	return env, func() { _ = db.Close() }, nil
}
