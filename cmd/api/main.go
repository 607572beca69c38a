package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/polarfoxDev/anchor/internal/api"
	"github.com/polarfoxDev/anchor/internal/auth"
	"github.com/polarfoxDev/anchor/internal/config"
	"github.com/polarfoxDev/anchor/internal/database"
	"github.com/polarfoxDev/anchor/internal/helpers"
	"github.com/polarfoxDev/anchor/internal/lockfile"
	"github.com/polarfoxDev/anchor/internal/logging"
)

// API server exposing backup run status and logs
func main() {
	cfgPath := pflag.StringP("config", "c", helpers.EnvDefault("ANCHOR_CONFIG", "/etc/anchor/config.yml"), "path to the config file")
	listen := pflag.String("listen", "", "listen address, overrides api.listen")
	pflag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Printf("load config: %v", err)
		os.Exit(2)
	}
	addr := cfg.API.Listen
	if *listen != "" {
		addr = *listen
	}

	db, err := database.InitDB(cfg.General.StateDB)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	defer db.Close()

	// reads only; file and console sinks stay off
	logger, err := logging.New(db.GetDB(), os.Stderr, "")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Example: CORS_ORIGINS=https://anchor.example.com,http://localhost:5173
	origins := helpers.SplitCSV(os.Getenv("CORS_ORIGINS"))

	srv := &http.Server{
		Addr: addr,
		Handler: api.NewRouter(api.Deps{
			DB:          db,
			Logger:      logger,
			Lock:        lockfile.New(cfg.General.LockFile),
			Auth:        auth.New(ctx, cfg.API.Password),
			CORSOrigins: origins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Starting Anchor API server on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}
