// Command kiln serves the function registry and execution API on top of
// pools of pre-warmed sandboxes.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/pool"
	"github.com/seantiz/kiln/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"backends", cfg.Backends,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg, closers, err := buildRegistry(cfg, logger)
	if err != nil {
		log.Fatalf("failed to set up backends: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := pool.New(cfg.Pool, reg, logger)
	go mgr.Run(ctx)

	eng := engine.New(mgr, logger)
	warmRegistered(ctx, db, eng, logger)

	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, mgr, logger)
	runErr := srv.Run(ctx)

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Warn("pool shutdown", "error", err)
	}
	for _, c := range closers {
		c(shutdownCtx)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
