package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/marcus/medsync/internal/api"
	"github.com/marcus/medsync/internal/archive"
	"github.com/marcus/medsync/internal/config"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/lock"
	"github.com/marcus/medsync/internal/logging"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/sync"
	"github.com/marcus/medsync/internal/syncclient"
	"github.com/marcus/medsync/internal/version"
)

func main() {
	// Route to admin subcommands if present
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		runAdmin(os.Args[2:])
		return
	}

	fs := flag.NewFlagSet("medsync-server", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("MEDSYNC_CONFIG"), "path to medsync.yaml")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Initialize(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	arch, err := archive.Open(ctx, cfg.Archive.URL, cfg.Archive.Prefix)
	if err != nil {
		return err
	}
	defer arch.Close()

	engine, err := sync.New(ctx, sync.Options{
		DB:        store,
		Sync:      cfg.Sync,
		Locks:     lock.NewRegistry(cfg.Sync.LockDir),
		Archive:   arch,
		Transport: syncclient.New(cfg.Sync.HTTPTimeout, cfg.Sync.HTTPRetries, logging.Component("transport")),
		Logger:    logging.Component("engine"),
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	srv, err := api.NewServer(cfg.Server, engine, logging.Component("api"))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	self := engine.Self()
	log.Info("server started", "addr", srv.Addr(), "server_id", self.ID, "nickname", self.Nickname, "version", version.Version)

	scheduler := sync.NewScheduler(engine, cfg.Sync.Interval)
	scheduler.OnResult = func(res *sync.ExchangeResult, _ error) {
		if res != nil {
			srv.Metrics().RecordExchange(res.PeerID, string(models.DirectionPush), string(res.State))
		}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		scheduler.Run(ctx)
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "err", err)
	}
	<-done
	return nil
}
