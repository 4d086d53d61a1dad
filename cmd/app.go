package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/marcus/medsync/internal/archive"
	"github.com/marcus/medsync/internal/config"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/lock"
	"github.com/marcus/medsync/internal/logging"
	"github.com/marcus/medsync/internal/output"
	"github.com/marcus/medsync/internal/sync"
	"github.com/marcus/medsync/internal/syncclient"
	"github.com/marcus/medsync/internal/syncerr"
)

// app bundles what a command needs to talk to the local engine.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	db      *db.DB
	archive *archive.Archive
	engine  *sync.Engine
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp loads configuration and opens the database, archive and engine.
// The CLI logs warnings and above to stderr; the server owns info logs.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if level == "" || level == "info" {
		level = "warn"
	}
	log := logging.New(logging.Config{Format: "text", Level: level})

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	arch, err := archive.Open(ctx, cfg.Archive.URL, cfg.Archive.Prefix)
	if err != nil {
		store.Close()
		return nil, err
	}
	engine, err := sync.New(ctx, sync.Options{
		DB:        store,
		Sync:      cfg.Sync,
		Locks:     lock.NewRegistry(cfg.Sync.LockDir),
		Archive:   arch,
		Transport: syncclient.New(cfg.Sync.HTTPTimeout, cfg.Sync.HTTPRetries, log),
		Logger:    log,
	})
	if err != nil {
		arch.Close()
		store.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: log, db: store, archive: arch, engine: engine}, nil
}

func (a *app) Close() {
	a.archive.Close()
	a.db.Close()
}

// withApp runs fn against an opened app and reports its error.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		return fail(cmd, err)
	}
	defer a.Close()
	if err := fn(ctx, a); err != nil {
		return fail(cmd, err)
	}
	return nil
}

// fail prints err in the command's output mode and returns it.
func fail(cmd *cobra.Command, err error) error {
	if jsonOutput(cmd) {
		code := string(syncerr.CodeOf(err))
		if code == "" {
			code = "ERROR"
		}
		output.JSONError(code, err.Error())
	} else {
		output.Error("%v", err)
	}
	cmd.SilenceErrors = true
	return err
}

func jsonOutput(cmd *cobra.Command) bool {
	if cmd.Flags().Lookup("json") == nil {
		return false
	}
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func addJSONFlag(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.Flags().Bool("json", false, "JSON output")
	}
}

// errUsage is returned for argument combinations cobra cannot validate.
func errUsage(format string, args ...any) error {
	return syncerr.New(syncerr.InvalidArgument, format, args...)
}
