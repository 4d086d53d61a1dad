package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/marcus/medsync/internal/config"
	"github.com/marcus/medsync/internal/crypto"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/logging"
	"github.com/marcus/medsync/internal/sync"
)

func runAdmin(args []string) {
	if len(args) == 0 {
		printAdminUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "gen-token":
		runAdminGenToken(args[1:])
	case "rotate-token":
		runAdminRotateToken(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n", args[0])
		printAdminUsage()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Fprintln(os.Stderr, `Usage: medsync-server admin <command> [flags]

Commands:
  gen-token     Print a random token for server.admin_token
  rotate-token  Issue a new inbound token for a peer`)
}

func runAdminGenToken(args []string) {
	fs := flag.NewFlagSet("admin gen-token", flag.ExitOnError)
	fs.Parse(args)

	token, err := crypto.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func runAdminRotateToken(args []string) {
	fs := flag.NewFlagSet("admin rotate-token", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("MEDSYNC_CONFIG"), "path to medsync.yaml")
	peer := fs.String("peer", "", "peer id or nickname (required)")
	fs.Parse(args)

	if *peer == "" {
		fmt.Fprintln(os.Stderr, "error: --peer is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	engine, err := sync.New(ctx, sync.Options{DB: store, Sync: cfg.Sync, Logger: logging.Discard()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	token, err := engine.RotateToken(ctx, *peer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("New inbound token for %s (shown once):\n%s\n", *peer, token)
}
