package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/medsync/internal/config"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/output"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration, database and server identity",
	Long: `Writes an explicit medsync.yaml (unless one exists), creates the SQLite
database and generates this server's id. Running init again is safe: the
existing identity is kept.`,
	GroupID: "setup",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nickname, _ := cmd.Flags().GetString("nickname")
		dbPath, _ := cmd.Flags().GetString("db")

		info, created, err := initialize(cmd.Context(), configPath, dbPath, nickname)
		if err != nil {
			return fail(cmd, err)
		}
		if jsonOutput(cmd) {
			return output.JSON(map[string]any{"server": info, "config": configPath, "config_created": created})
		}
		if created {
			output.Success("WROTE %s", configPath)
		} else {
			output.Info("Using existing %s", configPath)
		}
		fmt.Printf("Server:   %s\n", info.ID)
		fmt.Printf("Nickname: %s\n", info.Nickname)
		return nil
	},
}

// initialize writes the config template when path does not exist, then
// opens the database and ensures the server identity. created reports
// whether the config file was written.
func initialize(ctx context.Context, path, dbPath, nickname string) (db.ServerInfo, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	created := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		tmpl := config.Template()
		if dbPath != "" {
			tmpl.Database.Path = dbPath
		}
		if err := config.Save(path, tmpl); err != nil {
			return db.ServerInfo{}, false, fmt.Errorf("write config: %w", err)
		}
		created = true
	}

	cfg, err := config.Load(path)
	if err != nil {
		return db.ServerInfo{}, created, err
	}
	if err := cfg.Validate(); err != nil {
		return db.ServerInfo{}, created, err
	}

	store, err := db.Initialize(cfg.Database.Path)
	if err != nil {
		return db.ServerInfo{}, created, fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	info, err := db.EnsureServerInfo(ctx, store.Conn(), nickname)
	if err != nil {
		return db.ServerInfo{}, created, err
	}
	return info, created, nil
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("nickname", "", "nickname peers will see (default: short server id)")
	initCmd.Flags().String("db", "", "database path written into a new config")
	addJSONFlag(initCmd)
}
