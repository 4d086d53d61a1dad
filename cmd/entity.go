package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/medsync/internal/cursor"
	"github.com/marcus/medsync/internal/output"
)

var entityCmd = &cobra.Command{
	Use:     "entity",
	Aliases: []string{"ent"},
	Short:   "Read and write entities in the local store",
	Long: `Writes go through the journal: every put or delete becomes a change record
that leaves with the next exchange.`,
	GroupID: "records",
}

var entityGetCmd = &cobra.Command{
	Use:   "get <class> <uuid>",
	Short: "Print an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			ent, err := a.engine.GetEntity(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(ent)
			}
			fmt.Printf("%s/%s  updated %s\n", ent.Class, ent.UUID, output.FormatTimeAgo(ent.UpdatedAt))
			fmt.Println(ent.Payload)
			return nil
		})
	},
}

var entityPutCmd = &cobra.Command{
	Use:   "put <class> <uuid> <json|@file|->",
	Short: "Create or update an entity",
	Example: `  medsync entity put patient 6f1c... '{"name":"Ada","dob":"1990-01-02"}'
  medsync entity put visit 77aa... @visit.json`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readJSONArg(args[2])
		if err != nil {
			return fail(cmd, err)
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rec, err := a.engine.PutEntity(ctx, args[0], args[1], payload)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(rec)
			}
			output.Success("JOURNALED #%d %s", rec.Seq, output.ShortID(rec.ID))
			return nil
		})
	},
}

var entityDeleteCmd = &cobra.Command{
	Use:     "delete <class> <uuid>",
	Aliases: []string{"rm"},
	Short:   "Delete an entity",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rec, err := a.engine.DeleteEntity(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(rec)
			}
			output.Success("JOURNALED #%d %s", rec.Seq, output.ShortID(rec.ID))
			return nil
		})
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Journal entities that were written outside the engine",
	Long: `Creates a change record for every entity changed since --since that no
change record or import mentions, e.g. rows bulk-loaded before medsync was
installed.`,
	GroupID: "setup",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceStr, _ := cmd.Flags().GetString("since")
		token, _ := cmd.Flags().GetString("cursor")
		if sinceStr != "" && token != "" {
			return fail(cmd, errUsage("--since and --cursor are mutually exclusive"))
		}
		since := cursor.Start()
		if token != "" {
			var err error
			if since, err = cursor.Decode(token); err != nil {
				return fail(cmd, err)
			}
		}
		if sinceStr != "" {
			ts, err := time.Parse(time.RFC3339, sinceStr)
			if err != nil {
				return fail(cmd, errUsage("--since must be RFC 3339: %v", err))
			}
			if since, err = cursor.New(ts, ""); err != nil {
				return fail(cmd, err)
			}
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			n, err := a.engine.Journal.Backfill(ctx, since)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(map[string]int{"backfilled": n})
			}
			output.Success("BACKFILLED %d entities", n)
			return nil
		})
	},
}

// readJSONArg resolves a literal, @file or - (stdin) argument to a JSON
// object string.
func readJSONArg(arg string) (string, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(os.Stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return "", err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", errUsage("payload must be a JSON object: %v", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func init() {
	rootCmd.AddCommand(entityCmd, backfillCmd)
	entityCmd.AddCommand(entityGetCmd, entityPutCmd, entityDeleteCmd)
	backfillCmd.Flags().String("since", "", "only entities changed after this time (RFC 3339)")
	backfillCmd.Flags().String("cursor", "", "only entities after this cursor token (see peers show)")
	addJSONFlag(entityGetCmd, entityPutCmd, entityDeleteCmd, backfillCmd)
}
