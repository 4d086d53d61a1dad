package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/output"
	"github.com/marcus/medsync/internal/syncerr"
)

var recordsCmd = &cobra.Command{
	Use:     "records",
	Aliases: []string{"record", "rec"},
	Short:   "Inspect and repair change records",
	GroupID: "records",
}

var recordsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List change records in ordering-key order",
	Example: `  medsync records list --state failed_and_stopped
  medsync records list --peer district --after 1200 --limit 20`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		peerRef, _ := cmd.Flags().GetString("peer")
		after, _ := cmd.Flags().GetInt64("after")
		before, _ := cmd.Flags().GetInt64("before")
		limit, _ := cmd.Flags().GetInt("limit")

		st := models.RecordState(state)
		if st != "" && !st.IsValid() {
			return fail(cmd, errUsage("unknown state %q", state))
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			q := db.RecordQuery{AfterSeq: after, BeforeSeq: before, State: st, Limit: limit}
			if peerRef != "" {
				p, err := a.engine.GetPeer(ctx, peerRef)
				if err != nil {
					return err
				}
				q.PeerID = p.ID
			}
			page, err := a.engine.ListRecords(ctx, q)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(page)
			}
			if len(page.Records) == 0 {
				output.Info("No records")
				return nil
			}
			for _, rec := range page.Records {
				fmt.Println(output.FormatRecordShort(rec))
			}
			if page.HasNext {
				last := page.Records[len(page.Records)-1].Seq
				fmt.Printf("\nMore: medsync records list --after %d\n", last)
			}
			return nil
		})
	},
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <record-id>",
	Short: "Show a record with its per-peer delivery state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rec, err := a.engine.GetRecord(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(rec)
			}
			peers, err := a.engine.ListPeers(ctx)
			if err != nil {
				return err
			}
			names := make(map[string]string, len(peers))
			for _, p := range peers {
				names[p.ID] = p.Nickname
			}
			md := output.RecordMarkdown(rec, names)
			if !output.IsTerminal() {
				fmt.Print(md)
				return nil
			}
			rendered, err := output.RenderMarkdown(md)
			if err != nil {
				fmt.Print(md)
				return nil
			}
			fmt.Println(rendered)
			return nil
		})
	},
}

var recordsResetCmd = &cobra.Command{
	Use:   "reset <record-id>",
	Short: "Put a stopped or removed record back in the send queue",
	Long: `Resets the record and every non-final per-peer delivery to new with a zero
retry count. Committed records cannot be reset.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rec, err := a.engine.ResetRecord(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(rec)
			}
			output.Success("RESET #%d %s", rec.Seq, output.StateBadge(rec.State))
			return nil
		})
	},
}

var recordsRemoveCmd = &cobra.Command{
	Use:     "remove <record-id>",
	Aliases: []string{"rm"},
	Short:   "Take a record out of sync without deleting it",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rec, err := a.engine.RemoveRecord(ctx, args[0])
			if err != nil {
				if syncerr.Is(err, syncerr.ConstraintViolation) {
					output.Warning("committed records stay in sync")
				}
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(rec)
			}
			output.Success("REMOVED #%d %s", rec.Seq, output.StateBadge(rec.State))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.AddCommand(recordsListCmd, recordsShowCmd, recordsResetCmd, recordsRemoveCmd)

	recordsListCmd.Flags().String("state", "", "only records in this state")
	recordsListCmd.Flags().String("peer", "", "state filter applies to this peer's delivery")
	recordsListCmd.Flags().Int64("after", 0, "records with ordering key above this")
	recordsListCmd.Flags().Int64("before", 0, "records with ordering key below this")
	recordsListCmd.Flags().IntP("limit", "n", 50, "page size")

	addJSONFlag(recordsListCmd, recordsShowCmd, recordsResetCmd, recordsRemoveCmd)
}
