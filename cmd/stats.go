package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/medsync/internal/output"
)

var statsCmd = &cobra.Command{
	Use:     "stats",
	Aliases: []string{"status"},
	Short:   "Show record counts by state, overall and per peer",
	GroupID: "records",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := a.engine.Stats(ctx)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(st)
			}
			fmt.Printf("Server:  %s (%s)\n", st.Server.Nickname, st.Server.ID)
			fmt.Print(output.SectionHeader("change records"))
			fmt.Println(output.IndentString(output.FormatCounts(st.Records), 2))
			fmt.Print(output.SectionHeader("imported records"))
			fmt.Println(output.IndentString(output.FormatCounts(st.Imports), 2))
			if len(st.Peers) > 0 {
				fmt.Print(output.SectionHeader("peers"))
				for _, ps := range st.Peers {
					fmt.Println(output.IndentString(output.FormatPeerLine(ps.Peer), 2))
					fmt.Printf("    in flight %d  stopped %d\n", ps.InFlight, ps.Stopped)
					fmt.Println(output.IndentString(output.FormatCounts(ps.Counts), 4))
				}
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"log"},
	Short:   "Show recent exchanges, imports and exports",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		peerRef, _ := cmd.Flags().GetString("peer")
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			entries, err := a.engine.History(ctx, peerRef, limit)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(entries)
			}
			if len(entries) == 0 {
				output.Info("No exchanges yet")
				return nil
			}
			names := map[string]string{}
			if peers, err := a.engine.ListPeers(ctx); err == nil {
				for _, p := range peers {
					names[p.ID] = p.Nickname
				}
			}
			for _, e := range entries {
				name, ok := names[e.PeerID]
				if !ok {
					name = output.ShortID(e.PeerID)
				}
				line := fmt.Sprintf("%-12s %-8s %-10s %s  sent %d  received %d  committed %d  failed %d  (%s)",
					output.FormatTimeAgo(e.StartedAt), e.Direction, name,
					output.FormatTransmissionState(e.State), e.Sent, e.Received, e.Committed, e.Failed,
					e.FinishedAt.Sub(e.StartedAt).Round(time.Millisecond))
				fmt.Println(line)
				if e.Error != "" {
					fmt.Println(output.IndentString(e.Error, 13))
				}
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd, historyCmd)
	historyCmd.Flags().String("peer", "", "only this peer")
	historyCmd.Flags().IntP("limit", "n", 20, "entries to show")
	addJSONFlag(statsCmd, historyCmd)
}
