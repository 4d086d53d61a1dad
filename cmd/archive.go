package cmd

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/spf13/cobra"

	"github.com/marcus/medsync/internal/output"
	"github.com/marcus/medsync/internal/syncerr"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Browse archived transmissions and responses",
	Long: `Every transmission and response that passes through this site is kept,
zstd-compressed, in the bucket named by archive.url.`,
	GroupID: "system",
}

var archiveListCmd = &cobra.Command{
	Use:     "list [peer]",
	Aliases: []string{"ls"},
	Short:   "List archived payloads, optionally for one peer",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.archive == nil {
				return syncerr.New(syncerr.InvalidArgument, "archiving is disabled; set archive.url")
			}
			names := map[string]string{}
			peerID := ""
			if len(args) == 1 {
				p, err := a.engine.GetPeer(ctx, args[0])
				if err != nil {
					return err
				}
				peerID = p.ID
			}
			if peers, err := a.engine.ListPeers(ctx); err == nil {
				for _, p := range peers {
					names[p.ID] = p.Nickname
				}
			}

			entries, err := a.archive.List(ctx, peerID)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(map[string]any{"entries": entries})
			}
			if len(entries) == 0 {
				output.Info("nothing archived")
				return nil
			}
			for _, e := range entries {
				peer := names[e.PeerID]
				if peer == "" {
					peer = output.ShortID(e.PeerID)
				}
				fmt.Printf("%-12s %-13s %-8s %s  %s\n", peer, e.Kind, output.FormatBytes(int(e.Size)),
					output.FormatTimeAgo(e.ModTime), e.Key)
			}
			return nil
		})
	},
}

var archiveGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Decompress an archived payload to a file or stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("output")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.archive == nil {
				return syncerr.New(syncerr.InvalidArgument, "archiving is disabled; set archive.url")
			}
			data, err := a.archive.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if dest == "" {
				_, err := os.Stdout.Write(data)
				return err
			}
			name := path.Base(args[0])
			name = name[:len(name)-len(path.Ext(name))]
			written, err := writePayload(dest, name, data, "")
			if err != nil {
				return err
			}
			output.Success("WROTE %s (%s)", written, output.FormatBytes(len(data)))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveListCmd, archiveGetCmd)
	archiveGetCmd.Flags().StringP("output", "o", "", "output file or directory")
	addJSONFlag(archiveListCmd)
}
