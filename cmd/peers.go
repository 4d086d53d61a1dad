package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/output"
	"github.com/marcus/medsync/internal/sync"
	"github.com/marcus/medsync/internal/syncclient"
	"github.com/marcus/medsync/internal/syncerr"
	"github.com/marcus/medsync/internal/version"
)

var peersCmd = &cobra.Command{
	Use:     "peers",
	Aliases: []string{"peer"},
	Short:   "Manage the parent and child servers",
	GroupID: "peers",
}

var peersAddCmd = &cobra.Command{
	Use:   "add <peer-server-id> <nickname>",
	Short: "Register a parent or child",
	Long: `Registers a peer by its server id (shown by 'medsync init' on the peer).

A server has at most one parent. The inbound token printed here is what the
peer must present when it connects to us; it is shown once.`,
	Example: `  medsync peers add 0190c0de-... district --role parent --address https://district.example --outbound-token $TOKEN
  medsync peers add 0190c0df-... clinic-7 --role child`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		address, _ := cmd.Flags().GetString("address")
		outbound, _ := cmd.Flags().GetString("outbound-token")
		inbound, _ := cmd.Flags().GetString("inbound-token")
		batchWeb, _ := cmd.Flags().GetInt("max-batch-web")
		batchFile, _ := cmd.Flags().GetInt("max-batch-file")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			reg, err := a.engine.RegisterPeer(ctx, sync.PeerSpec{
				ID:            args[0],
				Nickname:      args[1],
				Role:          models.Role(strings.ToLower(role)),
				Address:       address,
				OutboundToken: outbound,
				InboundToken:  inbound,
				MaxBatchWeb:   batchWeb,
				MaxBatchFile:  batchFile,
			})
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(map[string]any{"peer": reg.Peer, "inbound_token": reg.InboundToken})
			}
			output.Success("REGISTERED %s as %s", reg.Peer.Nickname, reg.Peer.Role)
			fmt.Printf("Inbound token (give it to %s, shown once):\n  %s\n", reg.Peer.Nickname, reg.InboundToken)
			return nil
		})
	},
}

var peersListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List peers with their last exchange",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			peers, err := a.engine.ListPeers(ctx)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(peers)
			}
			if len(peers) == 0 {
				output.Info("No peers registered")
				return nil
			}
			for _, p := range peers {
				fmt.Println(output.FormatPeerLine(p))
			}
			return nil
		})
	},
}

var peersShowCmd = &cobra.Command{
	Use:   "show <peer>",
	Short: "Show a peer, its cursor and class policies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.engine.GetPeer(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(p)
			}
			fmt.Println(output.FormatPeerLine(p))
			fmt.Printf("Cursor:   %s  (token %s)\n", p.Cursor, p.Cursor.Encode())
			fmt.Printf("Batches:  web=%d file=%d\n", p.MaxBatchWeb, p.MaxBatchFile)
			if len(p.Policies) > 0 {
				fmt.Print(output.SectionHeader("class policies"))
				for class, pol := range p.Policies {
					fmt.Printf("  %-20s send=%t receive=%t\n", class, pol.SendTo, pol.ReceiveFrom)
				}
			}
			return nil
		})
	},
}

var peersUpdateCmd = &cobra.Command{
	Use:   "update <peer>",
	Short: "Change a peer's nickname, address, token or batch sizes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var u sync.PeerUpdate
		flags := cmd.Flags()
		if flags.Changed("nickname") {
			v, _ := flags.GetString("nickname")
			u.Nickname = &v
		}
		if flags.Changed("address") {
			v, _ := flags.GetString("address")
			u.Address = &v
		}
		if flags.Changed("outbound-token") {
			v, _ := flags.GetString("outbound-token")
			u.OutboundToken = &v
		}
		if flags.Changed("max-batch-web") {
			v, _ := flags.GetInt("max-batch-web")
			u.MaxBatchWeb = &v
		}
		if flags.Changed("max-batch-file") {
			v, _ := flags.GetInt("max-batch-file")
			u.MaxBatchFile = &v
		}
		disable, _ := flags.GetBool("disable")
		enable, _ := flags.GetBool("enable")
		if disable && enable {
			return fail(cmd, errUsage("--disable and --enable are exclusive"))
		}
		if disable || enable {
			u.Disabled = &disable
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.engine.UpdatePeer(ctx, args[0], u)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(p)
			}
			output.Success("UPDATED %s", p.Nickname)
			return nil
		})
	},
}

var peersRemoveCmd = &cobra.Command{
	Use:     "remove <peer>",
	Aliases: []string{"rm"},
	Short:   "Delete a peer",
	Long: `Deletes a peer and its delivery state. A peer with records still in flight
is kept unless --force is given; forcing asks for confirmation unless --yes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		yes, _ := cmd.Flags().GetBool("yes")

		if force && !yes && !jsonOutput(cmd) && output.IsTerminal() {
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Force-delete peer %s?", args[0])).
				Description("Records in flight to this peer will never be delivered.").
				Affirmative("Delete").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				return fail(cmd, err)
			}
			if !confirmed {
				output.Info("Cancelled")
				return nil
			}
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.engine.DeletePeer(ctx, args[0], force); err != nil {
				if syncerr.Is(err, syncerr.ConstraintViolation) && !force {
					output.Warning("peer has records in flight; rerun with --force to delete anyway")
				}
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(map[string]any{"deleted": args[0]})
			}
			output.Success("DELETED %s", args[0])
			return nil
		})
	},
}

var peersPolicyCmd = &cobra.Command{
	Use:   "policy <peer> <class>",
	Short: "Set whether a class is sent to or accepted from a peer",
	Example: `  medsync peers policy district lab_result --send=false
  medsync peers policy clinic-7 billing --receive=false`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.engine.GetPeer(ctx, args[0])
			if err != nil {
				return err
			}
			pol := p.Policy(args[1])
			if cmd.Flags().Changed("send") {
				pol.SendTo, _ = cmd.Flags().GetBool("send")
			}
			if cmd.Flags().Changed("receive") {
				pol.ReceiveFrom, _ = cmd.Flags().GetBool("receive")
			}
			if err := a.engine.SetClassPolicy(ctx, p.ID, args[1], pol.SendTo, pol.ReceiveFrom); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(pol)
			}
			output.Success("%s %s: send=%t receive=%t", p.Nickname, args[1], pol.SendTo, pol.ReceiveFrom)
			return nil
		})
	},
}

var peersRotateTokenCmd = &cobra.Command{
	Use:   "rotate-token <peer>",
	Short: "Issue a new inbound token for a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			token, err := a.engine.RotateToken(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(map[string]string{"inbound_token": token})
			}
			fmt.Printf("New inbound token (shown once):\n  %s\n", token)
			return nil
		})
	},
}

var peersPingCmd = &cobra.Command{
	Use:   "ping <peer>",
	Short: "Check that a peer is reachable and runs a compatible version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.engine.GetPeer(ctx, args[0])
			if err != nil {
				return err
			}
			if p.Address == "" {
				return syncerr.New(syncerr.InvalidArgument, "peer %s has no address; it syncs by file", p.Nickname)
			}
			client := syncclient.New(a.cfg.Sync.HTTPTimeout, 0, a.log)
			health, err := client.HealthCheck(ctx, p.Address)
			if err != nil {
				return err
			}
			if health.ServerID != "" && health.ServerID != p.ID {
				return syncerr.New(syncerr.UnknownPeer, "%s answers as server %s, registered as %s", p.Address, health.ServerID, p.ID)
			}
			compatible := version.Compatible(versionStr, health.Version)
			if jsonOutput(cmd) {
				return output.JSON(map[string]any{"health": health, "compatible": compatible})
			}
			output.Success("%s is %s (version %s)", p.Nickname, health.Status, health.Version)
			if !compatible {
				output.Warning("peer version %s is not compatible with %s", health.Version, versionStr)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(peersCmd)
	peersCmd.AddCommand(peersAddCmd, peersListCmd, peersShowCmd, peersUpdateCmd,
		peersRemoveCmd, peersPolicyCmd, peersRotateTokenCmd, peersPingCmd)

	peersAddCmd.Flags().String("role", "child", "parent or child")
	peersAddCmd.Flags().String("address", "", "base URL; empty for file-only peers")
	peersAddCmd.Flags().String("outbound-token", "", "token we present to the peer")
	peersAddCmd.Flags().String("inbound-token", "", "token the peer presents to us (generated when empty)")
	peersAddCmd.Flags().Int("max-batch-web", 0, "records per HTTP exchange (default: sync.max_batch_web)")
	peersAddCmd.Flags().Int("max-batch-file", 0, "records per file (default: sync.max_batch_file)")

	peersUpdateCmd.Flags().String("nickname", "", "new nickname")
	peersUpdateCmd.Flags().String("address", "", "new base URL")
	peersUpdateCmd.Flags().String("outbound-token", "", "new token we present to the peer")
	peersUpdateCmd.Flags().Int("max-batch-web", 0, "records per HTTP exchange")
	peersUpdateCmd.Flags().Int("max-batch-file", 0, "records per file")
	peersUpdateCmd.Flags().Bool("disable", false, "refuse exchanges with the peer")
	peersUpdateCmd.Flags().Bool("enable", false, "accept exchanges with the peer again")

	peersRemoveCmd.Flags().Bool("force", false, "delete even with records in flight")
	peersRemoveCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")

	peersPolicyCmd.Flags().Bool("send", true, "send records of this class to the peer")
	peersPolicyCmd.Flags().Bool("receive", true, "accept records of this class from the peer")

	addJSONFlag(peersAddCmd, peersListCmd, peersShowCmd, peersUpdateCmd, peersRemoveCmd,
		peersPolicyCmd, peersRotateTokenCmd, peersPingCmd)
}
