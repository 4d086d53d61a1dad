package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/medsync/internal/output"
	"github.com/marcus/medsync/internal/syncclient"
	"github.com/marcus/medsync/internal/version"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Show version and compare it with the parent site",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		short, _ := cmd.Flags().GetBool("short")
		if short {
			fmt.Print(versionStr)
			return nil
		}

		check, _ := cmd.Flags().GetBool("check")
		if !check {
			if jsonOutput(cmd) {
				return output.JSON(map[string]string{"version": versionStr})
			}
			fmt.Printf("medsync version %s\n", versionStr)
			return nil
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			parent, err := a.engine.GetParent(ctx)
			if err != nil {
				return err
			}
			if parent == nil || parent.Address == "" {
				if jsonOutput(cmd) {
					return output.JSON(map[string]string{"version": versionStr})
				}
				fmt.Printf("medsync version %s\n", versionStr)
				output.Info("no reachable parent to compare with")
				return nil
			}

			health, err := syncclient.New(a.cfg.Sync.HTTPTimeout, 0, a.log).HealthCheck(ctx, parent.Address)
			if err != nil {
				return err
			}
			skew := version.Compare(versionStr, health.Version)
			if jsonOutput(cmd) {
				return output.JSON(map[string]string{
					"version":        versionStr,
					"parent":         parent.Nickname,
					"parent_version": health.Version,
					"skew":           skew.String(),
				})
			}
			fmt.Printf("medsync version %s\n", versionStr)
			switch skew {
			case version.SkewMajor:
				output.Warning("parent %s runs %s; transmissions will not be accepted", parent.Nickname, health.Version)
			case version.SkewBehind:
				output.Warning("parent %s runs newer %s", parent.Nickname, health.Version)
			default:
				output.Info("parent %s runs %s (%s)", parent.Nickname, health.Version, skew)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("check", false, "Compare with the version the parent reports")
	versionCmd.Flags().Bool("short", false, "Output only version string")
	addJSONFlag(versionCmd)
}
