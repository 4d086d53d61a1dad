package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marcus/medsync/internal/crypto"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/output"
	"github.com/marcus/medsync/internal/sync"
	"github.com/marcus/medsync/internal/syncerr"
)

var syncCmd = &cobra.Command{
	Use:   "sync [peer]",
	Short: "Exchange pending records with a peer over HTTP",
	Long: `Sends the peer's pending records and applies the records it sends back.
Without an argument the parent is used. --all also pushes to every child
that has an address.`,
	GroupID: "sync",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			targets, err := syncTargets(ctx, a.engine, args, all)
			if err != nil {
				return err
			}
			var results []*sync.ExchangeResult
			var firstErr error
			for _, p := range targets {
				res, err := a.engine.Exchange(ctx, p.ID)
				if res != nil {
					results = append(results, res)
				}
				if !jsonOutput(cmd) {
					printExchange(p, res, err)
				}
				if err != nil && firstErr == nil {
					firstErr = err
				}
			}
			if jsonOutput(cmd) {
				if err := output.JSON(results); err != nil {
					return err
				}
			}
			return firstErr
		})
	},
}

func syncTargets(ctx context.Context, e *sync.Engine, args []string, all bool) ([]*models.Peer, error) {
	if len(args) == 1 {
		p, err := e.GetPeer(ctx, args[0])
		if err != nil {
			return nil, err
		}
		return []*models.Peer{p}, nil
	}
	var targets []*models.Peer
	parent, err := e.GetParent(ctx)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		targets = append(targets, parent)
	}
	if all {
		children, err := e.GetChildren(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if c.Address != "" && !c.Disabled {
				targets = append(targets, c)
			}
		}
	}
	if len(targets) == 0 {
		return nil, syncerr.New(syncerr.UnknownPeer, "no parent registered; name a peer or use --all")
	}
	return targets, nil
}

func printExchange(p *models.Peer, res *sync.ExchangeResult, err error) {
	if res == nil {
		output.Error("%s: %v", p.Nickname, err)
		return
	}
	line := fmt.Sprintf("%s: %s  sent %d", p.Nickname, output.FormatTransmissionState(res.State), res.Sent)
	if res.Excluded > 0 {
		line += fmt.Sprintf("  excluded %d", res.Excluded)
	}
	if rr := res.Response; rr != nil {
		line += fmt.Sprintf("  committed %d", rr.Committed)
		if rr.Failed+rr.Stopped+rr.Rejected > 0 {
			line += fmt.Sprintf("  failed %d  stopped %d  rejected %d", rr.Failed, rr.Stopped, rr.Rejected)
		}
		if rr.Applied != nil {
			line += fmt.Sprintf("  received %d", rr.Applied.Received)
		}
	}
	if err != nil {
		output.Warning("%s (%v)", line, err)
		return
	}
	output.Info("%s", line)
}

var exportCmd = &cobra.Command{
	Use:   "export <peer>",
	Short: "Write a transmission file for a peer without network access",
	Long: `Packages the peer's pending records as a transmission file. Carry it to the
peer and run 'medsync import' there. With a passphrase the file is sealed
(argon2id + AES-GCM) for transport on removable media.`,
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outPath, _ := cmd.Flags().GetString("output")
		passphrase := passphraseFlag(cmd)
		return withApp(cmd, func(ctx context.Context, a *app) error {
			exp, err := a.engine.Export(ctx, args[0])
			if err != nil {
				return err
			}
			path, err := writePayload(outPath, exp.FileName, exp.Payload, passphrase)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(map[string]any{"export": exp, "path": path})
			}
			output.Success("WROTE %s (%d records, %s)", path, exp.Records, humanize.Bytes(uint64(len(exp.Payload))))
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Apply a transmission file and write the response file",
	Long: `Applies a transmission produced by 'medsync export' on a peer. The response
file written next to it (or to --output) goes back to the sender, which runs
'medsync import-response'. Sealed files are opened with the passphrase and
the response is sealed with it too.`,
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outPath, _ := cmd.Flags().GetString("output")
		passphrase := passphraseFlag(cmd)
		return withApp(cmd, func(ctx context.Context, a *app) error {
			payload, err := readPayload(args[0], passphrase)
			if err != nil {
				return err
			}
			res, err := a.engine.Import(ctx, payload)
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = filepath.Dir(args[0])
			}
			path, err := writePayload(outPath, res.FileName, res.Response, passphrase)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return output.JSON(map[string]any{"import": res, "response_path": path})
			}
			output.Info("%s: received %d  committed %d  already %d  failed %d  rejected %d",
				output.FormatTransmissionState(res.State), res.Result.Received, res.Result.Committed,
				res.Result.AlreadyCommitted, res.Result.Failed, res.Result.Rejected)
			if res.Embedded > 0 {
				output.Info("Embedded %d of our records in the response", res.Embedded)
			}
			output.Success("WROTE %s", path)
			return nil
		})
	},
}

var importResponseCmd = &cobra.Command{
	Use:   "import-response <file>",
	Short: "Apply a response file returned by a peer",
	Long: `Applies the per-record outcomes of a response file and advances the peer's
cursor. When the peer embedded its own records, they are applied and a
confirmation file is written for the operator to carry back.`,
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outPath, _ := cmd.Flags().GetString("output")
		passphrase := passphraseFlag(cmd)
		return withApp(cmd, func(ctx context.Context, a *app) error {
			payload, err := readPayload(args[0], passphrase)
			if err != nil {
				return err
			}
			res, err := a.engine.ImportResponse(ctx, payload)
			if err != nil {
				return err
			}
			var confPath string
			if res.Confirmation != nil {
				if outPath == "" {
					outPath = filepath.Dir(args[0])
				}
				if confPath, err = writePayload(outPath, res.ConfirmationName, res.Confirmation, passphrase); err != nil {
					return err
				}
			}
			if jsonOutput(cmd) {
				return output.JSON(map[string]any{"response": res, "confirmation_path": confPath})
			}
			output.Info("%s: committed %d  failed %d  stopped %d  rejected %d  unknown %d",
				output.FormatTransmissionState(res.State), res.Committed, res.Failed, res.Stopped, res.Rejected, res.Unknown)
			if confPath != "" {
				output.Success("WROTE confirmation %s (%d records applied)", confPath, res.Applied.Received)
			}
			return nil
		})
	},
}

func passphraseFlag(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("passphrase")
	if p == "" {
		p = os.Getenv("MEDSYNC_PASSPHRASE")
	}
	return p
}

// readPayload reads a transmission or response file, opening it when sealed.
func readPayload(path, passphrase string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !crypto.IsSealed(data) {
		return data, nil
	}
	if passphrase == "" {
		return nil, syncerr.New(syncerr.InvalidArgument, "%s is sealed; pass --passphrase or set MEDSYNC_PASSPHRASE", path)
	}
	plain, err := crypto.Open(passphrase, data)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.MalformedTransmission, err, "open sealed %s", path)
	}
	return plain, nil
}

// writePayload writes data under dest. dest is a directory (name is used
// inside it) or, when it does not exist as a directory, the file path.
func writePayload(dest, name string, data []byte, passphrase string) (string, error) {
	path := dest
	if dest == "" {
		path = name
	} else if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		path = filepath.Join(dest, name)
	}
	if passphrase != "" {
		sealed, err := crypto.Seal(passphrase, data)
		if err != nil {
			return "", err
		}
		data = sealed
		path += ".sealed"
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func init() {
	rootCmd.AddCommand(syncCmd, exportCmd, importCmd, importResponseCmd)

	syncCmd.Flags().Bool("all", false, "also push to every child with an address")

	for _, c := range []*cobra.Command{exportCmd, importCmd, importResponseCmd} {
		c.Flags().StringP("output", "o", "", "output file or directory")
		c.Flags().String("passphrase", "", "seal/open files with this passphrase (or MEDSYNC_PASSPHRASE)")
	}

	addJSONFlag(syncCmd, exportCmd, importCmd, importResponseCmd)
}
