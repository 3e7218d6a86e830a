package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/printfleet/pkg/ejection"
	"github.com/cuemby/printfleet/pkg/transport"
)

var ejectionCmd = &cobra.Command{
	Use:   "ejection",
	Short: "Operate the ejection sequence directly (§4.10 test hook, global pause)",
}

var ejectionSendCmd = &cobra.Command{
	Use:   "send PRINTER",
	Short: "Trigger an ejection run on a printer immediately",
	Long: `Dispatches the ejection g-code of the printer's current order
right now, instead of waiting for the normal FINISHED-state trigger.
The printer's state is not checked. Use --force to send even while the
printer's ejection lock is held, an ejection is already in progress, or
the Vendor-B resend cooldown is active.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		printerName := args[0]
		force, _ := cmd.Flags().GetBool("force")

		fs, codec, err := openFleet(cmd)
		if err != nil {
			return err
		}
		reg := transport.New()
		if err := bootstrapTransports(fs, codec, reg); err != nil {
			return fmt.Errorf("bootstrap transports: %w", err)
		}
		mgr := ejection.New(fs, reg)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := mgr.SendEjection(ctx, printerName, force); err != nil {
			return fmt.Errorf("send ejection: %w", err)
		}
		fmt.Printf("Ejection sent: %s\n", printerName)
		return nil
	},
}

var ejectionPauseCmd = &cobra.Command{
	Use:   "pause [true|false]",
	Short: "Globally pause or resume automatic ejection dispatch",
	Long: `ejection_paused (§9) is an in-process atomic flag, not one of
the §6.5 persisted documents, so it only affects a running daemon
through that daemon's own /ejection/pause and /ejection/resume
endpoints. This subcommand is for standalone use against a data
directory with no daemon attached to it (e.g. staging printers.json
before the first "serve" run); against a live daemon, POST to its
metrics listener instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paused := args[0] == "true"

		fs, codec, err := openFleet(cmd)
		if err != nil {
			return err
		}
		previous := fs.SetEjectionPaused(paused)

		if previous && !paused {
			reg := transport.New()
			if err := bootstrapTransports(fs, codec, reg); err != nil {
				return fmt.Errorf("bootstrap transports: %w", err)
			}
			mgr := ejection.New(fs, reg)
			if updates := mgr.MassResume(); len(updates) > 0 {
				if err := fs.ApplyPrinterUpdates(updates); err != nil {
					return fmt.Errorf("apply mass resume updates: %w", err)
				}
			}
		}

		fmt.Printf("Ejection pause: %v -> %v\n", previous, paused)
		return nil
	},
}

func init() {
	ejectionSendCmd.Flags().Bool("force", false, "Send even if an ejection is in progress or the cooldown is active")

	ejectionCmd.AddCommand(ejectionSendCmd)
	ejectionCmd.AddCommand(ejectionPauseCmd)
}
