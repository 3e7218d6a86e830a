package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/printfleet/pkg/ejection"
	"github.com/cuemby/printfleet/pkg/transport"
	"github.com/cuemby/printfleet/pkg/types"
)

var ejectionCodeCmd = &cobra.Command{
	Use:   "ejection-code",
	Short: "Manage reusable ejection g-code presets",
}

var ejectionCodeCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an ejection-code preset",
	Long: `Create a reusable g-code preset that an order can reference
by --ejection-code at submission time (§4.10). An M400 wait is
appended automatically if the g-code doesn't already contain one.

Example:
  printfleetd ejection-code create standard-push --gcode-file ./eject.gcode`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		gcodeFile, _ := cmd.Flags().GetString("gcode-file")
		gcodeLiteral, _ := cmd.Flags().GetString("gcode")

		gcode, err := resolveGcode(gcodeFile, gcodeLiteral)
		if err != nil {
			return err
		}

		fs, _, err := openFleet(cmd)
		if err != nil {
			return err
		}

		c := &types.EjectionCode{
			ID:    uuid.NewString(),
			Name:  name,
			Gcode: ejection.NormalizeGcode(gcode),
		}
		if err := fs.CreateEjectionCode(c); err != nil {
			return fmt.Errorf("create ejection code: %w", err)
		}

		fmt.Printf("Ejection code created: %s (%s)\n", c.Name, c.ID)
		return nil
	},
}

var ejectionCodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ejection-code presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, _, err := openFleet(cmd)
		if err != nil {
			return err
		}
		codes := fs.EjectionCodes()
		if len(codes) == 0 {
			fmt.Println("No ejection codes found")
			return nil
		}
		fmt.Printf("%-36s %-20s %s\n", "ID", "NAME", "UPDATED")
		for _, c := range codes {
			fmt.Printf("%-36s %-20s %s\n", c.ID, truncate(c.Name, 20), c.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var ejectionCodeUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Update an ejection-code preset's name and/or g-code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		name, _ := cmd.Flags().GetString("name")
		gcodeFile, _ := cmd.Flags().GetString("gcode-file")
		gcodeLiteral, _ := cmd.Flags().GetString("gcode")

		var gcode string
		if gcodeFile != "" || gcodeLiteral != "" {
			g, err := resolveGcode(gcodeFile, gcodeLiteral)
			if err != nil {
				return err
			}
			gcode = ejection.NormalizeGcode(g)
		}

		fs, _, err := openFleet(cmd)
		if err != nil {
			return err
		}
		if err := fs.UpdateEjectionCode(id, name, gcode); err != nil {
			return fmt.Errorf("update ejection code: %w", err)
		}
		fmt.Printf("Ejection code updated: %s\n", id)
		return nil
	},
}

var ejectionCodeDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete an ejection-code preset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		fs, _, err := openFleet(cmd)
		if err != nil {
			return err
		}
		if err := fs.DeleteEjectionCode(id); err != nil {
			return fmt.Errorf("delete ejection code: %w", err)
		}
		fmt.Printf("Ejection code deleted: %s\n", id)
		return nil
	},
}

var ejectionCodeTestCmd = &cobra.Command{
	Use:   "test ID PRINTER",
	Short: "Send a preset's g-code straight to a printer for debugging (§4.10)",
	Long: `Sends the named preset's g-code directly to a printer without
going through the normal FINISHED-state ejection flow — useful for
confirming a preset actually clears the bed before attaching it to an
order.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, printerName := args[0], args[1]

		fs, codec, err := openFleet(cmd)
		if err != nil {
			return err
		}
		code, ok := fs.EjectionCode(id)
		if !ok {
			return fmt.Errorf("ejection code %q not found", id)
		}

		reg := transport.New()
		if err := bootstrapTransports(fs, codec, reg); err != nil {
			return fmt.Errorf("bootstrap transports: %w", err)
		}

		printer, ok := fs.Printer(printerName)
		if !ok {
			return fmt.Errorf("printer %q not found", printerName)
		}
		if printer.Type == types.VendorB {
			accessCode, err := codec.Decrypt(printer.AccessCode)
			if err != nil {
				return fmt.Errorf("decrypt access code: %w", err)
			}
			if _, err := reg.EnsureVendorB(printer.Name, printer.IP, printer.SerialNumber, accessCode); err != nil {
				return fmt.Errorf("connect mqtt session: %w", err)
			}
		}

		mgr := ejection.New(fs, reg)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := mgr.TestEjectionCode(ctx, printerName, code.Gcode); err != nil {
			return fmt.Errorf("test ejection code: %w", err)
		}
		fmt.Printf("Sent ejection code %q to %s\n", code.Name, printerName)
		return nil
	},
}

func resolveGcode(file, literal string) (string, error) {
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read gcode file: %w", err)
		}
		return string(b), nil
	}
	if literal != "" {
		return literal, nil
	}
	return "", fmt.Errorf("must specify one of --gcode-file or --gcode")
}

func init() {
	ejectionCodeCreateCmd.Flags().String("gcode-file", "", "Read g-code from file")
	ejectionCodeCreateCmd.Flags().String("gcode", "", "Literal g-code string")

	ejectionCodeUpdateCmd.Flags().String("name", "", "New name")
	ejectionCodeUpdateCmd.Flags().String("gcode-file", "", "Read replacement g-code from file")
	ejectionCodeUpdateCmd.Flags().String("gcode", "", "Literal replacement g-code string")

	ejectionCodeCmd.AddCommand(ejectionCodeCreateCmd)
	ejectionCodeCmd.AddCommand(ejectionCodeListCmd)
	ejectionCodeCmd.AddCommand(ejectionCodeUpdateCmd)
	ejectionCodeCmd.AddCommand(ejectionCodeDeleteCmd)
	ejectionCodeCmd.AddCommand(ejectionCodeTestCmd)
}
