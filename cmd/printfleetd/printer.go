package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/printfleet/pkg/types"
)

var printerCmd = &cobra.Command{
	Use:   "printer",
	Short: "Manage printers",
}

var printerAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a new printer",
	Long: `Register a new printer with the fleet.

Examples:
  # Vendor A printer
  printfleetd printer add Printer-01 --ip 192.168.1.50 --type A --api-key XXXX --group farm-a

  # Vendor B printer
  printfleetd printer add Printer-02 --ip 192.168.1.51 --type B --serial ABC123 --access-code XXXX --group farm-b`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		ip, _ := cmd.Flags().GetString("ip")
		group, _ := cmd.Flags().GetString("group")
		vendor, _ := cmd.Flags().GetString("type")
		apiKey, _ := cmd.Flags().GetString("api-key")
		serial, _ := cmd.Flags().GetString("serial")
		accessCode, _ := cmd.Flags().GetString("access-code")

		fs, codec, err := openFleet(cmd)
		if err != nil {
			return err
		}

		p := &types.Printer{
			Name:         name,
			IP:           ip,
			Group:        group,
			SerialNumber: serial,
			State:        types.StateOffline,
			Status:       "Offline",
		}

		switch vendor {
		case "A":
			p.Type = types.VendorA
			enc, err := codec.Encrypt(apiKey)
			if err != nil {
				return fmt.Errorf("encrypt api key: %w", err)
			}
			p.APIKey = enc
		case "B":
			p.Type = types.VendorB
			enc, err := codec.Encrypt(accessCode)
			if err != nil {
				return fmt.Errorf("encrypt access code: %w", err)
			}
			p.AccessCode = enc
		default:
			return fmt.Errorf("--type must be A or B, got %q", vendor)
		}

		if err := fs.AddPrinter(p); err != nil {
			return fmt.Errorf("add printer: %w", err)
		}

		fmt.Printf("Printer added: %s (%s, group %s)\n", p.Name, p.Type, p.Group)
		return nil
	},
}

var printerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List printers",
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, _, err := openFleet(cmd)
		if err != nil {
			return err
		}

		printers := fs.Printers()
		if len(printers) == 0 {
			fmt.Println("No printers found")
			return nil
		}

		fmt.Printf("%-20s %-6s %-15s %-12s %-10s %s\n", "NAME", "TYPE", "IP", "GROUP", "STATE", "SERVICE")
		for _, p := range printers {
			fmt.Printf("%-20s %-6s %-15s %-12s %-10s %v\n",
				truncate(p.Name, 20), p.Type, p.IP, p.Group, p.State, p.ServiceMode)
		}
		return nil
	},
}

var printerRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a printer from the fleet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		fs, _, err := openFleet(cmd)
		if err != nil {
			return err
		}
		if err := fs.DeletePrinter(name); err != nil {
			return fmt.Errorf("remove printer: %w", err)
		}
		fmt.Printf("Printer removed: %s\n", name)
		return nil
	},
}

var printerServiceModeCmd = &cobra.Command{
	Use:   "service-mode NAME [true|false]",
	Short: "Toggle a printer's service mode (pulls it out of distribution)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		enabled := args[1] == "true"

		fs, _, err := openFleet(cmd)
		if err != nil {
			return err
		}
		p, ok := fs.Printer(name)
		if !ok {
			return fmt.Errorf("printer %q not found", name)
		}
		cp := *p
		cp.ServiceMode = enabled
		if err := fs.ApplyPrinterUpdates([]*types.Printer{&cp}); err != nil {
			return fmt.Errorf("update printer: %w", err)
		}
		fmt.Printf("Printer %s service mode: %v\n", name, enabled)
		return nil
	},
}

func init() {
	printerAddCmd.Flags().String("ip", "", "Printer IP address")
	printerAddCmd.Flags().String("group", "", "Group name used for order matching")
	printerAddCmd.Flags().String("type", "", "Vendor type: A or B")
	printerAddCmd.Flags().String("api-key", "", "Vendor A API key")
	printerAddCmd.Flags().String("serial", "", "Vendor B serial number")
	printerAddCmd.Flags().String("access-code", "", "Vendor B access code")

	printerCmd.AddCommand(printerAddCmd)
	printerCmd.AddCommand(printerListCmd)
	printerCmd.AddCommand(printerRemoveCmd)
	printerCmd.AddCommand(printerServiceModeCmd)
}

// truncate shortens s to n runes, as a display-width guard for table
// columns.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
