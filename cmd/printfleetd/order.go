package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/printfleet/pkg/storage"
	"github.com/cuemby/printfleet/pkg/types"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Manage print orders",
}

var orderCreateCmd = &cobra.Command{
	Use:   "create FILEPATH",
	Short: "Submit a print order for one or more groups",
	Long: `Submit a request for N copies of a g-code file, to be
distributed to ready printers in the given groups.

Example:
  printfleetd order create ./parts/bracket.gcode --quantity 20 --groups farm-a,farm-b --filament-g 12.5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filepath := args[0]
		name, _ := cmd.Flags().GetString("name")
		quantity, _ := cmd.Flags().GetInt("quantity")
		groupsArg, _ := cmd.Flags().GetString("groups")
		filamentG, _ := cmd.Flags().GetFloat64("filament-g")
		ejectionEnabled, _ := cmd.Flags().GetBool("ejection-enabled")
		ejectionCodeID, _ := cmd.Flags().GetString("ejection-code")
		endGcode, _ := cmd.Flags().GetString("end-gcode")
		cooldownTemp, _ := cmd.Flags().GetInt("cooldown-temp")

		if quantity <= 0 {
			return fmt.Errorf("--quantity must be positive")
		}
		if !storage.ValidateGcodeFile(filepath) {
			return fmt.Errorf("unsupported file extension for %q (want .gcode, .3mf, .bgcode, or .gcode.3mf)", filepath)
		}
		groups := splitAndTrim(groupsArg)
		if len(groups) == 0 {
			return fmt.Errorf("--groups must name at least one group")
		}

		fs, _, err := openFleet(cmd)
		if err != nil {
			return err
		}

		o := &types.Order{
			Filepath:        filepath,
			Filename:        baseName(filepath),
			Name:            name,
			Quantity:        quantity,
			FilamentG:       filamentG,
			Groups:          groups,
			Status:          types.OrderPending,
			EjectionEnabled: ejectionEnabled,
			EjectionCodeID:  ejectionCodeID,
			EndGcode:        endGcode,
		}
		if ec, ok := fs.EjectionCode(ejectionCodeID); ok {
			o.EjectionCodeName = ec.Name
			// A referenced preset supplies the g-code unless --end-gcode
			// overrode it explicitly.
			if endGcode == "" {
				o.EndGcode = ec.Gcode
			}
		}
		// §8 boundary: cooldown_temp outside [0,100] is ignored (treated
		// as null) rather than rejected.
		if cmd.Flags().Changed("cooldown-temp") && cooldownTemp >= 0 && cooldownTemp <= 100 {
			o.CooldownTemp = &cooldownTemp
		}

		created, err := fs.CreateOrder(o)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		fmt.Printf("Order created: #%d (%s x%d -> %s)\n", created.ID, created.Filename, created.Quantity, strings.Join(created.Groups, ","))
		return nil
	},
}

var orderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		fs, _, err := openFleet(cmd)
		if err != nil {
			return err
		}

		orders := fs.Orders()
		if len(orders) == 0 {
			fmt.Println("No orders found")
			return nil
		}

		fmt.Printf("%-5s %-25s %-10s %-10s %-10s %s\n", "ID", "FILE", "SENT/QTY", "STATUS", "DELETED", "GROUPS")
		for _, o := range orders {
			if o.Deleted && !all {
				continue
			}
			fmt.Printf("%-5d %-25s %-10s %-10s %-10v %s\n",
				o.ID, truncate(o.Filename, 25), fmt.Sprintf("%d/%d", o.Sent, o.Quantity), o.Status, o.Deleted, strings.Join(o.Groups, ","))
		}
		return nil
	},
}

var orderDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Soft-delete an order, excluding it from future distribution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseOrderID(args[0])
		if err != nil {
			return err
		}
		fs, _, err := openFleet(cmd)
		if err != nil {
			return err
		}
		if err := fs.SoftDeleteOrder(id); err != nil {
			return fmt.Errorf("delete order: %w", err)
		}
		fmt.Printf("Order deleted: #%d\n", id)
		return nil
	},
}

func init() {
	orderCreateCmd.Flags().String("name", "", "Human-readable order name")
	orderCreateCmd.Flags().Int("quantity", 1, "Number of copies to distribute")
	orderCreateCmd.Flags().String("groups", "", "Comma-separated list of eligible printer groups")
	orderCreateCmd.Flags().Float64("filament-g", 0, "Filament grams consumed per copy")
	orderCreateCmd.Flags().Bool("ejection-enabled", false, "Run the ejection sequence after each copy finishes")
	orderCreateCmd.Flags().String("ejection-code", "", "Ejection-code preset ID to use")
	orderCreateCmd.Flags().String("end-gcode", "", "Literal ejection g-code, overriding --ejection-code's preset")
	orderCreateCmd.Flags().Int("cooldown-temp", 0, "Vendor-B bed cooldown target (°C) before ejection")

	orderListCmd.Flags().Bool("all", false, "Include soft-deleted orders")

	orderCmd.AddCommand(orderCreateCmd)
	orderCmd.AddCommand(orderListCmd)
	orderCmd.AddCommand(orderDeleteCmd)
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func baseName(path string) string {
	i := strings.LastIndexAny(path, "/\\")
	if i < 0 {
		return path
	}
	return path[i+1:]
}

func parseOrderID(s string) (int, error) {
	var id int
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid order id %q", s)
	}
	return id, nil
}
