package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/medifleet/dispatch/config"
)

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Fleet related commands",
}

var fleetLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List vehicles known to a running service",
	RunE:  runFleetLs,
}

func init() {
	fleetCmd.AddCommand(fleetLsCmd)
	rootCmd.AddCommand(fleetCmd)
}

type fleetStatusEntry struct {
	ID               string            `json:"ID"`
	Kind             string            `json:"Kind"`
	Status           string            `json:"Status"`
	Battery          float64           `json:"Battery"`
	ActiveDeliveries map[string]string `json:"active_deliveries"`
}

func runFleetLs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	base := apiBase(cfg)
	cli := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+"/api/vehicles/status", nil)
	if err != nil {
		return err
	}
	resp, err := cli.Do(req)
	if err != nil {
		return fmt.Errorf("query service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service returned %s", resp.Status)
	}
	var entries []fleetStatusEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s\t%s\t%s\tbattery=%.0f%%", e.ID, e.Kind, e.Status, e.Battery*100)
		if len(e.ActiveDeliveries) > 0 {
			var ids []string
			for _, id := range e.ActiveDeliveries {
				ids = append(ids, id)
			}
			line += "\tcarrying " + strings.Join(ids, ",")
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func apiBase(cfg *config.Config) string {
	addr := cfg.API.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}
