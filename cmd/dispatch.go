package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/medifleet/dispatch/config"
)

var (
	deliverCargoID  string
	deliverWeightG  float64
	deliverVolumeML float64
	deliverOrigin   []float64
	deliverDest     []float64
	deliverPriority string
	deliverMinC     float64
	deliverMaxC     float64
	deliverCold     bool
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Submit a delivery request to a running service",
	RunE:  runDispatch,
}

func init() {
	dispatchCmd.Flags().StringVar(&deliverCargoID, "cargo", "", "cargo identifier")
	dispatchCmd.Flags().Float64Var(&deliverWeightG, "weight", 500, "cargo weight in grams")
	dispatchCmd.Flags().Float64Var(&deliverVolumeML, "volume", 400, "cargo volume in milliliters")
	dispatchCmd.Flags().Float64SliceVar(&deliverOrigin, "from", nil, "origin as lat,lon")
	dispatchCmd.Flags().Float64SliceVar(&deliverDest, "to", nil, "destination as lat,lon")
	dispatchCmd.Flags().StringVar(&deliverPriority, "priority", "routine", "delivery priority")
	dispatchCmd.Flags().BoolVar(&deliverCold, "cold", false, "require a temperature controlled compartment")
	dispatchCmd.Flags().Float64Var(&deliverMinC, "min-temp", 2, "required minimum temperature in C")
	dispatchCmd.Flags().Float64Var(&deliverMaxC, "max-temp", 8, "required maximum temperature in C")
	_ = dispatchCmd.MarkFlagRequired("cargo")
	_ = dispatchCmd.MarkFlagRequired("from")
	_ = dispatchCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(dispatchCmd)
}

func runDispatch(cmd *cobra.Command, args []string) error {
	if len(deliverOrigin) != 2 || len(deliverDest) != 2 {
		return fmt.Errorf("--from and --to take exactly lat,lon")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cargo := map[string]any{
		"id":        deliverCargoID,
		"weight_g":  deliverWeightG,
		"volume_ml": deliverVolumeML,
	}
	if deliverCold {
		cargo["req_temp"] = map[string]float64{"min_c": deliverMinC, "max_c": deliverMaxC}
	}
	body, err := json.Marshal(map[string]any{
		"cargo":       cargo,
		"origin":      map[string]float64{"lat": deliverOrigin[0], "lon": deliverOrigin[1]},
		"destination": map[string]float64{"lat": deliverDest[0], "lon": deliverDest[1]},
		"priority":    deliverPriority,
	})
	if err != nil {
		return err
	}

	cli := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, apiBase(cfg)+"/api/deliveries", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.API.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.API.Token)
	}
	resp, err := cli.Do(req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		ID        string `json:"id"`
		State     string `json:"state"`
		VehicleID string `json:"vehicle_id"`
	}
	if resp.StatusCode != http.StatusCreated {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return fmt.Errorf("service returned %s: %s", resp.Status, bytes.TrimSpace(buf.Bytes()))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if out.VehicleID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s on %s\n", out.ID, out.State, out.VehicleID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", out.ID, out.State)
	}
	return nil
}
