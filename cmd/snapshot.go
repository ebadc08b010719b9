// services/tracking/cmd/snapshot.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"example.com/fleetops/services/tracking/internal/core"
	"example.com/fleetops/services/tracking/internal/fleetapi"
	"example.com/fleetops/services/tracking/internal/poller"
	"github.com/spf13/cobra"
)

var (
	snapshotBucket  string
	snapshotTimeout time.Duration
)

// snapshotCmd runs one acquisition cycle and prints the result, without
// starting the server or touching the database.
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Fetch and classify the fleet once, print the result as JSON",
	Long: `Runs a single telemetry acquisition cycle against the upstream fleet API,
classifies every vehicle and prints the resulting snapshot to stdout.
Useful for smoke-testing upstream connectivity and classification.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSnapshot()
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().StringVarP(&snapshotBucket, "bucket", "b", "", "Print only one status bucket (running, idle, parked, offline, new)")
	snapshotCmd.Flags().DurationVarP(&snapshotTimeout, "timeout", "t", 60*time.Second, "Overall timeout for the cycle")
}

func runSnapshot() error {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	fleetClient := fleetapi.NewClient(cfg.FleetAPI, logger)
	tracking := core.NewTrackingService(nil, nil, nil, logger)

	loop := poller.New(fleetClient, tracking, cfg.Poller, cfg.FleetAPI, logger)
	if err := loop.RunCycle(ctx); err != nil {
		return fmt.Errorf("acquisition cycle failed: %w", err)
	}

	snap, err := tracking.Snapshot()
	if err != nil {
		return fmt.Errorf("no snapshot produced: %w", err)
	}

	var out interface{} = snap
	if snapshotBucket != "" {
		devices, err := tracking.Bucket(snapshotBucket)
		if err != nil {
			return err
		}
		out = devices
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
