// services/tracking/cmd/republish.go
package cmd

import (
	"context"
	"fmt"

	"example.com/fleetops/services/tracking/internal/core"
	"example.com/fleetops/services/tracking/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	republishLimit  int
	republishDryRun bool
)

var republishCmd = &cobra.Command{
	Use:   "republish",
	Short: "Republish status change events that never reached the queue",
	Long: `Republish status change rows that were persisted but whose events failed
to reach the message queue. Useful for recovering from queue outages.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRepublish()
	},
}

func init() {
	rootCmd.AddCommand(republishCmd)

	republishCmd.Flags().IntVarP(&republishLimit, "limit", "l", 1000, "Maximum number of events to process")
	republishCmd.Flags().BoolVar(&republishDryRun, "dry-run", false, "Show what would be republished without actually sending")
}

func runRepublish() error {
	logger.Info("Starting status event republish...")

	ctx := context.Background()

	// Connect to infrastructure
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrMessagingOffline, err)
	}
	defer messaging.Close()

	dataStore := core.NewDataStore(db.DB)

	changes, err := dataStore.ListUnpublishedChanges(ctx, republishLimit)
	if err != nil {
		return fmt.Errorf("failed to list unpublished changes: %w", err)
	}

	logger.Infof("Found %d unpublished status changes", len(changes))

	if republishDryRun {
		logger.Info("DRY RUN: No events will be sent")
		for i, change := range changes {
			if i >= 10 {
				logger.Infof("... and %d more events", len(changes)-10)
				break
			}
			logger.WithFields(logrus.Fields{
				"id":         change.ID,
				"imei":       change.IMEI,
				"from":       change.FromStatus,
				"to":         change.ToStatus,
				"changed_at": change.ChangedAt,
			}).Info("Would republish event")
		}
		return nil
	}

	var successful, failed int
	for _, change := range changes {
		event := core.StatusChangeEvent{
			ID:          change.ID.String(),
			VehicleID:   change.VehicleID,
			IMEI:        change.IMEI,
			VehicleName: change.VehicleName,
			FromStatus:  change.FromStatus,
			ToStatus:    change.ToStatus,
			Color:       change.Color,
			ChangedAt:   change.ChangedAt,
		}

		if err := messaging.Publish(ctx, "fleet.status-change", event); err != nil {
			logger.WithError(err).WithField("id", change.ID).Error("Failed to publish event")
			failed++
			continue
		}

		if err := dataStore.MarkChangePublished(ctx, change.ID); err != nil {
			logger.WithError(err).WithField("id", change.ID).Warn("Failed to mark event published")
		}
		successful++
	}

	logger.WithFields(logrus.Fields{
		"total":      len(changes),
		"successful": successful,
		"failed":     failed,
	}).Info("Republish completed")

	if failed > 0 {
		logger.Warnf("Failed to republish %d events", failed)
	}

	return nil
}
