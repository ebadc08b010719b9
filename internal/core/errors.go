// services/tracking/internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// Business errors.
var (
	// Snapshot errors.
	ErrNoSnapshot         = errors.New("no snapshot published yet")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrHistoryUnavailable = errors.New("status history store not configured")

	// Acquisition errors.
	ErrRosterEmpty      = errors.New("roster contains no vehicles with a usable join key")
	ErrCycleInFlight    = errors.New("acquisition cycle already in flight")
	ErrPollerStopped    = errors.New("poller is stopped")
	ErrMessagingOffline = errors.New("messaging is not configured")
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
