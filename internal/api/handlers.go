// services/tracking/internal/api/handlers.go
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"example.com/fleetops/services/tracking/internal/core"
	"github.com/gin-gonic/gin"
)

// StatsProvider exposes acquisition loop counters to the admin surface.
type StatsProvider interface {
	Stats() map[string]interface{}
}

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	tracking *core.TrackingService
	stats    StatsProvider
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(tracking *core.TrackingService, stats StatsProvider) *APIHandlers {
	return &APIHandlers{tracking: tracking, stats: stats}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "fleet-tracking-api",
	})
}

// ListDevices returns the full classified device list
func (h *APIHandlers) ListDevices(c *gin.Context) {
	snap, err := h.tracking.Snapshot()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices":  snap.Devices,
		"count":    len(snap.Devices),
		"taken_at": snap.TakenAt,
	})
}

// GetDevice returns one device by vehicle id or IMEI
func (h *APIHandlers) GetDevice(c *gin.Context) {
	device, err := h.tracking.Device(c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, core.ErrDeviceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrNoSnapshot):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get device"})
		}
		return
	}

	c.JSON(http.StatusOK, device)
}

// GetSummary returns the per-bucket counts for the side panel
func (h *APIHandlers) GetSummary(c *gin.Context) {
	snap, err := h.tracking.Snapshot()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"counts":   snap.Buckets.Counts(),
		"taken_at": snap.TakenAt,
	})
}

// GetBucket returns one named status bucket
func (h *APIHandlers) GetBucket(c *gin.Context) {
	name := c.Param("status")
	devices, err := h.tracking.Bucket(name)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrBucketNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrNoSnapshot):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get bucket"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bucket":  name,
		"devices": devices,
		"count":   len(devices),
	})
}

// GetVehicles returns the persisted roster mirror, which stays
// queryable during upstream outages
func (h *APIHandlers) GetVehicles(c *gin.Context) {
	vehicles, err := h.tracking.Vehicles(c.Request.Context())
	if err != nil {
		if errors.Is(err, core.ErrHistoryUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list vehicles"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"vehicles": vehicles,
		"count":    len(vehicles),
	})
}

// GetDeviceHistory returns persisted status transitions for a vehicle
func (h *APIHandlers) GetDeviceHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	changes, err := h.tracking.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		if errors.Is(err, core.ErrHistoryUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"imei":    c.Param("id"),
		"changes": changes,
		"count":   len(changes),
	})
}

// StreamSnapshots pushes every published snapshot as a server-sent event
func (h *APIHandlers) StreamSnapshots(c *gin.Context) {
	ch, cancel := h.tracking.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Seed the stream with the current snapshot when one exists.
	if snap, err := h.tracking.Snapshot(); err == nil {
		c.SSEvent("snapshot", snap)
		c.Writer.Flush()
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case snap, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("snapshot", snap)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// GetSystemStats returns acquisition loop counters and bucket sizes
func (h *APIHandlers) GetSystemStats(c *gin.Context) {
	stats := gin.H{
		"timestamp": time.Now(),
	}
	if h.stats != nil {
		stats["poller"] = h.stats.Stats()
	}
	if counts, err := h.tracking.Counts(); err == nil {
		stats["buckets"] = counts
	}

	c.JSON(http.StatusOK, stats)
}
