// services/tracking/internal/api/handlers_test.go
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/fleetops/services/tracking/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct{}

func (fakeStats) Stats() map[string]interface{} {
	return map[string]interface{}{"cycles": uint64(3)}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testDevice(imei string, status core.Status) core.Device {
	return core.Device{
		ID:          "v-" + imei,
		IMEI:        imei,
		VehicleName: "Bus " + imei,
		Status:      status,
		Color:       core.StatusColor(status),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func newTestRouter(t *testing.T, apiToken string) (*gin.Engine, *core.TrackingService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tracking := core.NewTrackingService(nil, nil, nil, testLogger())
	router := gin.New()
	handlers := NewAPIHandlers(tracking, fakeStats{})
	SetupRoutes(router, handlers, apiToken, testLogger())
	return router, tracking
}

func doRequest(router *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(t, "")

	w := doRequest(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestListDevicesBeforeFirstSnapshot(t *testing.T) {
	router, _ := newTestRouter(t, "")

	w := doRequest(router, http.MethodGet, "/api/v1/fleet/devices", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListDevices(t *testing.T) {
	router, tracking := newTestRouter(t, "")
	tracking.Publish(context.Background(), []core.Device{
		testDevice("111", core.StatusRunning),
		testDevice("222", core.StatusParked),
	})

	w := doRequest(router, http.MethodGet, "/api/v1/fleet/devices", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Devices []core.Device `json:"devices"`
		Count   int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Devices, 2)
}

func TestGetDevice(t *testing.T) {
	router, tracking := newTestRouter(t, "")
	tracking.Publish(context.Background(), []core.Device{testDevice("111", core.StatusIdle)})

	w := doRequest(router, http.MethodGet, "/api/v1/fleet/devices/111", "")
	require.Equal(t, http.StatusOK, w.Code)

	var device core.Device
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &device))
	assert.Equal(t, "111", device.IMEI)
	assert.Equal(t, core.StatusIdle, device.Status)

	w = doRequest(router, http.MethodGet, "/api/v1/fleet/devices/999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetSummary(t *testing.T) {
	router, tracking := newTestRouter(t, "")
	tracking.Publish(context.Background(), []core.Device{
		testDevice("111", core.StatusRunning),
		testDevice("222", core.StatusRunning),
		testDevice("333", core.StatusOffline),
	})

	w := doRequest(router, http.MethodGet, "/api/v1/fleet/summary", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Counts map[string]int `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Counts["all"])
	assert.Equal(t, 2, body.Counts["running"])
	assert.Equal(t, 1, body.Counts["offline"])
	assert.Equal(t, 0, body.Counts["idle"])
}

func TestGetBucket(t *testing.T) {
	router, tracking := newTestRouter(t, "")
	tracking.Publish(context.Background(), []core.Device{
		testDevice("111", core.StatusRunning),
		testDevice("222", core.StatusParked),
	})

	w := doRequest(router, http.MethodGet, "/api/v1/fleet/buckets/parked", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Bucket  string        `json:"bucket"`
		Devices []core.Device `json:"devices"`
		Count   int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "parked", body.Bucket)
	assert.Equal(t, 1, body.Count)

	w = doRequest(router, http.MethodGet, "/api/v1/fleet/buckets/bogus", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetDeviceHistoryWithoutStore(t *testing.T) {
	router, tracking := newTestRouter(t, "")
	tracking.Publish(context.Background(), []core.Device{testDevice("111", core.StatusRunning)})

	w := doRequest(router, http.MethodGet, "/api/v1/fleet/devices/111/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetSystemStats(t *testing.T) {
	router, tracking := newTestRouter(t, "")
	tracking.Publish(context.Background(), []core.Device{testDevice("111", core.StatusRunning)})

	w := doRequest(router, http.MethodGet, "/api/v1/admin/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Poller  map[string]interface{} `json:"poller"`
		Buckets map[string]int         `json:"buckets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 3, body.Poller["cycles"])
	assert.Equal(t, 1, body.Buckets["running"])
}

// streamRecorder adds the CloseNotifier behavior gin's Stream needs.
type streamRecorder struct {
	*httptest.ResponseRecorder
	closeCh chan bool
}

func (r *streamRecorder) CloseNotify() <-chan bool { return r.closeCh }

func TestStreamSeedsCurrentSnapshot(t *testing.T) {
	router, tracking := newTestRouter(t, "")
	tracking.Publish(context.Background(), []core.Device{testDevice("111", core.StatusRunning)})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/fleet/stream", nil).WithContext(ctx)
	w := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closeCh: make(chan bool)}

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()

	// Give the handler time to write the seed event, then disconnect.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream handler did not stop on client disconnect")
	}

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "event:snapshot")
}

func TestTokenAuthentication(t *testing.T) {
	router, tracking := newTestRouter(t, "secret-token")
	tracking.Publish(context.Background(), []core.Device{testDevice("111", core.StatusRunning)})

	// Health stays public.
	w := doRequest(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/fleet/devices", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/fleet/devices", "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/fleet/devices", "secret-token")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/fleet/devices", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://dashboard.local", w.Header().Get("Access-Control-Allow-Origin"))
}
