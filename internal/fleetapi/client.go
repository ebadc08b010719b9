// services/tracking/internal/fleetapi/client.go
package fleetapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/fleetops/services/tracking/config"
	"example.com/fleetops/services/tracking/internal/core"
	"github.com/sirupsen/logrus"
)

// Vehicle is one roster descriptor from the fleet platform.
type Vehicle struct {
	ID            core.FlexString `json:"id"`
	VehicleName   core.FlexString `json:"vehicle_name"`
	VehicleNumber core.FlexString `json:"vehicle_number"`
	IMEINumber    core.FlexString `json:"imei_number"`
}

type rosterResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Vehicles []Vehicle `json:"vehicles"`
	} `json:"data"`
}

type telemetryResponse struct {
	Success bool                      `json:"success"`
	Data    []core.RawTelemetryRecord `json:"data"`
}

// Client talks to the upstream fleet-platform REST API. It carries its
// own session context (token + company id) instead of reading it from
// ambient state.
type Client struct {
	baseURL    string
	authToken  string
	companyID  string
	maxRetries int
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a fleet API client from config.
func NewClient(cfg config.FleetAPIConfig, logger *logrus.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authToken:  cfg.AuthToken,
		companyID:  cfg.CompanyID,
		maxRetries: maxRetries,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// ListVehicles fetches the current vehicle roster, capped at limit.
// Network errors are retried with backoff.
func (c *Client) ListVehicles(ctx context.Context, limit int) ([]Vehicle, error) {
	if limit <= 0 {
		limit = 100
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	var resp rosterResponse
	if err := c.getWithRetry(ctx, "/api/v1/vehicles", q, &resp); err != nil {
		return nil, fmt.Errorf("roster fetch failed: %w", err)
	}
	if !resp.Success {
		return nil, core.BusinessError{Code: "ROSTER_REJECTED", Message: "roster fetch rejected by upstream"}
	}

	return resp.Data.Vehicles, nil
}

// LastTelemetry fetches the last-known telemetry sample for every join
// key in a single comma-joined batch request.
func (c *Client) LastTelemetry(ctx context.Context, imeis []string) ([]core.RawTelemetryRecord, error) {
	if len(imeis) == 0 {
		return nil, nil
	}

	q := url.Values{}
	q.Set("imei", strings.Join(imeis, ","))

	var resp telemetryResponse
	if err := c.get(ctx, "/api/v1/last-vehicle-data", q, &resp); err != nil {
		return nil, fmt.Errorf("telemetry fetch failed: %w", err)
	}
	if !resp.Success {
		return nil, core.BusinessError{Code: "TELEMETRY_REJECTED", Message: "telemetry fetch rejected by upstream"}
	}

	return resp.Data, nil
}

// LastTelemetryChunked fetches telemetry in fixed-size chunks issued
// concurrently. A failed chunk contributes nothing and never aborts its
// siblings; an error is returned only when every chunk failed.
func (c *Client) LastTelemetryChunked(ctx context.Context, imeis []string, chunkSize int) ([]core.RawTelemetryRecord, error) {
	if len(imeis) == 0 {
		return nil, nil
	}
	if chunkSize <= 0 {
		chunkSize = 10
	}

	var chunks [][]string
	for i := 0; i < len(imeis); i += chunkSize {
		end := i + chunkSize
		if end > len(imeis) {
			end = len(imeis)
		}
		chunks = append(chunks, imeis[i:end])
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		merged []core.RawTelemetryRecord
		failed int
	)

	for i, chunk := range chunks {
		wg.Add(1)
		go func(idx int, keys []string) {
			defer wg.Done()

			records, err := c.LastTelemetry(ctx, keys)
			if err != nil {
				c.logger.WithError(err).WithFields(logrus.Fields{
					"chunk": idx,
					"keys":  len(keys),
				}).Warn("Telemetry chunk failed, skipping")

				mu.Lock()
				failed++
				mu.Unlock()
				return
			}

			mu.Lock()
			merged = append(merged, records...)
			mu.Unlock()
		}(i, chunk)
	}
	wg.Wait()

	if failed == len(chunks) {
		return nil, fmt.Errorf("all %d telemetry chunks failed", failed)
	}
	return merged, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) getWithRetry(ctx context.Context, path string, query url.Values, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		lastErr = c.get(ctx, path, query, out)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.companyID != "" {
		req.Header.Set("X-Company-ID", c.companyID)
	}
}
