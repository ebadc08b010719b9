// services/tracking/internal/poller/poller.go
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"example.com/fleetops/services/tracking/config"
	"example.com/fleetops/services/tracking/internal/core"
	"example.com/fleetops/services/tracking/internal/fleetapi"
	"example.com/fleetops/services/tracking/internal/utils"
	"github.com/sirupsen/logrus"
)

// Source provides the upstream roster and telemetry fetches.
type Source interface {
	ListVehicles(ctx context.Context, limit int) ([]fleetapi.Vehicle, error)
	LastTelemetry(ctx context.Context, imeis []string) ([]core.RawTelemetryRecord, error)
	LastTelemetryChunked(ctx context.Context, imeis []string, chunkSize int) ([]core.RawTelemetryRecord, error)
}

// Sink receives the classified device set once per changed cycle.
type Sink interface {
	Publish(ctx context.Context, devices []core.Device) core.Snapshot
}

// Stats are the acquisition loop counters.
type Stats struct {
	mu          sync.RWMutex
	Cycles      uint64
	Skipped     uint64
	Suppressed  uint64
	Failures    uint64
	PushUpdates uint64
	Devices     int
	LastCycleAt time.Time
}

// Poller is the telemetry acquisition loop: it periodically fetches the
// roster and per-IMEI telemetry, merges them, classifies the result and
// publishes it to the sink. At most one cycle is in flight at any time.
type Poller struct {
	source     Source
	sink       Sink
	classifier core.Classifier
	logger     *logrus.Logger

	interval    time.Duration
	rosterLimit int
	chunkSize   int

	busy    atomic.Bool
	mounted atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	lastRaw     []core.RawTelemetryRecord
	lastDevices []core.Device

	stats Stats
}

// New creates a poller. rosterLimit and chunkSize fall back to the
// upstream defaults when unset.
func New(source Source, sink Sink, pollCfg config.PollerConfig, apiCfg config.FleetAPIConfig, logger *logrus.Logger) *Poller {
	interval := pollCfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	rosterLimit := apiCfg.RosterLimit
	if rosterLimit <= 0 {
		rosterLimit = 100
	}
	chunkSize := apiCfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 10
	}

	p := &Poller{
		source:      source,
		sink:        sink,
		classifier:  core.Classifier{StaleAfter: pollCfg.StaleThreshold},
		logger:      logger,
		interval:    interval,
		rosterLimit: rosterLimit,
		chunkSize:   chunkSize,
		stopCh:      make(chan struct{}),
	}
	// Mounted from construction so one-shot cycles work without Start.
	p.mounted.Store(true)
	return p
}

// Start launches the recurring loop with an immediate first cycle.
func (p *Poller) Start() {
	p.mounted.Store(true)
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		if err := p.RunCycle(context.Background()); err != nil {
			p.logger.WithError(err).Warn("Initial acquisition cycle failed")
		}

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				if err := p.RunCycle(context.Background()); err != nil {
					p.logger.WithError(err).Warn("Acquisition cycle failed")
				}
			}
		}
	}()

	p.logger.WithField("interval", p.interval).Info("Telemetry acquisition loop started")
}

// Stop cancels the recurring timer and marks the loop unmounted so a
// cycle still in flight completes as a no-op instead of publishing late.
func (p *Poller) Stop() {
	if !p.mounted.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("Telemetry acquisition loop stopped")
}

// RunCycle executes one acquisition cycle. A tick that fires while the
// previous cycle is unresolved is skipped, not queued: a missed tick is
// harmless while overlapping cycles risk inconsistent merges.
func (p *Poller) RunCycle(ctx context.Context) error {
	if !p.mounted.Load() {
		return core.ErrPollerStopped
	}
	if !p.busy.CompareAndSwap(false, true) {
		p.updateStats(func(s *Stats) { s.Skipped++ })
		return core.ErrCycleInFlight
	}
	defer p.busy.Store(false)

	merged, err := p.fetch(ctx)
	if err != nil {
		// Previous published state remains authoritative.
		p.updateStats(func(s *Stats) { s.Failures++ })
		return err
	}

	p.classifyAndPublish(ctx, merged)
	p.updateStats(func(s *Stats) {
		s.Cycles++
		s.Devices = len(merged)
		s.LastCycleAt = time.Now()
	})
	return nil
}

// fetch pulls the roster, correlates telemetry by IMEI and returns the
// merged raw record list with the roster as the base: a vehicle without
// telemetry still yields a record, which classifies as New.
func (p *Poller) fetch(ctx context.Context) ([]core.RawTelemetryRecord, error) {
	roster, err := p.source.ListVehicles(ctx, p.rosterLimit)
	if err != nil {
		return nil, fmt.Errorf("roster fetch: %w", err)
	}

	var (
		imeis   []string
		byIMEI  = make(map[string]int)
		records []core.RawTelemetryRecord
	)
	for _, v := range roster {
		imei := string(v.IMEINumber)
		if !utils.UsableJoinKey(imei) {
			// No join key means no way to correlate telemetry.
			continue
		}
		if !utils.ValidIMEI(imei) {
			p.logger.WithField("imei", imei).Debug("IMEI checksum invalid, keeping anyway")
		}
		if _, dup := byIMEI[imei]; dup {
			continue
		}
		byIMEI[imei] = len(records)
		imeis = append(imeis, imei)
		records = append(records, core.RawTelemetryRecord{
			ID:            v.ID,
			IMEI:          core.FlexString(imei),
			VehicleName:   v.VehicleName,
			VehicleNumber: v.VehicleNumber,
		})
	}
	if len(imeis) == 0 {
		return nil, core.ErrRosterEmpty
	}

	// Batch first; the upstream may reject bulk multi-key queries, in
	// which case degrade to concurrent fixed-size chunks.
	telemetry, err := p.source.LastTelemetry(ctx, imeis)
	if err != nil {
		p.logger.WithError(err).Debug("Batch telemetry fetch failed, falling back to chunks")
		telemetry, err = p.source.LastTelemetryChunked(ctx, imeis, p.chunkSize)
		if err != nil {
			return nil, fmt.Errorf("telemetry fetch: %w", err)
		}
	}

	for _, t := range telemetry {
		key := t.JoinKey()
		idx, known := byIMEI[key]
		if !known {
			// Telemetry for a vehicle the roster no longer lists.
			records = append(records, t)
			continue
		}
		base := records[idx]
		t.IMEI = core.FlexString(key)
		// The roster stays authoritative for identity fields.
		if base.ID != "" {
			t.ID = base.ID
		}
		if base.VehicleName != "" {
			t.VehicleName = base.VehicleName
		}
		if base.VehicleNumber != "" {
			t.VehicleNumber = base.VehicleNumber
		}
		records[idx] = t
	}

	return records, nil
}

// classifyAndPublish runs the classifier and publishes unless the result
// is structurally identical to the previous cycle's.
func (p *Poller) classifyAndPublish(ctx context.Context, merged []core.RawTelemetryRecord) {
	devices := p.classifier.Classify(merged, time.Now())

	p.mu.Lock()
	if reflect.DeepEqual(devices, p.lastDevices) {
		p.mu.Unlock()
		p.updateStats(func(s *Stats) { s.Suppressed++ })
		return
	}
	p.lastRaw = merged
	p.lastDevices = devices
	p.mu.Unlock()

	if !p.mounted.Load() {
		// Completed after Stop: publishing now would be a stale write.
		return
	}
	p.sink.Publish(ctx, devices)
}

// ApplyPushUpdate merges a single raw record from the push channel into
// the current device set by join key and republishes through the same
// suppression path as the polling cycle.
func (p *Poller) ApplyPushUpdate(ctx context.Context, record core.RawTelemetryRecord) {
	key := record.JoinKey()
	if key == "" {
		return
	}

	p.mu.Lock()
	merged := make([]core.RawTelemetryRecord, len(p.lastRaw))
	copy(merged, p.lastRaw)
	p.mu.Unlock()

	found := false
	for i := range merged {
		if merged[i].JoinKey() == key {
			// Keep the known identity fields when the event omits them.
			if record.ID == "" {
				record.ID = merged[i].ID
			}
			if record.VehicleName == "" {
				record.VehicleName = merged[i].VehicleName
			}
			if record.VehicleNumber == "" {
				record.VehicleNumber = merged[i].VehicleNumber
			}
			merged[i] = record
			found = true
			break
		}
	}
	if !found {
		merged = append(merged, record)
	}

	p.classifyAndPublish(ctx, merged)
	p.updateStats(func(s *Stats) { s.PushUpdates++ })
}

// HandlePushMessage decodes one push channel payload. It satisfies
// infrastructure.PushHandler.
func (p *Poller) HandlePushMessage(ctx context.Context, topic string, payload []byte) error {
	var record core.RawTelemetryRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return fmt.Errorf("malformed push payload: %w", err)
	}
	p.ApplyPushUpdate(ctx, record)
	return nil
}

// Stats returns a point-in-time view of the loop counters.
func (p *Poller) Stats() map[string]interface{} {
	p.stats.mu.RLock()
	defer p.stats.mu.RUnlock()

	return map[string]interface{}{
		"cycles":        p.stats.Cycles,
		"skipped":       p.stats.Skipped,
		"suppressed":    p.stats.Suppressed,
		"failures":      p.stats.Failures,
		"push_updates":  p.stats.PushUpdates,
		"devices":       p.stats.Devices,
		"last_cycle_at": p.stats.LastCycleAt,
	}
}

func (p *Poller) updateStats(fn func(*Stats)) {
	p.stats.mu.Lock()
	defer p.stats.mu.Unlock()
	fn(&p.stats)
}
