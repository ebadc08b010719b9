// services/tracking/internal/poller/poller_test.go
package poller

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"example.com/fleetops/services/tracking/config"
	"example.com/fleetops/services/tracking/internal/core"
	"example.com/fleetops/services/tracking/internal/fleetapi"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	roster    []fleetapi.Vehicle
	telemetry []core.RawTelemetryRecord
	rosterErr error
	batchErr  error
	chunkErr  error

	// When set, ListVehicles signals entered and then waits for a
	// release, letting tests hold a cycle in flight deterministically.
	entered     chan struct{}
	blockRoster chan struct{}

	batchCalls int
	chunkCalls int
}

func (f *fakeSource) ListVehicles(ctx context.Context, limit int) ([]fleetapi.Vehicle, error) {
	if f.blockRoster != nil {
		f.entered <- struct{}{}
		<-f.blockRoster
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rosterErr != nil {
		return nil, f.rosterErr
	}
	return f.roster, nil
}

func (f *fakeSource) LastTelemetry(ctx context.Context, imeis []string) ([]core.RawTelemetryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return f.telemetry, nil
}

func (f *fakeSource) LastTelemetryChunked(ctx context.Context, imeis []string, chunkSize int) ([]core.RawTelemetryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkCalls++
	if f.chunkErr != nil {
		return nil, f.chunkErr
	}
	return f.telemetry, nil
}

type fakeSink struct {
	mu        sync.Mutex
	published [][]core.Device
}

func (f *fakeSink) Publish(ctx context.Context, devices []core.Device) core.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, devices)
	return core.Snapshot{
		Devices: devices,
		Buckets: core.Aggregate(devices),
		TakenAt: time.Now().UTC(),
	}
}

func (f *fakeSink) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeSink) lastPublished() []core.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return nil
	}
	return f.published[len(f.published)-1]
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestPoller(source Source, sink Sink) *Poller {
	return New(source, sink,
		config.PollerConfig{Interval: time.Hour, StaleThreshold: time.Hour},
		config.FleetAPIConfig{RosterLimit: 100, ChunkSize: 2},
		testLogger())
}

func freshTelemetry(imei string, ignition, movement float64) core.RawTelemetryRecord {
	return core.RawTelemetryRecord{
		IMEI:      core.FlexString(imei),
		Latitude:  core.FlexFloat{Value: 23.8, Valid: true},
		Longitude: core.FlexFloat{Value: 90.4, Valid: true},
		Timestamp: core.FlexString(time.Now().UTC().Format(time.RFC3339)),
		IOElements: []core.IOElement{
			{ID: core.IOInputIgnition, Value: core.FlexFloat{Value: ignition, Valid: true}},
			{ID: core.IOInputMovement, Value: core.FlexFloat{Value: movement, Valid: true}},
		},
	}
}

func TestRunCycleMergesRosterAndTelemetry(t *testing.T) {
	source := &fakeSource{
		roster: []fleetapi.Vehicle{
			{ID: "1", VehicleName: "Bus A", IMEINumber: "111"},
			{ID: "2", VehicleName: "Bus B", IMEINumber: "222"},
		},
		telemetry: []core.RawTelemetryRecord{freshTelemetry("111", 1, 1)},
	}
	sink := &fakeSink{}
	p := newTestPoller(source, sink)

	require.NoError(t, p.RunCycle(context.Background()))
	require.Equal(t, 1, sink.publishCount())

	devices := sink.lastPublished()
	require.Len(t, devices, 2)

	byIMEI := make(map[string]core.Device)
	for _, d := range devices {
		byIMEI[d.IMEI] = d
	}

	// Vehicle with telemetry keeps its roster identity.
	assert.Equal(t, core.StatusRunning, byIMEI["111"].Status)
	assert.Equal(t, "1", byIMEI["111"].ID)
	assert.Equal(t, "Bus A", byIMEI["111"].VehicleName)

	// Vehicle without telemetry still appears and classifies as New.
	assert.Equal(t, core.StatusNew, byIMEI["222"].Status)
	assert.Equal(t, "Bus B", byIMEI["222"].VehicleName)
}

func TestRunCycleSkipsRosterEntriesWithoutJoinKey(t *testing.T) {
	source := &fakeSource{
		roster: []fleetapi.Vehicle{
			{ID: "1", VehicleName: "Bus A", IMEINumber: "111"},
			{ID: "2", VehicleName: "No Tracker"},
			{ID: "3", VehicleName: "Bus A again", IMEINumber: "111"},
		},
	}
	sink := &fakeSink{}
	p := newTestPoller(source, sink)

	require.NoError(t, p.RunCycle(context.Background()))
	assert.Len(t, sink.lastPublished(), 1)
}

func TestRunCycleEmptyRoster(t *testing.T) {
	source := &fakeSource{}
	sink := &fakeSink{}
	p := newTestPoller(source, sink)

	err := p.RunCycle(context.Background())
	assert.ErrorIs(t, err, core.ErrRosterEmpty)
	assert.Zero(t, sink.publishCount())
	assert.Equal(t, uint64(1), p.Stats()["failures"])
}

func TestRunCycleBatchFallbackToChunks(t *testing.T) {
	source := &fakeSource{
		roster:    []fleetapi.Vehicle{{ID: "1", IMEINumber: "111"}},
		telemetry: []core.RawTelemetryRecord{freshTelemetry("111", 1, 0)},
		batchErr:  assert.AnError,
	}
	sink := &fakeSink{}
	p := newTestPoller(source, sink)

	require.NoError(t, p.RunCycle(context.Background()))
	assert.Equal(t, 1, source.batchCalls)
	assert.Equal(t, 1, source.chunkCalls)
	assert.Equal(t, core.StatusIdle, sink.lastPublished()[0].Status)
}

func TestRunCycleFetchFailureKeepsPreviousState(t *testing.T) {
	source := &fakeSource{
		roster:    []fleetapi.Vehicle{{ID: "1", IMEINumber: "111"}},
		telemetry: []core.RawTelemetryRecord{freshTelemetry("111", 1, 1)},
	}
	sink := &fakeSink{}
	p := newTestPoller(source, sink)

	require.NoError(t, p.RunCycle(context.Background()))
	require.Equal(t, 1, sink.publishCount())

	// Both telemetry paths down: the cycle errors and publishes nothing.
	source.mu.Lock()
	source.batchErr = assert.AnError
	source.chunkErr = assert.AnError
	source.mu.Unlock()

	err := p.RunCycle(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, sink.publishCount())
}

func TestRunCycleSuppressesUnchangedResult(t *testing.T) {
	record := freshTelemetry("111", 0, 0)
	source := &fakeSource{
		roster:    []fleetapi.Vehicle{{ID: "1", IMEINumber: "111"}},
		telemetry: []core.RawTelemetryRecord{record},
	}
	sink := &fakeSink{}
	p := newTestPoller(source, sink)
	ctx := context.Background()

	require.NoError(t, p.RunCycle(ctx))
	require.NoError(t, p.RunCycle(ctx))
	assert.Equal(t, 1, sink.publishCount())
	assert.Equal(t, uint64(1), p.Stats()["suppressed"])

	// A real change publishes again.
	source.mu.Lock()
	source.telemetry = []core.RawTelemetryRecord{freshTelemetry("111", 1, 1)}
	source.mu.Unlock()

	require.NoError(t, p.RunCycle(ctx))
	assert.Equal(t, 2, sink.publishCount())
}

func TestRunCycleConcurrencyGuard(t *testing.T) {
	source := &fakeSource{
		roster:      []fleetapi.Vehicle{{ID: "1", IMEINumber: "111"}},
		entered:     make(chan struct{}, 1),
		blockRoster: make(chan struct{}),
	}
	sink := &fakeSink{}
	p := newTestPoller(source, sink)

	done := make(chan error, 1)
	go func() { done <- p.RunCycle(context.Background()) }()

	// Wait for the first cycle to take the busy slot.
	<-source.entered

	err := p.RunCycle(context.Background())
	assert.ErrorIs(t, err, core.ErrCycleInFlight)

	close(source.blockRoster)
	require.NoError(t, <-done)

	assert.Equal(t, 1, sink.publishCount())
	assert.Equal(t, uint64(1), p.Stats()["skipped"])
}

func TestStopPreventsLatePublish(t *testing.T) {
	source := &fakeSource{
		roster:      []fleetapi.Vehicle{{ID: "1", IMEINumber: "111"}},
		entered:     make(chan struct{}, 1),
		blockRoster: make(chan struct{}, 1),
	}
	sink := &fakeSink{}
	p := newTestPoller(source, sink)

	done := make(chan error, 1)
	go func() { done <- p.RunCycle(context.Background()) }()

	// Stop while the fetch is still in flight.
	<-source.entered
	p.Stop()
	source.blockRoster <- struct{}{}

	require.NoError(t, <-done)
	assert.Zero(t, sink.publishCount())
}

func TestRunCycleAfterStop(t *testing.T) {
	p := newTestPoller(&fakeSource{}, &fakeSink{})
	p.Stop()

	err := p.RunCycle(context.Background())
	assert.ErrorIs(t, err, core.ErrPollerStopped)
}

func TestStopIsIdempotent(t *testing.T) {
	p := newTestPoller(&fakeSource{}, &fakeSink{})
	p.Stop()
	p.Stop()
}

func TestApplyPushUpdateMergesByJoinKey(t *testing.T) {
	source := &fakeSource{
		roster:    []fleetapi.Vehicle{{ID: "1", VehicleName: "Bus A", IMEINumber: "111"}},
		telemetry: []core.RawTelemetryRecord{freshTelemetry("111", 0, 0)},
	}
	sink := &fakeSink{}
	p := newTestPoller(source, sink)
	ctx := context.Background()

	require.NoError(t, p.RunCycle(ctx))
	require.Equal(t, core.StatusParked, sink.lastPublished()[0].Status)

	// Push event flips the vehicle to running; identity comes from the
	// merged state since the event omits it.
	p.ApplyPushUpdate(ctx, freshTelemetry("111", 1, 1))

	require.Equal(t, 2, sink.publishCount())
	devices := sink.lastPublished()
	require.Len(t, devices, 1)
	assert.Equal(t, core.StatusRunning, devices[0].Status)
	assert.Equal(t, "Bus A", devices[0].VehicleName)
	assert.Equal(t, uint64(1), p.Stats()["push_updates"])
}

func TestApplyPushUpdateUnknownVehicleAppends(t *testing.T) {
	source := &fakeSource{
		roster:    []fleetapi.Vehicle{{ID: "1", IMEINumber: "111"}},
		telemetry: []core.RawTelemetryRecord{freshTelemetry("111", 0, 0)},
	}
	sink := &fakeSink{}
	p := newTestPoller(source, sink)
	ctx := context.Background()

	require.NoError(t, p.RunCycle(ctx))

	p.ApplyPushUpdate(ctx, freshTelemetry("999", 1, 1))
	assert.Len(t, sink.lastPublished(), 2)
}

func TestHandlePushMessage(t *testing.T) {
	source := &fakeSource{
		roster:    []fleetapi.Vehicle{{ID: "1", IMEINumber: "111"}},
		telemetry: []core.RawTelemetryRecord{freshTelemetry("111", 0, 0)},
	}
	sink := &fakeSink{}
	p := newTestPoller(source, sink)
	ctx := context.Background()

	require.NoError(t, p.RunCycle(ctx))

	payload := []byte(`{"imei": "111", "latitude": 23.8, "longitude": 90.4,
		"timestamp": "` + time.Now().UTC().Format(time.RFC3339) + `",
		"ioElements": [{"id": 239, "value": 1}, {"id": 240, "value": 1}]}`)
	require.NoError(t, p.HandlePushMessage(ctx, "fleet/111/gps", payload))
	assert.Equal(t, core.StatusRunning, sink.lastPublished()[0].Status)

	err := p.HandlePushMessage(ctx, "fleet/111/gps", []byte("not json"))
	assert.Error(t, err)
}
