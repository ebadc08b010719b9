// services/tracking/internal/core/service.go
package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"example.com/fleetops/services/tracking/internal/infrastructure"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TrackingService owns the last published classification snapshot and
// fans it out to consumers. The acquisition loop publishes into it;
// views, the SSE stream and the event queue read out of it. Consumers
// only ever see immutable snapshots.
type TrackingService struct {
	store     DataStore
	cache     *infrastructure.Cache
	messaging *infrastructure.Messaging
	logger    *logrus.Logger

	mu         sync.RWMutex
	snapshot   *Snapshot
	lastStatus map[string]Status

	subMu       sync.Mutex
	subscribers map[int]chan Snapshot
	nextSubID   int
}

// NewTrackingService creates the service. store, cache and messaging are
// each optional; a missing collaborator disables that side effect only.
func NewTrackingService(store DataStore, cache *infrastructure.Cache, messaging *infrastructure.Messaging, logger *logrus.Logger) *TrackingService {
	return &TrackingService{
		store:       store,
		cache:       cache,
		messaging:   messaging,
		logger:      logger,
		lastStatus:  make(map[string]Status),
		subscribers: make(map[int]chan Snapshot),
	}
}

// Publish replaces the current snapshot wholesale and notifies every
// consumer. History, cache and queue writes are best effort: their
// failure never blocks the publish.
func (s *TrackingService) Publish(ctx context.Context, devices []Device) Snapshot {
	snap := Snapshot{
		Devices: devices,
		Buckets: Aggregate(devices),
		TakenAt: time.Now().UTC(),
	}

	s.mu.Lock()
	transitions := s.collectTransitions(devices, snap.TakenAt)
	s.snapshot = &snap
	s.mu.Unlock()

	counts := snap.Buckets.Counts()
	s.logger.WithFields(logrus.Fields{
		"devices": counts["all"],
		"running": counts["running"],
		"idle":    counts["idle"],
		"parked":  counts["parked"],
		"offline": counts["offline"],
		"new":     counts["new"],
	}).Info("Fleet snapshot published")

	s.persistRoster(ctx, devices, snap.TakenAt)
	s.recordTransitions(ctx, transitions)
	s.cacheSnapshot(ctx, &snap)
	s.notifySubscribers(snap)

	return snap
}

// Snapshot returns the last published snapshot.
func (s *TrackingService) Snapshot() (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return Snapshot{}, ErrNoSnapshot
	}
	return *s.snapshot, nil
}

// Device finds a device by vehicle id or IMEI in the current snapshot.
func (s *TrackingService) Device(id string) (Device, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return Device{}, err
	}
	for _, d := range snap.Devices {
		if d.ID == id || d.IMEI == id {
			return d, nil
		}
	}
	return Device{}, ErrDeviceNotFound
}

// Bucket returns one named status bucket from the current snapshot.
func (s *TrackingService) Bucket(name string) ([]Device, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	devices, ok := snap.Buckets.Bucket(name)
	if !ok {
		return nil, ErrBucketNotFound
	}
	return devices, nil
}

// Counts returns the bucket sizes for the side-panel counters.
func (s *TrackingService) Counts() (map[string]int, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Buckets.Counts(), nil
}

// Vehicles returns the persisted roster mirror. Unlike Snapshot it is
// available before the first acquisition cycle and during upstream
// outages.
func (s *TrackingService) Vehicles(ctx context.Context) ([]*VehicleRecord, error) {
	if s.store == nil {
		return nil, ErrHistoryUnavailable
	}
	return s.store.ListVehicles(ctx)
}

// History returns persisted status transitions for one vehicle.
func (s *TrackingService) History(ctx context.Context, imei string, limit int) ([]*StatusChange, error) {
	if s.store == nil {
		return nil, ErrHistoryUnavailable
	}
	return s.store.ListStatusChanges(ctx, imei, limit)
}

// Subscribe registers a snapshot consumer. The returned cancel func must
// be called when the consumer goes away. Sends never block: a consumer
// that falls behind misses intermediate snapshots, which is fine because
// every snapshot is complete.
func (s *TrackingService) Subscribe() (<-chan Snapshot, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Snapshot, 1)
	s.subscribers[id] = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// RestoreFromCache loads the last cached snapshot so consumers have data
// before the first acquisition cycle completes. Transitions are not
// re-derived from a restored snapshot.
func (s *TrackingService) RestoreFromCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}

	data, err := s.cache.Get(ctx, infrastructure.SnapshotCacheKey)
	if err != nil {
		return err
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		s.snapshot = &snap
		for _, d := range snap.Devices {
			s.lastStatus[d.IMEI] = d.Status
		}
		s.logger.WithField("devices", len(snap.Devices)).
			Info("Restored fleet snapshot from cache")
	}
	return nil
}

// collectTransitions diffs the new device set against the previously
// published statuses. Caller holds s.mu.
func (s *TrackingService) collectTransitions(devices []Device, at time.Time) []*StatusChange {
	var transitions []*StatusChange
	seen := make(map[string]Status, len(devices))

	for _, d := range devices {
		if d.IMEI == "" {
			continue
		}
		seen[d.IMEI] = d.Status
		prev, known := s.lastStatus[d.IMEI]
		if known && prev != d.Status {
			transitions = append(transitions, &StatusChange{
				ID:          uuid.New(),
				VehicleID:   d.ID,
				IMEI:        d.IMEI,
				VehicleName: d.VehicleName,
				FromStatus:  prev,
				ToStatus:    d.Status,
				Color:       d.Color,
				ChangedAt:   at,
			})
		}
	}
	s.lastStatus = seen
	return transitions
}

func (s *TrackingService) persistRoster(ctx context.Context, devices []Device, at time.Time) {
	if s.store == nil || len(devices) == 0 {
		return
	}

	vehicles := make([]VehicleRecord, 0, len(devices))
	for _, d := range devices {
		if d.IMEI == "" {
			continue
		}
		v := VehicleRecord{
			IMEI:          d.IMEI,
			VehicleID:     d.ID,
			VehicleName:   d.VehicleName,
			VehicleNumber: d.VehicleNumber,
			LastStatus:    d.Status,
		}
		if d.Timestamp != "" {
			if t, err := time.Parse(time.RFC3339, d.Timestamp); err == nil {
				v.LastSeenAt = &t
			}
		}
		vehicles = append(vehicles, v)
	}

	if err := s.store.UpsertVehicles(ctx, vehicles); err != nil {
		s.logger.WithError(err).Warn("Failed to persist roster mirror")
	}
}

func (s *TrackingService) recordTransitions(ctx context.Context, transitions []*StatusChange) {
	if len(transitions) == 0 {
		return
	}

	if s.store != nil {
		if err := s.store.SaveStatusChanges(ctx, transitions); err != nil {
			s.logger.WithError(err).Warn("Failed to save status transitions")
		}
	}

	if s.messaging == nil {
		return
	}

	for _, t := range transitions {
		event := StatusChangeEvent{
			ID:          t.ID.String(),
			VehicleID:   t.VehicleID,
			IMEI:        t.IMEI,
			VehicleName: t.VehicleName,
			FromStatus:  t.FromStatus,
			ToStatus:    t.ToStatus,
			Color:       t.Color,
			ChangedAt:   t.ChangedAt,
		}

		if err := s.messaging.Publish(ctx, "fleet.status-change", event); err != nil {
			// Row stays unpublished; the republish command picks it up.
			s.logger.WithError(err).WithFields(logrus.Fields{
				"imei": t.IMEI,
				"to":   t.ToStatus,
			}).Error("Failed to publish status change event")
			continue
		}

		if s.store != nil {
			if err := s.store.MarkChangePublished(ctx, t.ID); err != nil {
				s.logger.WithError(err).Warn("Failed to mark status change published")
			}
		}
	}
}

func (s *TrackingService) cacheSnapshot(ctx context.Context, snap *Snapshot) {
	if s.cache == nil {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to marshal snapshot for cache")
		return
	}

	if err := s.cache.Set(ctx, infrastructure.SnapshotCacheKey, string(data), 24*time.Hour); err != nil {
		s.logger.WithError(err).Warn("Failed to cache snapshot")
	}
}

func (s *TrackingService) notifySubscribers(snap Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
			// Drop the stale one so the subscriber gets the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
