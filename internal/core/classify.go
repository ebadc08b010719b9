// services/tracking/internal/core/classify.go
package core

import (
	"fmt"
	"strconv"
	"time"
)

// DefaultStaleAfter is the age after which a report counts as offline.
const DefaultStaleAfter = time.Hour

// Classifier turns raw telemetry records into normalized devices.
// The zero value classifies with the default staleness threshold.
type Classifier struct {
	StaleAfter time.Duration
}

// Classify maps every raw record to exactly one Device. It is pure and
// total: malformed or partial records resolve to safe defaults, never an
// error. The caller supplies now so results are deterministic.
func (c Classifier) Classify(records []RawTelemetryRecord, now time.Time) []Device {
	staleAfter := c.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	devices := make([]Device, 0, len(records))
	for i := range records {
		devices = append(devices, classifyRecord(&records[i], now, staleAfter))
	}
	return devices
}

// Classify is the package-level form with the default staleness threshold.
func Classify(records []RawTelemetryRecord, now time.Time) []Device {
	return Classifier{}.Classify(records, now)
}

func classifyRecord(r *RawTelemetryRecord, now time.Time, staleAfter time.Duration) Device {
	ignition := ioValue(r.IOElements, IOInputIgnition) == 1
	movement := ioValue(r.IOElements, IOInputMovement) == 1

	ts, hasTimestamp := parseTimestamp(string(r.Timestamp))
	hasLat := r.Latitude.Valid && r.Latitude.Value != 0
	hasLng := r.Longitude.Valid && r.Longitude.Value != 0

	// A device that never reported a usable fix is New no matter what its
	// inputs claim; staleness only applies once a fix exists.
	isNew := !hasTimestamp || !hasLat || !hasLng
	isStale := hasTimestamp && now.Sub(ts) > staleAfter

	status := decideStatus(isNew, isStale, ignition, movement)

	timestamp := ""
	if hasTimestamp {
		timestamp = ts.UTC().Format(time.RFC3339)
	}

	route := firstRoute(r)

	return Device{
		ID:               stringOr(string(r.ID), "-"),
		IMEI:             r.JoinKey(),
		VehicleName:      stringOr(string(r.VehicleName), "-"),
		VehicleNumber:    stringOr(string(r.VehicleNumber), "-"),
		RouteName:        routeName(route),
		TotalDistance:    formatOdometer(ioProperty(r.IOElements, IOPropTotalOdometer)),
		TodayDistance:    formatOdometer(ioProperty(r.IOElements, IOPropTripOdometer)),
		Seats:            formatCount(r.Seats),
		AssignedSeats:    assignedSeats(route, r.AssignedSeats),
		OnboardedCount:   formatCount(r.OnboardCount),
		Speed:            formatSpeed(r.Speed),
		DriverName:       driverName(r),
		DriverNumber:     stringOr(r.Driver.PhoneNumber, "-"),
		Address:          stringOr(string(r.Address), "-"),
		Timestamp:        timestamp,
		SpeedLimit:       speedLimit(r),
		Lat:              coordinate(r.Latitude),
		Lng:              coordinate(r.Longitude),
		HasGPS:           hasLat && hasLng,
		HasIgnition:      ignition,
		HasBattery:       ioValue(r.IOElements, IOInputBattery) > 0,
		HasExternalPower: ioValue(r.IOElements, IOInputExternalPower) > 0,
		Movement:         movement,
		Color:            StatusColor(status),
		IsOffline:        isStale,
		Status:           status,
	}
}

// decideStatus applies the priority-ordered status rules: New before
// Offline before the ignition/movement states. With ignition off the
// vehicle is parked regardless of the movement flag, so for boolean
// inputs the three motion states are exhaustive; Unknown stays as the
// defined fallback.
func decideStatus(isNew, isStale, ignition, movement bool) Status {
	switch {
	case isNew:
		return StatusNew
	case isStale:
		return StatusOffline
	case ignition && movement:
		return StatusRunning
	case ignition:
		return StatusIdle
	case !ignition:
		return StatusParked
	default:
		return StatusUnknown
	}
}

// Aggregate partitions devices by status. It recomputes every bucket from
// the full list so buckets can never drift from the source data.
func Aggregate(devices []Device) DeviceBucketState {
	state := DeviceBucketState{
		All:     devices,
		Running: []Device{},
		Idle:    []Device{},
		Parked:  []Device{},
		Offline: []Device{},
		New:     []Device{},
	}
	for _, d := range devices {
		switch d.Status {
		case StatusRunning:
			state.Running = append(state.Running, d)
		case StatusIdle:
			state.Idle = append(state.Idle, d)
		case StatusParked:
			state.Parked = append(state.Parked, d)
		case StatusOffline:
			state.Offline = append(state.Offline, d)
		case StatusNew:
			state.New = append(state.New, d)
		}
	}
	return state
}

// ioValue returns the value of the first element with the given input id,
// defaulting to 0 for absent or non-numeric entries.
func ioValue(elements []IOElement, id int64) float64 {
	for _, e := range elements {
		if e.ID == id {
			if e.Value.Valid {
				return e.Value.Value
			}
			return 0
		}
	}
	return 0
}

func ioProperty(elements []IOElement, name string) FlexFloat {
	for _, e := range elements {
		if e.PropertyName == name {
			return e.Value
		}
	}
	return FlexFloat{}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// formatOdometer renders a meter reading as kilometers, e.g. "12.35 km".
func formatOdometer(v FlexFloat) string {
	if !v.Valid {
		return "-"
	}
	return fmt.Sprintf("%.2f km", v.Value/1000)
}

func formatSpeed(v FlexFloat) string {
	if !v.Valid {
		return "-"
	}
	return fmt.Sprintf("%s km/h", formatNumber(v.Value))
}

func formatCount(v FlexFloat) string {
	if !v.Valid {
		return "-"
	}
	return formatNumber(v.Value)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func stringOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func firstRoute(r *RawTelemetryRecord) *RouteInfo {
	if len(r.Routes) > 0 {
		return &r.Routes[0]
	}
	// Legacy payloads carry the same data under route_details.
	if len(r.RouteDetails) > 0 {
		return &r.RouteDetails[0]
	}
	return nil
}

func routeName(route *RouteInfo) string {
	if route == nil {
		return "-"
	}
	return stringOr(string(route.Name), "-")
}

func assignedSeats(route *RouteInfo, flat FlexFloat) string {
	if route != nil && route.TotalAssignedSeat.Valid {
		return formatNumber(route.TotalAssignedSeat.Value)
	}
	return formatCount(flat)
}

// driverName resolves the polymorphic driver field: explicit flat name
// first, then the object form, then the bare string form.
func driverName(r *RawTelemetryRecord) string {
	if r.DriverName != "" {
		return string(r.DriverName)
	}
	d := r.Driver
	if d.FirstName != "" || d.LastName != "" {
		name := d.FirstName
		if d.LastName != "" {
			if name != "" {
				name += " "
			}
			name += d.LastName
		}
		return name
	}
	if d.BareName != "" {
		return d.BareName
	}
	return "-"
}

func speedLimit(r *RawTelemetryRecord) float64 {
	if r.SpeedLimit.Valid {
		return r.SpeedLimit.Value
	}
	if r.Speed.Valid {
		return r.Speed.Value
	}
	return 0
}

func coordinate(v FlexFloat) float64 {
	if !v.Valid {
		return 0
	}
	return v.Value
}
