// services/tracking/internal/core/models.go
package core

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the discrete operational state of a vehicle.
type Status string

const (
	StatusNew     Status = "New"
	StatusOffline Status = "Offline"
	StatusRunning Status = "Running"
	StatusIdle    Status = "Idle"
	StatusParked  Status = "Parked"
	StatusUnknown Status = "Unknown"
)

// StatusColor returns the display tag for a status. The tag is derived
// exclusively from the status so the two can never diverge.
func StatusColor(s Status) string {
	switch s {
	case StatusNew:
		return "gray"
	case StatusOffline:
		return "blue"
	case StatusRunning:
		return "green"
	case StatusIdle:
		return "yellow"
	case StatusParked:
		return "red"
	default:
		return "gray"
	}
}

// Digital/analog input channel ids reported by the tracking units.
const (
	IOInputExternalPower = 66
	IOInputBattery       = 68
	IOInputIgnition      = 239
	IOInputMovement      = 240
)

// Property names used for odometer readings, raw unit meters.
const (
	IOPropTotalOdometer = "totalOdometer"
	IOPropTripOdometer  = "tripOdometer"
)

// FlexString decodes a JSON string, number or null into a string.
// Upstream payloads are inconsistent about which one they send.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			*s = ""
			return nil
		}
		*s = FlexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		*s = ""
		return nil
	}
	*s = FlexString(n.String())
	return nil
}

// FlexFloat decodes a JSON number, numeric string or null. Anything that
// is not numeric leaves the value invalid rather than failing the record.
type FlexFloat struct {
	Value float64
	Valid bool
}

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		f.Valid = false
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			f.Valid = false
			return nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			f.Valid = false
			return nil
		}
		f.Value, f.Valid = v, true
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		f.Valid = false
		return nil
	}
	f.Value, f.Valid = v, true
	return nil
}

func (f FlexFloat) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// Driver is the polymorphic driver field: an object with name parts, a
// bare name string, or absent. Resolved once here, never re-sniffed.
type Driver struct {
	FirstName   string
	LastName    string
	PhoneNumber string
	BareName    string
	Present     bool
}

func (d *Driver) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*d = Driver{}
		return nil
	}
	if data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			*d = Driver{}
			return nil
		}
		*d = Driver{BareName: name, Present: true}
		return nil
	}
	var obj struct {
		FirstName   FlexString `json:"first_name"`
		LastName    FlexString `json:"last_name"`
		PhoneNumber FlexString `json:"phone_number"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		*d = Driver{}
		return nil
	}
	*d = Driver{
		FirstName:   string(obj.FirstName),
		LastName:    string(obj.LastName),
		PhoneNumber: string(obj.PhoneNumber),
		Present:     true,
	}
	return nil
}

// IOElement is a single input/output channel sample.
type IOElement struct {
	ID           int64     `json:"id"`
	PropertyName string    `json:"propertyName"`
	Value        FlexFloat `json:"value"`
}

// RouteInfo describes a route assignment carried on the record.
type RouteInfo struct {
	Name              FlexString `json:"name"`
	TotalAssignedSeat FlexFloat  `json:"total_assigned_seat"`
}

// RawTelemetryRecord is the canonical raw record shape: the union of the
// roster descriptor and the last-known telemetry sample for one vehicle.
// Every field is optional; decoding never rejects a record.
type RawTelemetryRecord struct {
	ID            FlexString  `json:"id"`
	IMEI          FlexString  `json:"imei"`
	IMEINumber    FlexString  `json:"imei_number"`
	VehicleName   FlexString  `json:"vehicle_name"`
	VehicleNumber FlexString  `json:"vehicle_number"`
	Latitude      FlexFloat   `json:"latitude"`
	Longitude     FlexFloat   `json:"longitude"`
	Timestamp     FlexString  `json:"timestamp"`
	Speed         FlexFloat   `json:"speed"`
	SpeedLimit    FlexFloat   `json:"speed_limit"`
	IOElements    []IOElement `json:"ioElements"`
	Driver        Driver      `json:"driver"`
	DriverName    FlexString  `json:"driver_name"`
	Routes        []RouteInfo `json:"routes"`
	RouteDetails  []RouteInfo `json:"route_details"`
	Seats         FlexFloat   `json:"seats"`
	AssignedSeats FlexFloat   `json:"AssignedSeats"`
	OnboardCount  FlexFloat   `json:"EmployeeOnboardCount"`
	Address       FlexString  `json:"address"`
}

// JoinKey returns the identity used to correlate roster entries, telemetry
// samples and push events for the same vehicle.
func (r *RawTelemetryRecord) JoinKey() string {
	if r.IMEI != "" {
		return string(r.IMEI)
	}
	if r.IMEINumber != "" {
		return string(r.IMEINumber)
	}
	return string(r.ID)
}

// Device is the normalized view-model every consumer relies on. All
// fields are populated; missing inputs resolve to documented defaults.
type Device struct {
	ID               string  `json:"id"`
	IMEI             string  `json:"imei"`
	VehicleName      string  `json:"vehicle_name"`
	VehicleNumber    string  `json:"vehicle_number"`
	RouteName        string  `json:"route_name"`
	TotalDistance    string  `json:"total_distance"`
	TodayDistance    string  `json:"today_distance"`
	Seats            string  `json:"seats"`
	AssignedSeats    string  `json:"assigned_seats"`
	OnboardedCount   string  `json:"onboarded_employee"`
	Speed            string  `json:"speed"`
	DriverName       string  `json:"driver_name"`
	DriverNumber     string  `json:"driver_number"`
	Address          string  `json:"address"`
	Timestamp        string  `json:"timestamp"`
	SpeedLimit       float64 `json:"speed_limit"`
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	HasGPS           bool    `json:"hasGPS"`
	HasIgnition      bool    `json:"hasIgnition"`
	HasBattery       bool    `json:"hasBattery"`
	HasExternalPower bool    `json:"hasExternalPower"`
	Movement         bool    `json:"movement"`
	Color            string  `json:"color"`
	IsOffline        bool    `json:"isOffline"`
	Status           Status  `json:"status"`
}

// DeviceBucketState partitions the device set by status. All preserves
// the input order and contains every device.
type DeviceBucketState struct {
	All     []Device `json:"all"`
	Running []Device `json:"running"`
	Idle    []Device `json:"idle"`
	Parked  []Device `json:"parked"`
	Offline []Device `json:"offline"`
	New     []Device `json:"new"`
}

// Counts returns the per-bucket sizes used by the dashboard counters.
func (s *DeviceBucketState) Counts() map[string]int {
	return map[string]int{
		"all":     len(s.All),
		"running": len(s.Running),
		"idle":    len(s.Idle),
		"parked":  len(s.Parked),
		"offline": len(s.Offline),
		"new":     len(s.New),
	}
}

// Bucket returns the named bucket, case-insensitive.
func (s *DeviceBucketState) Bucket(name string) ([]Device, bool) {
	switch strings.ToLower(name) {
	case "all":
		return s.All, true
	case "running":
		return s.Running, true
	case "idle":
		return s.Idle, true
	case "parked":
		return s.Parked, true
	case "offline":
		return s.Offline, true
	case "new":
		return s.New, true
	default:
		return nil, false
	}
}

// Snapshot is one published classification result.
type Snapshot struct {
	Devices []Device          `json:"devices"`
	Buckets DeviceBucketState `json:"buckets"`
	TakenAt time.Time         `json:"taken_at"`
}

// VehicleRecord mirrors the upstream roster so the dashboard keeps a
// queryable vehicle list even when the upstream API is unreachable.
type VehicleRecord struct {
	IMEI          string     `json:"imei" gorm:"primaryKey"`
	VehicleID     string     `json:"vehicle_id" gorm:"index"`
	VehicleName   string     `json:"vehicle_name"`
	VehicleNumber string     `json:"vehicle_number"`
	LastStatus    Status     `json:"last_status" gorm:"index"`
	LastSeenAt    *time.Time `json:"last_seen_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StatusChange records one status transition for a vehicle. Rows stay
// unpublished until the corresponding event reaches the queue.
type StatusChange struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	VehicleID   string     `json:"vehicle_id" gorm:"index"`
	IMEI        string     `json:"imei" gorm:"index;not null"`
	VehicleName string     `json:"vehicle_name"`
	FromStatus  Status     `json:"from_status"`
	ToStatus    Status     `json:"to_status" gorm:"index"`
	Color       string     `json:"color"`
	ChangedAt   time.Time  `json:"changed_at" gorm:"index;not null"`
	Published   bool       `json:"published" gorm:"default:false;index"`
	PublishedAt *time.Time `json:"published_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TableName overrides for GORM
func (VehicleRecord) TableName() string { return "vehicles" }
func (StatusChange) TableName() string  { return "status_changes" }

// StatusChangeEvent is the queue payload for one transition.
type StatusChangeEvent struct {
	ID          string    `json:"id"`
	VehicleID   string    `json:"vehicle_id"`
	IMEI        string    `json:"imei"`
	VehicleName string    `json:"vehicle_name"`
	FromStatus  Status    `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	Color       string    `json:"color"`
	ChangedAt   time.Time `json:"changed_at"`
}
