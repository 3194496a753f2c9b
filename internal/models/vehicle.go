package models

import (
	"encoding/json"
	"time"
)

// VehicleCoordinates is the detector's bounding box in frame pixels
type VehicleCoordinates struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// SpeedInfo carries the tracker's speed estimate; KPH is nil until the tracker
// has seen the vehicle long enough to estimate it
type SpeedInfo struct {
	KPH            *float64 `json:"kph"`
	Reliability    *float64 `json:"reliability,omitempty"`
	DirectionLabel *string  `json:"direction_label,omitempty"`
	Direction      *float64 `json:"direction,omitempty"`
}

// VehicleRecord is one tracked vehicle from a single detection
type VehicleRecord struct {
	VehicleID           int64              `json:"vehicle_id"`
	VehicleType         string             `json:"vehicle_type,omitempty"`
	DetectionConfidence float64            `json:"detection_confidence,omitempty"`
	Coordinates         VehicleCoordinates `json:"vehicle_coordinates"`
	SpeedInfo           SpeedInfo          `json:"speed_info"`

	// Attributes holds detector fields the worker does not interpret (color, model, ...)
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
}

// HasSpeed reports whether the tracker produced a speed for this vehicle
func (v VehicleRecord) HasSpeed() bool {
	return v.SpeedInfo.KPH != nil
}

// LaneObservation is the detector output for one processed frame
type LaneObservation struct {
	VehicleCount int             `json:"number_of_vehicles_detected"`
	Vehicles     []VehicleRecord `json:"detected_vehicles"`
}

// VehicleLogResponse is the payload of the vehicle log endpoint
type VehicleLogResponse struct {
	DetectedVehicles []VehicleRecord `json:"detected_vehicles"`
}

// PhaseChange is emitted each time the right-of-way moves to the next lane
type PhaseChange struct {
	IntersectionID string        `json:"intersection_id"`
	Sequence       uint64        `json:"sequence"`
	PreviousLane   int           `json:"previous_lane"`
	GreenLane      int           `json:"green_lane"`
	VehicleCount   int           `json:"vehicle_count"`
	GreenTime      time.Duration `json:"green_time_ns"`
	ChangedAt      time.Time     `json:"changed_at"`
}

// MessagePublisher interface for publishing snapshots and events
type MessagePublisher interface {
	Publish(subject string, data interface{}) error
}
