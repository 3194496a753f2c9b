package models

import (
	"time"
)

// SignalColor represents the signal head state of a lane
type SignalColor string

const (
	SignalRed   SignalColor = "red"
	SignalGreen SignalColor = "green"
)

// String returns the string representation of SignalColor
func (s SignalColor) String() string {
	return string(s)
}

// IsValid checks if the signal color is valid
func (s SignalColor) IsValid() bool {
	switch s {
	case SignalRed, SignalGreen:
		return true
	default:
		return false
	}
}

// Frame represents a decoded video frame (BGR24 unless Format says otherwise).
// Frames are shared between goroutines and must not be modified once read.
type Frame struct {
	Lane      int
	Data      []byte
	Width     int
	Height    int
	Format    string
	Seq       int64
	Timestamp time.Time
}

// Phase is the scheduler's view of who has the right-of-way
type Phase struct {
	GreenLane int
	StartedAt time.Time
	GreenTime time.Duration
	Sequence  uint64
}

// EndsAt is the earliest instant at which the phase may advance
func (p Phase) EndsAt() time.Time {
	return p.StartedAt.Add(p.GreenTime)
}

// LaneSnapshot is a consistent read of one lane at one instant
type LaneSnapshot struct {
	Lane            int
	Frame           *Frame
	VehicleCount    int
	AverageSpeedKPH float64
	HasSpeedData    bool
	Vehicles        []VehicleRecord
	Signal          SignalColor
	ObservedAt      time.Time
	Sequence        uint64
}

// SignalInfo is one row of the signal data endpoint
type SignalInfo struct {
	Lane         int         `json:"lane" example:"1"`
	VehicleCount int         `json:"vehicle_count" example:"7"`
	Signal       SignalColor `json:"signal" example:"green"`
}

// LaneResponse for API
type LaneResponse struct {
	Lane            int         `json:"lane"`
	Name            string      `json:"name,omitempty"`
	VehicleCount    int         `json:"vehicle_count"`
	AverageSpeedKPH float64     `json:"average_speed_kph"`
	HasSpeedData    bool        `json:"has_speed_data"`
	Signal          SignalColor `json:"signal"`
	HasFrame        bool        `json:"has_frame"`
	ObservedAt      *time.Time  `json:"observed_at,omitempty"`
	Observations    uint64      `json:"observations"`
}

// PhaseResponse for API
type PhaseResponse struct {
	GreenLane        int       `json:"green_lane"`
	StartedAt        time.Time `json:"started_at"`
	GreenTimeSeconds float64   `json:"green_time_seconds"`
	RemainingSeconds float64   `json:"remaining_seconds"`
	Sequence         uint64    `json:"sequence"`
}

// IntersectionResponse for API
type IntersectionResponse struct {
	IntersectionID string         `json:"intersection_id"`
	Phase          PhaseResponse  `json:"phase"`
	Lanes          []LaneResponse `json:"lanes"`
}

// ReportedLane is the last persisted report for one lane
type ReportedLane struct {
	IntersectionID  string          `json:"intersection_id"`
	Lane            int             `json:"lane"`
	Name            string          `json:"name"`
	VehicleCount    int             `json:"vehicle_count"`
	AverageSpeedKPH float64         `json:"average_speed_kph"`
	HasSpeedData    bool            `json:"has_speed_data"`
	Signal          SignalColor     `json:"signal"`
	Vehicles        []VehicleRecord `json:"detected_vehicles"`
	Observations    uint64          `json:"observations"`
	PhaseSequence   uint64          `json:"phase_sequence"`
	ObservedAt      *time.Time      `json:"observed_at,omitempty"`
	ReportedAt      time.Time       `json:"reported_at"`
}
