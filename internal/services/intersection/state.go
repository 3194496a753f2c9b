// Package intersection holds the shared per-lane state and the signal phase.
//
// Every lane has one writer for its ingestion fields (its pipeline) and the
// phase has one writer (the scheduler). Both are published as immutable
// records behind atomic pointers so readers never see a half-written update.
package intersection

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"intersection-worker-go/internal/models"
)

var ErrLaneNotFound = errors.New("lane not found")

// Observation is one published ingestion update for a lane. It is never
// mutated after Publish.
type Observation struct {
	Frame           *models.Frame
	VehicleCount    int
	AverageSpeedKPH float64
	HasSpeedData    bool
	Vehicles        []models.VehicleRecord
	ObservedAt      time.Time
	Sequence        uint64
}

// LaneState is the ingestion side of one lane
type LaneState struct {
	index int
	name  string
	obs   atomic.Pointer[Observation]
	seq   atomic.Uint64
}

func (l *LaneState) Index() int   { return l.index }
func (l *LaneState) Name() string { return l.name }

// Publish replaces the lane's observation as a single unit and returns the
// sequence number assigned to it. The vehicles slice is owned by the lane
// from this point on.
func (l *LaneState) Publish(frame *models.Frame, count int, avgSpeed float64, hasSpeed bool, vehicles []models.VehicleRecord, at time.Time) uint64 {
	seq := l.seq.Add(1)
	l.obs.Store(&Observation{
		Frame:           frame,
		VehicleCount:    count,
		AverageSpeedKPH: avgSpeed,
		HasSpeedData:    hasSpeed,
		Vehicles:        vehicles,
		ObservedAt:      at,
		Sequence:        seq,
	})
	return seq
}

// Load returns the latest observation, or nil before the first one
func (l *LaneState) Load() *Observation {
	return l.obs.Load()
}

// VehicleCount is the count of the latest observation (0 before any)
func (l *LaneState) VehicleCount() int {
	if o := l.obs.Load(); o != nil {
		return o.VehicleCount
	}
	return 0
}

// State is the whole intersection: N lanes plus the current phase
type State struct {
	lanes []*LaneState
	phase atomic.Pointer[models.Phase]
}

// New creates an intersection with n lanes. Lane 0 holds the right-of-way
// until the scheduler installs its first phase.
func New(n int, names ...string) (*State, error) {
	if n < 1 {
		return nil, fmt.Errorf("intersection needs at least one lane, got %d", n)
	}
	s := &State{lanes: make([]*LaneState, n)}
	for i := range s.lanes {
		name := fmt.Sprintf("lane-%d", i+1)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		s.lanes[i] = &LaneState{index: i, name: name}
	}
	s.phase.Store(&models.Phase{GreenLane: 0})
	return s, nil
}

func (s *State) LaneCount() int { return len(s.lanes) }

func (s *State) Lane(i int) (*LaneState, error) {
	if i < 0 || i >= len(s.lanes) {
		return nil, fmt.Errorf("%w: %d (have %d lanes)", ErrLaneNotFound, i, len(s.lanes))
	}
	return s.lanes[i], nil
}

// Phase returns a copy of the current phase
func (s *State) Phase() models.Phase {
	return *s.phase.Load()
}

// SetPhase moves the right-of-way. Only the scheduler calls this.
func (s *State) SetPhase(p models.Phase) error {
	if p.GreenLane < 0 || p.GreenLane >= len(s.lanes) {
		return fmt.Errorf("%w: green lane %d", ErrLaneNotFound, p.GreenLane)
	}
	s.phase.Store(&p)
	return nil
}

// Signal reports the colour of lane i under the current phase
func (s *State) Signal(i int) models.SignalColor {
	return signalFor(s.phase.Load(), i)
}

func signalFor(p *models.Phase, i int) models.SignalColor {
	if p.GreenLane == i {
		return models.SignalGreen
	}
	return models.SignalRed
}

// Snapshot is a consistent read of lane i
func (s *State) Snapshot(i int) (models.LaneSnapshot, error) {
	lane, err := s.Lane(i)
	if err != nil {
		return models.LaneSnapshot{}, err
	}
	return s.snapshot(lane, s.phase.Load()), nil
}

// Snapshots reads every lane against a single phase value, so the returned
// set always has exactly one green lane.
func (s *State) Snapshots() []models.LaneSnapshot {
	p := s.phase.Load()
	out := make([]models.LaneSnapshot, len(s.lanes))
	for i, lane := range s.lanes {
		out[i] = s.snapshot(lane, p)
	}
	return out
}

func (s *State) snapshot(lane *LaneState, p *models.Phase) models.LaneSnapshot {
	snap := models.LaneSnapshot{
		Lane:   lane.index,
		Signal: signalFor(p, lane.index),
	}
	if o := lane.obs.Load(); o != nil {
		snap.Frame = o.Frame
		snap.VehicleCount = o.VehicleCount
		snap.AverageSpeedKPH = o.AverageSpeedKPH
		snap.HasSpeedData = o.HasSpeedData
		snap.Vehicles = o.Vehicles
		snap.ObservedAt = o.ObservedAt
		snap.Sequence = o.Sequence
	}
	return snap
}
