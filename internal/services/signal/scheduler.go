// Package signal runs the round-robin phase machine that hands the
// right-of-way from lane to lane with congestion-dependent green times.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"intersection-worker-go/internal/models"
	"intersection-worker-go/internal/services/intersection"
	"intersection-worker-go/internal/timeutil"
)

type Config struct {
	MinGreen      time.Duration
	MaxGreen      time.Duration
	LowThreshold  int
	HighThreshold int
	PollInterval  time.Duration
}

// DefaultConfig returns the stock timing plan
func DefaultConfig() Config {
	return Config{
		MinGreen:      10 * time.Second,
		MaxGreen:      60 * time.Second,
		LowThreshold:  5,
		HighThreshold: 15,
		PollInterval:  time.Second,
	}
}

func (c Config) validate() error {
	var errs []error
	if c.MinGreen <= 0 || c.MaxGreen < c.MinGreen {
		errs = append(errs, fmt.Errorf("green times must satisfy 0 < min (%s) <= max (%s)", c.MinGreen, c.MaxGreen))
	}
	if c.LowThreshold < 0 || c.HighThreshold < c.LowThreshold {
		errs = append(errs, fmt.Errorf("thresholds must satisfy 0 <= low (%d) <= high (%d)", c.LowThreshold, c.HighThreshold))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	return errors.Join(errs...)
}

// GreenTime maps a vehicle count to a phase length: min below the low
// threshold, max at or above the high threshold, and the midpoint (in whole
// seconds) in between.
func (c Config) GreenTime(count int) time.Duration {
	switch {
	case count < c.LowThreshold:
		return c.MinGreen
	case count < c.HighThreshold:
		mid := (int64(c.MinGreen/time.Second) + int64(c.MaxGreen/time.Second)) / 2
		return time.Duration(mid) * time.Second
	default:
		return c.MaxGreen
	}
}

// Scheduler is the single writer of the intersection phase
type Scheduler struct {
	state          *intersection.State
	cfg            Config
	clock          timeutil.Clock
	intersectionID string
	logger         zerolog.Logger

	mu        sync.Mutex
	observers []func(models.PhaseChange)
}

// NewScheduler installs the initial phase (lane 0 green, timed from lane 0's
// current count) and returns a scheduler ready to Run.
func NewScheduler(state *intersection.State, cfg Config, clock timeutil.Clock, intersectionID string) (*Scheduler, error) {
	if state == nil {
		return nil, errors.New("scheduler requires intersection state")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Scheduler{
		state:          state,
		cfg:            cfg,
		clock:          clock,
		intersectionID: intersectionID,
		logger:         log.With().Str("service", "signal_scheduler").Str("intersection_id", intersectionID).Logger(),
	}

	first, _ := state.Lane(0)
	initial := models.Phase{
		GreenLane: 0,
		StartedAt: clock.Now(),
		GreenTime: cfg.GreenTime(first.VehicleCount()),
	}
	if err := state.SetPhase(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// OnPhaseChange registers fn to be called after every transition. Observers
// run on the scheduler goroutine and must not block.
func (s *Scheduler) OnPhaseChange(fn func(models.PhaseChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Scheduler) Config() Config { return s.cfg }

// Step advances to the next lane once the current phase has run longer than
// its frozen green time. The new lane's green time is fixed from its count as
// read now. It reports whether a transition happened.
func (s *Scheduler) Step(now time.Time) bool {
	s.mu.Lock()
	current := s.state.Phase()
	if now.Sub(current.StartedAt) <= current.GreenTime {
		s.mu.Unlock()
		return false
	}

	nextIdx := (current.GreenLane + 1) % s.state.LaneCount()
	next, err := s.state.Lane(nextIdx)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error().Err(err).Int("lane", nextIdx).Msg("Next lane missing, holding phase")
		return false
	}
	count := next.VehicleCount()
	phase := models.Phase{
		GreenLane: nextIdx,
		StartedAt: now,
		GreenTime: s.cfg.GreenTime(count),
		Sequence:  current.Sequence + 1,
	}
	if err := s.state.SetPhase(phase); err != nil {
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("Failed to install phase")
		return false
	}
	observers := append([]func(models.PhaseChange)(nil), s.observers...)
	s.mu.Unlock()

	s.logger.Info().
		Int("previous_lane", current.GreenLane).
		Int("green_lane", nextIdx).
		Int("vehicle_count", count).
		Dur("green_time", phase.GreenTime).
		Uint64("sequence", phase.Sequence).
		Msg("Signal phase changed")

	change := models.PhaseChange{
		IntersectionID: s.intersectionID,
		Sequence:       phase.Sequence,
		PreviousLane:   current.GreenLane,
		GreenLane:      nextIdx,
		VehicleCount:   count,
		GreenTime:      phase.GreenTime,
		ChangedAt:      now,
	}
	for _, fn := range observers {
		s.notify(fn, change)
	}
	return true
}

func (s *Scheduler) notify(fn func(models.PhaseChange), change models.PhaseChange) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Phase observer panic recovered")
		}
	}()
	fn(change)
}

// Run checks the phase on every poll tick until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Dur("min_green", s.cfg.MinGreen).
		Dur("max_green", s.cfg.MaxGreen).
		Int("lanes", s.state.LaneCount()).
		Msg("Signal scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Signal scheduler stopped")
			return
		case <-ticker.C():
			s.Step(s.clock.Now())
		}
	}
}

// Remaining is the time left in the current phase at now (never negative)
func (s *Scheduler) Remaining(now time.Time) time.Duration {
	p := s.state.Phase()
	if d := p.EndsAt().Sub(now); d > 0 {
		return d
	}
	return 0
}
