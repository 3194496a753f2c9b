// Package reporting periodically persists and broadcasts the intersection
// state, and forwards phase changes as they happen.
package reporting

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"intersection-worker-go/internal/models"
	"intersection-worker-go/internal/services/intersection"
	"intersection-worker-go/internal/timeutil"
)

// Store persists the latest report of each lane
type Store interface {
	UpsertLanes(ctx context.Context, lanes []models.ReportedLane) error
}

type Subjects struct {
	Signals  string
	Vehicles string
	Phase    string
}

// SignalsMessage is broadcast on every report tick
type SignalsMessage struct {
	IntersectionID string              `json:"intersection_id"`
	PhaseSequence  uint64              `json:"phase_sequence"`
	Signals        []models.SignalInfo `json:"signals"`
	ReportedAt     time.Time           `json:"reported_at"`
}

// VehiclesMessage carries the current vehicle log
type VehiclesMessage struct {
	IntersectionID   string                 `json:"intersection_id"`
	DetectedVehicles []models.VehicleRecord `json:"detected_vehicles"`
	ReportedAt       time.Time              `json:"reported_at"`
}

type Stats struct {
	Reports       uint64 `json:"reports"`
	StoreErrors   uint64 `json:"store_errors"`
	PublishErrors uint64 `json:"publish_errors"`
	PhaseEvents   uint64 `json:"phase_events"`
}

// Reporter writes snapshots to the store and publisher. Either may be nil.
type Reporter struct {
	state          *intersection.State
	store          Store
	publisher      models.MessagePublisher
	subjects       Subjects
	intersectionID string
	interval       time.Duration
	clock          timeutil.Clock
	logger         zerolog.Logger

	reports       atomic.Uint64
	storeErrors   atomic.Uint64
	publishErrors atomic.Uint64
	phaseEvents   atomic.Uint64
}

func NewReporter(state *intersection.State, store Store, publisher models.MessagePublisher, subjects Subjects,
	intersectionID string, interval time.Duration, clock timeutil.Clock) (*Reporter, error) {
	if state == nil {
		return nil, errors.New("reporter requires intersection state")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Reporter{
		state:          state,
		store:          store,
		publisher:      publisher,
		subjects:       subjects,
		intersectionID: intersectionID,
		interval:       interval,
		clock:          clock,
		logger:         log.With().Str("service", "reporter").Str("intersection_id", intersectionID).Logger(),
	}, nil
}

// Enabled reports whether there is anywhere to send reports
func (r *Reporter) Enabled() bool {
	return r.store != nil || r.publisher != nil
}

// Run reports on every interval tick until ctx is cancelled, with a final
// report on the way out.
func (r *Reporter) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("Reporter started")
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			r.Report(final)
			cancel()
			r.logger.Info().Msg("Reporter stopped")
			return
		case <-ticker.C():
			r.Report(ctx)
		}
	}
}

// Report takes one snapshot of every lane, upserts it and publishes it.
// Failures are logged and counted, never returned.
func (r *Reporter) Report(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("Reporter panic recovered")
		}
	}()

	now := r.clock.Now()
	phase := r.state.Phase()
	snaps := r.state.Snapshots()
	r.reports.Add(1)

	if r.store != nil {
		lanes := make([]models.ReportedLane, 0, len(snaps))
		for _, s := range snaps {
			rl := models.ReportedLane{
				IntersectionID:  r.intersectionID,
				Lane:            s.Lane,
				VehicleCount:    s.VehicleCount,
				AverageSpeedKPH: s.AverageSpeedKPH,
				HasSpeedData:    s.HasSpeedData,
				Signal:          s.Signal,
				Vehicles:        s.Vehicles,
				Observations:    s.Sequence,
				PhaseSequence:   phase.Sequence,
				ReportedAt:      now,
			}
			if l, err := r.state.Lane(s.Lane); err == nil {
				rl.Name = l.Name()
			}
			if !s.ObservedAt.IsZero() {
				at := s.ObservedAt
				rl.ObservedAt = &at
			}
			lanes = append(lanes, rl)
		}
		if err := r.store.UpsertLanes(ctx, lanes); err != nil {
			r.storeErrors.Add(1)
			r.logger.Warn().Err(err).Msg("Failed to persist lane snapshots")
		}
	}

	if r.publisher == nil {
		return
	}

	signals := make([]models.SignalInfo, 0, len(snaps))
	vehicles := []models.VehicleRecord{}
	for _, s := range snaps {
		signals = append(signals, models.SignalInfo{Lane: s.Lane + 1, VehicleCount: s.VehicleCount, Signal: s.Signal})
		vehicles = append(vehicles, s.Vehicles...)
	}
	r.publish(r.subjects.Signals, SignalsMessage{
		IntersectionID: r.intersectionID,
		PhaseSequence:  phase.Sequence,
		Signals:        signals,
		ReportedAt:     now,
	})
	r.publish(r.subjects.Vehicles, VehiclesMessage{
		IntersectionID:   r.intersectionID,
		DetectedVehicles: vehicles,
		ReportedAt:       now,
	})
}

// PhaseChanged forwards a scheduler transition to the publisher. It is
// registered as a scheduler observer.
func (r *Reporter) PhaseChanged(change models.PhaseChange) {
	r.phaseEvents.Add(1)
	if r.publisher == nil {
		return
	}
	r.publish(r.subjects.Phase, change)
}

func (r *Reporter) publish(subject string, payload interface{}) {
	if subject == "" {
		return
	}
	if err := r.publisher.Publish(subject, payload); err != nil {
		r.publishErrors.Add(1)
		r.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish report")
	}
}

func (r *Reporter) Stats() Stats {
	return Stats{
		Reports:       r.reports.Load(),
		StoreErrors:   r.storeErrors.Load(),
		PublishErrors: r.publishErrors.Load(),
		PhaseEvents:   r.phaseEvents.Load(),
	}
}
