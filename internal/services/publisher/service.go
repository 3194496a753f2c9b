package publisher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"intersection-worker-go/internal/models"
	"intersection-worker-go/internal/services/intersection"
	"intersection-worker-go/internal/timeutil"
)

var ErrLaneNotFound = intersection.ErrLaneNotFound

// FrameEncoder renders a lane snapshot (frame plus overlays) into image bytes
type FrameEncoder interface {
	Encode(snap models.LaneSnapshot) ([]byte, error)
}

type cachedFrame struct {
	sequence uint64
	signal   models.SignalColor
	data     []byte
}

// Service exposes lane state to the transport layer: encoded frame streams
// and structured snapshots.
type Service struct {
	state     *intersection.State
	encoder   FrameEncoder
	clock     timeutil.Clock
	stallPoll time.Duration
	logger    zerolog.Logger

	cacheMu sync.Mutex
	cache   map[int]cachedFrame
}

func NewService(state *intersection.State, encoder FrameEncoder, clock timeutil.Clock, stallPoll time.Duration) (*Service, error) {
	if state == nil || encoder == nil {
		return nil, errors.New("publisher requires intersection state and a frame encoder")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if stallPoll <= 0 {
		stallPoll = 100 * time.Millisecond
	}
	return &Service{
		state:     state,
		encoder:   encoder,
		clock:     clock,
		stallPoll: stallPoll,
		logger:    log.With().Str("service", "stream_publisher").Logger(),
		cache:     make(map[int]cachedFrame),
	}, nil
}

// StreamFrames returns a lazy sequence of encoded frames for lane. Each pull
// yields the lane's current frame, so frames repeat when the consumer is
// faster than ingestion and are skipped when it is slower. Until the lane has
// a frame the sequence waits rather than yielding a placeholder. It ends when
// ctx is done or the consumer stops ranging.
func (s *Service) StreamFrames(ctx context.Context, lane int) (iter.Seq[[]byte], error) {
	if _, err := s.state.Lane(lane); err != nil {
		return nil, err
	}

	return func(yield func([]byte) bool) {
		var ticker timeutil.Ticker
		defer func() {
			if ticker != nil {
				ticker.Stop()
			}
		}()
		wait := func() bool {
			if ticker == nil {
				ticker = s.clock.NewTicker(s.stallPoll)
			}
			select {
			case <-ctx.Done():
				return false
			case <-ticker.C():
				return true
			}
		}

		for ctx.Err() == nil {
			snap, err := s.state.Snapshot(lane)
			if err != nil {
				return
			}
			if snap.Frame == nil {
				if !wait() {
					return
				}
				continue
			}
			data, err := s.encode(snap)
			if err != nil {
				s.logger.Warn().Err(err).Int("lane", lane).Msg("Failed to encode frame")
				if !wait() {
					return
				}
				continue
			}
			if !yield(data) {
				return
			}
		}
	}, nil
}

// encode returns the cached encoding when neither the observation nor the
// signal colour changed since the last call for this lane
func (s *Service) encode(snap models.LaneSnapshot) ([]byte, error) {
	s.cacheMu.Lock()
	c, ok := s.cache[snap.Lane]
	s.cacheMu.Unlock()
	if ok && c.sequence == snap.Sequence && c.signal == snap.Signal {
		return c.data, nil
	}

	data, err := s.encoder.Encode(snap)
	if err != nil {
		return nil, fmt.Errorf("lane %d observation %d: %w", snap.Lane, snap.Sequence, err)
	}

	s.cacheMu.Lock()
	if cur, ok := s.cache[snap.Lane]; !ok || cur.sequence <= snap.Sequence {
		s.cache[snap.Lane] = cachedFrame{sequence: snap.Sequence, signal: snap.Signal, data: data}
	}
	s.cacheMu.Unlock()
	return data, nil
}

// SignalSnapshot lists every lane (numbered from 1) with its count and colour
func (s *Service) SignalSnapshot() []models.SignalInfo {
	return lo.Map(s.state.Snapshots(), func(snap models.LaneSnapshot, _ int) models.SignalInfo {
		return models.SignalInfo{
			Lane:         snap.Lane + 1,
			VehicleCount: snap.VehicleCount,
			Signal:       snap.Signal,
		}
	})
}

// VehicleLog concatenates the latest vehicle list of every lane, in lane order
func (s *Service) VehicleLog() []models.VehicleRecord {
	out := lo.FlatMap(s.state.Snapshots(), func(snap models.LaneSnapshot, _ int) []models.VehicleRecord {
		return snap.Vehicles
	})
	if out == nil {
		out = []models.VehicleRecord{}
	}
	return out
}

// Lanes returns the full per-lane view used by the dashboard
func (s *Service) Lanes(now time.Time) models.IntersectionResponse {
	phase := s.state.Phase()
	remaining := phase.EndsAt().Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	lanes := make([]models.LaneResponse, 0, s.state.LaneCount())
	for _, snap := range s.state.Snapshots() {
		resp := models.LaneResponse{
			Lane:            snap.Lane,
			VehicleCount:    snap.VehicleCount,
			AverageSpeedKPH: snap.AverageSpeedKPH,
			HasSpeedData:    snap.HasSpeedData,
			Signal:          snap.Signal,
			HasFrame:        snap.Frame != nil,
			Observations:    snap.Sequence,
		}
		if l, err := s.state.Lane(snap.Lane); err == nil {
			resp.Name = l.Name()
		}
		if !snap.ObservedAt.IsZero() {
			at := snap.ObservedAt
			resp.ObservedAt = &at
		}
		lanes = append(lanes, resp)
	}

	return models.IntersectionResponse{
		Phase: models.PhaseResponse{
			GreenLane:        phase.GreenLane,
			StartedAt:        phase.StartedAt,
			GreenTimeSeconds: phase.GreenTime.Seconds(),
			RemainingSeconds: remaining.Seconds(),
			Sequence:         phase.Sequence,
		},
		Lanes: lanes,
	}
}

func (s *Service) LaneCount() int { return s.state.LaneCount() }
