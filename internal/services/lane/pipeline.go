// Package lane turns one lane's frame stream into published lane state.
package lane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"intersection-worker-go/internal/models"
	"intersection-worker-go/internal/services/intersection"
	"intersection-worker-go/internal/timeutil"
)

// ErrEndOfStream is returned by a FrameSource that has no more frames.
// It wraps io.EOF so either can be matched.
var ErrEndOfStream = fmt.Errorf("end of stream: %w", io.EOF)

// FrameSource produces decoded frames for one lane
type FrameSource interface {
	Read() (*models.Frame, error)
	Rewind() error
	Close() error
}

// Detector counts vehicles in a frame
type Detector interface {
	Detect(ctx context.Context, frame *models.Frame, at time.Time) (*models.LaneObservation, error)
}

type Options struct {
	SkipInterval     int
	ReadErrorBackoff time.Duration
	MaxReadBackoff   time.Duration
	Clock            timeutil.Clock
	Logger           *zerolog.Logger
}

// Stats are cumulative counters for one pipeline
type Stats struct {
	Lane            int    `json:"lane"`
	FramesRead      uint64 `json:"frames_read"`
	FramesProcessed uint64 `json:"frames_processed"`
	DetectorErrors  uint64 `json:"detector_errors"`
	ReadErrors      uint64 `json:"read_errors"`
	Rewinds         uint64 `json:"rewinds"`
	Panics          uint64 `json:"panics"`
}

// Pipeline is the single writer of one lane's ingestion state
type Pipeline struct {
	lane     *intersection.LaneState
	source   FrameSource
	detector Detector
	opts     Options
	logger   zerolog.Logger

	// counter is owned by the Run goroutine
	counter           uint64
	consecutiveErrors int

	framesRead      atomic.Uint64
	framesProcessed atomic.Uint64
	detectorErrors  atomic.Uint64
	readErrors      atomic.Uint64
	rewinds         atomic.Uint64
	panics          atomic.Uint64
}

func NewPipeline(lane *intersection.LaneState, source FrameSource, detector Detector, opts Options) (*Pipeline, error) {
	if lane == nil || source == nil || detector == nil {
		return nil, errors.New("lane pipeline requires a lane, a frame source and a detector")
	}
	if opts.SkipInterval < 1 {
		return nil, fmt.Errorf("skip interval must be >= 1, got %d", opts.SkipInterval)
	}
	if opts.ReadErrorBackoff <= 0 {
		opts.ReadErrorBackoff = 50 * time.Millisecond
	}
	if opts.MaxReadBackoff < opts.ReadErrorBackoff {
		opts.MaxReadBackoff = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Pipeline{
		lane:     lane,
		source:   source,
		detector: detector,
		opts:     opts,
		logger:   logger.With().Int("lane", lane.Index()).Logger(),
	}, nil
}

// Run pulls frames until ctx is cancelled. Faults in one iteration are
// absorbed here and never stop the loop.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info().Int("skip_interval", p.opts.SkipInterval).Msg("Lane pipeline started")
	defer p.logger.Info().Msg("Lane pipeline stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if delay := p.step(ctx); delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

// step handles one frame and returns how long to wait before the next read
func (p *Pipeline) step(ctx context.Context) (delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error().Interface("panic", r).Msg("Lane pipeline panic recovered")
			delay = p.opts.ReadErrorBackoff
		}
	}()

	frame, err := p.source.Read()
	switch {
	case errors.Is(err, io.EOF):
		p.rewinds.Add(1)
		if rerr := p.source.Rewind(); rerr != nil {
			p.readErrors.Add(1)
			p.logger.Warn().Err(rerr).Msg("Failed to rewind frame source")
			return p.backoff()
		}
		p.logger.Debug().Msg("Frame source exhausted, rewound to start")
		return 0
	case err != nil:
		p.readErrors.Add(1)
		p.logger.Warn().Err(err).Msg("Failed to read frame")
		return p.backoff()
	case frame == nil:
		return p.backoff()
	}

	p.consecutiveErrors = 0
	p.framesRead.Add(1)
	n := p.counter
	p.counter++
	if n%uint64(p.opts.SkipInterval) != 0 {
		return 0
	}

	now := p.opts.Clock.Now()
	obs, err := p.detector.Detect(ctx, frame, now)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		p.detectorErrors.Add(1)
		p.logger.Warn().Err(err).Int64("frame_seq", frame.Seq).Msg("Detection failed, keeping previous lane state")
		return 0
	}
	if obs == nil {
		obs = &models.LaneObservation{}
	}

	avg, hasSpeed := AverageSpeed(obs.Vehicles)
	count := obs.VehicleCount
	if count < 0 {
		count = 0
	}
	seq := p.lane.Publish(frame, count, avg, hasSpeed, obs.Vehicles, now)
	p.framesProcessed.Add(1)

	p.logger.Debug().
		Uint64("observation", seq).
		Int("vehicle_count", count).
		Float64("average_speed_kph", avg).
		Msg("Lane state updated")
	return 0
}

func (p *Pipeline) backoff() time.Duration {
	p.consecutiveErrors++
	d := time.Duration(p.consecutiveErrors) * p.opts.ReadErrorBackoff
	if d > p.opts.MaxReadBackoff {
		d = p.opts.MaxReadBackoff
	}
	return d
}

// AverageSpeed is the mean over vehicles that report a speed. With no
// reporting vehicle it is 0 and ok is false.
func AverageSpeed(vehicles []models.VehicleRecord) (avg float64, ok bool) {
	speeds := make([]float64, 0, len(vehicles))
	for _, v := range vehicles {
		if v.HasSpeed() {
			speeds = append(speeds, *v.SpeedInfo.KPH)
		}
	}
	if len(speeds) == 0 {
		return 0, false
	}
	return stat.Mean(speeds, nil), true
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Lane:            p.lane.Index(),
		FramesRead:      p.framesRead.Load(),
		FramesProcessed: p.framesProcessed.Load(),
		DetectorErrors:  p.detectorErrors.Load(),
		ReadErrors:      p.readErrors.Load(),
		Rewinds:         p.rewinds.Load(),
		Panics:          p.panics.Load(),
	}
}

// Close releases the frame source
func (p *Pipeline) Close() error {
	return p.source.Close()
}
