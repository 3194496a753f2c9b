package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"intersection-worker-go/internal/config"
	"intersection-worker-go/internal/db"
	"intersection-worker-go/internal/logging"
	"intersection-worker-go/internal/models"
	"intersection-worker-go/internal/services/detection"
	"intersection-worker-go/internal/services/intersection"
	"intersection-worker-go/internal/services/lane"
	"intersection-worker-go/internal/services/messaging"
	"intersection-worker-go/internal/services/publisher"
	"intersection-worker-go/internal/services/reporting"
	"intersection-worker-go/internal/services/signal"
	"intersection-worker-go/internal/timeutil"
)

// SourceOpener opens the frame source of one lane
type SourceOpener func(laneIdx int, cfg config.LaneConfig) (lane.FrameSource, error)

// DetectorStatus is implemented by every detector the container can build
type DetectorStatus interface {
	lane.Detector
	Status() detection.Status
}

// Dependencies are the pieces that need native libraries or the network.
// Zero values fall back to the configured defaults where one exists.
type Dependencies struct {
	OpenSource SourceOpener
	Encoder    publisher.FrameEncoder
	Detector   DetectorStatus
	Messaging  messaging.Sink
	Clock      timeutil.Clock
}

// ServiceContainer holds all services
type ServiceContainer struct {
	Config    *config.Config
	Clock     timeutil.Clock
	State     *intersection.State
	Pipelines []*lane.Pipeline
	Scheduler *signal.Scheduler
	Publisher *publisher.Service
	Detector  DetectorStatus
	Store     *db.DB
	Messaging messaging.Sink
	Reporter  *reporting.Reporter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServiceContainer builds every service. A source that cannot be opened
// is a startup fault.
func NewServiceContainer(cfg *config.Config, deps Dependencies) (*ServiceContainer, error) {
	if deps.OpenSource == nil || deps.Encoder == nil {
		return nil, errors.New("a source opener and a frame encoder are required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	names := make([]string, len(cfg.Lanes))
	for i, l := range cfg.Lanes {
		names[i] = l.Name
	}
	state, err := intersection.New(cfg.LaneCount, names...)
	if err != nil {
		return nil, err
	}

	sc := &ServiceContainer{Config: cfg, Clock: clock, State: state}
	ok := false
	defer func() {
		if !ok {
			sc.close(context.Background())
		}
	}()

	sc.Detector = deps.Detector
	if sc.Detector == nil {
		if cfg.AIEnabled {
			svc, err := detection.NewService(cfg.AIGRPCURL, cfg.AITimeout)
			if err != nil {
				return nil, err
			}
			sc.Detector = svc
		} else {
			log.Warn().Msg("AI processing disabled, lanes will report zero vehicles")
			sc.Detector = detection.Disabled{}
		}
	}

	baseLogger := logging.NewServiceLogger(cfg, "lane_pipeline")
	for i, lc := range cfg.Lanes {
		src, err := deps.OpenSource(i, lc)
		if err != nil {
			return nil, fmt.Errorf("lane %d (%s): %w", i, lc.Name, err)
		}
		ls, _ := state.Lane(i)
		laneLogger := logging.WithLane(baseLogger, i)
		p, err := lane.NewPipeline(ls, src, sc.Detector, lane.Options{
			SkipInterval:     cfg.FrameSkipInterval,
			ReadErrorBackoff: cfg.ReadErrorBackoff,
			MaxReadBackoff:   cfg.MaxReadBackoff,
			Clock:            clock,
			Logger:           &laneLogger,
		})
		if err != nil {
			src.Close()
			return nil, err
		}
		sc.Pipelines = append(sc.Pipelines, p)
	}

	sc.Scheduler, err = signal.NewScheduler(state, signal.Config{
		MinGreen:      cfg.MinGreen,
		MaxGreen:      cfg.MaxGreen,
		LowThreshold:  cfg.LowCongestionThreshold,
		HighThreshold: cfg.HighCongestionThreshold,
		PollInterval:  cfg.SignalPollInterval,
	}, clock, cfg.IntersectionID)
	if err != nil {
		return nil, err
	}

	sc.Publisher, err = publisher.NewService(state, deps.Encoder, clock, cfg.FrameStallPollInterval)
	if err != nil {
		return nil, err
	}

	if cfg.DBPath != "" {
		sc.Store, err = db.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
	}

	sc.Messaging = deps.Messaging
	if sc.Messaging == nil {
		sc.Messaging, err = messaging.New(cfg)
		if err != nil {
			return nil, err
		}
	}

	var store reporting.Store
	if sc.Store != nil {
		store = sc.Store
	}
	var pub models.MessagePublisher
	if sc.Messaging != nil {
		pub = sc.Messaging
	}
	sc.Reporter, err = reporting.NewReporter(state, store, pub, reporting.Subjects{
		Signals:  cfg.SignalsSubject,
		Vehicles: cfg.VehiclesSubject,
		Phase:    cfg.PhaseSubject,
	}, cfg.IntersectionID, cfg.ReportInterval, clock)
	if err != nil {
		return nil, err
	}
	sc.Scheduler.OnPhaseChange(sc.Reporter.PhaseChanged)

	ok = true
	return sc, nil
}

// Start launches the lane pipelines, the scheduler and the reporter
func (sc *ServiceContainer) Start(ctx context.Context) {
	ctx, sc.cancel = context.WithCancel(ctx)

	for _, p := range sc.Pipelines {
		sc.wg.Add(1)
		go func() {
			defer sc.wg.Done()
			p.Run(ctx)
		}()
	}

	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		sc.Scheduler.Run(ctx)
	}()

	if sc.Reporter.Enabled() {
		sc.wg.Add(1)
		go func() {
			defer sc.wg.Done()
			sc.Reporter.Run(ctx)
		}()
	}

	log.Info().
		Int("lanes", len(sc.Pipelines)).
		Bool("reporting", sc.Reporter.Enabled()).
		Msg("Intersection services started")
}

// Shutdown stops every task and releases sources and connections
func (sc *ServiceContainer) Shutdown(ctx context.Context) error {
	if sc.cancel != nil {
		sc.cancel()
	}

	done := make(chan struct{})
	go func() {
		sc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for services to stop: %w", ctx.Err())
	}

	return sc.close(ctx)
}

func (sc *ServiceContainer) close(ctx context.Context) error {
	var errs []error
	for _, p := range sc.Pipelines {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if svc, ok := sc.Detector.(*detection.Service); ok {
		if err := svc.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if sc.Messaging != nil {
		if err := sc.Messaging.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if sc.Store != nil {
		if err := sc.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PipelineStats collects the counters of every lane
func (sc *ServiceContainer) PipelineStats() []lane.Stats {
	out := make([]lane.Stats, len(sc.Pipelines))
	for i, p := range sc.Pipelines {
		out[i] = p.Stats()
	}
	return out
}

// Stats is the component view served by the system endpoint
type Stats struct {
	Lanes     []lane.Stats       `json:"lanes"`
	Detector  detection.Status   `json:"detector"`
	Messaging *messaging.Stats   `json:"messaging,omitempty"`
	Reporter  reporting.Stats    `json:"reporter"`
	Phase     models.PhaseChange `json:"phase"`
}

func (sc *ServiceContainer) Stats() Stats {
	phase := sc.State.Phase()
	st := Stats{
		Lanes:    sc.PipelineStats(),
		Detector: sc.Detector.Status(),
		Reporter: sc.Reporter.Stats(),
		Phase: models.PhaseChange{
			IntersectionID: sc.Config.IntersectionID,
			Sequence:       phase.Sequence,
			GreenLane:      phase.GreenLane,
			GreenTime:      phase.GreenTime,
			ChangedAt:      phase.StartedAt,
		},
	}
	if sc.Messaging != nil {
		ms := sc.Messaging.Stats()
		st.Messaging = &ms
	}
	return st
}
