package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intersection-worker-go/internal/config"
	"intersection-worker-go/internal/models"
	"intersection-worker-go/internal/services/detection"
	"intersection-worker-go/internal/services/lane"
)

type fakeSource struct {
	lane   int
	seq    atomic.Int64
	closed atomic.Bool
}

func (s *fakeSource) Read() (*models.Frame, error) {
	time.Sleep(time.Millisecond)
	return &models.Frame{Lane: s.lane, Seq: s.seq.Add(1), Width: 2, Height: 2, Format: "BGR24", Data: make([]byte, 12)}, nil
}

func (s *fakeSource) Rewind() error { return nil }

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeDetector struct{}

func (fakeDetector) Detect(context.Context, *models.Frame, time.Time) (*models.LaneObservation, error) {
	speed := 30.0
	return &models.LaneObservation{
		VehicleCount: 2,
		Vehicles: []models.VehicleRecord{
			{VehicleID: 1, SpeedInfo: models.SpeedInfo{KPH: &speed}},
			{VehicleID: 2},
		},
	}, nil
}

func (fakeDetector) Status() detection.Status { return detection.Status{State: "fake"} }

type fakeEncoder struct{}

func (fakeEncoder) Encode(models.LaneSnapshot) ([]byte, error) { return []byte("jpeg"), nil }

type sources struct {
	mu   sync.Mutex
	list []*fakeSource
}

func (s *sources) open(laneIdx int, _ config.LaneConfig) (lane.FrameSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := &fakeSource{lane: laneIdx}
	s.list = append(s.list, src)
	return src, nil
}

func testConfig(lanes int) *config.Config {
	cfg := &config.Config{
		IntersectionID:          "test-x",
		LaneCount:               lanes,
		FrameSkipInterval:       1,
		ReadErrorBackoff:        time.Millisecond,
		MaxReadBackoff:          10 * time.Millisecond,
		MinGreen:                10 * time.Second,
		MaxGreen:                60 * time.Second,
		LowCongestionThreshold:  5,
		HighCongestionThreshold: 15,
		SignalPollInterval:      time.Second,
		FrameStallPollInterval:  10 * time.Millisecond,
		MessagingBackend:        "none",
		SignalsSubject:          "x.signals",
		VehiclesSubject:         "x.vehicles",
		PhaseSubject:            "x.phase",
		ReportInterval:          20 * time.Millisecond,
	}
	for i := 0; i < lanes; i++ {
		cfg.Lanes = append(cfg.Lanes, config.LaneConfig{Name: "lane", Source: "test.mp4"})
	}
	return cfg
}

func TestNewServiceContainer_RequiresAdapters(t *testing.T) {
	_, err := NewServiceContainer(testConfig(2), Dependencies{Encoder: fakeEncoder{}})
	require.Error(t, err)
}

func TestNewServiceContainer_SourceFailureClosesOpenedSources(t *testing.T) {
	var opened []*fakeSource
	open := func(laneIdx int, _ config.LaneConfig) (lane.FrameSource, error) {
		if laneIdx == 1 {
			return nil, errors.New("no such file")
		}
		src := &fakeSource{lane: laneIdx}
		opened = append(opened, src)
		return src, nil
	}

	_, err := NewServiceContainer(testConfig(3), Dependencies{
		OpenSource: open,
		Encoder:    fakeEncoder{},
		Detector:   fakeDetector{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lane 1")
	require.Len(t, opened, 1)
	assert.True(t, opened[0].closed.Load())
}

func TestServiceContainer_StartAndShutdown(t *testing.T) {
	cfg := testConfig(2)
	cfg.DBPath = filepath.Join(t.TempDir(), "lanes.db")
	srcs := &sources{}

	sc, err := NewServiceContainer(cfg, Dependencies{
		OpenSource: srcs.open,
		Encoder:    fakeEncoder{},
		Detector:   fakeDetector{},
	})
	require.NoError(t, err)
	require.NotNil(t, sc.Store)
	assert.Nil(t, sc.Messaging)
	assert.True(t, sc.Reporter.Enabled())
	assert.Equal(t, models.SignalGreen, sc.State.Signal(0))

	sc.Start(context.Background())

	require.Eventually(t, func() bool {
		snaps := sc.State.Snapshots()
		return snaps[0].VehicleCount == 2 && snaps[1].VehicleCount == 2
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := sc.State.Snapshot(1)
	require.NoError(t, err)
	assert.True(t, snap.HasSpeedData)
	assert.InDelta(t, 30.0, snap.AverageSpeedKPH, 1e-9)

	require.Eventually(t, func() bool { return sc.Reporter.Stats().Reports > 0 }, 2*time.Second, 5*time.Millisecond)
	lanes, err := sc.Store.LatestLanes(context.Background(), "test-x")
	require.NoError(t, err)
	assert.Len(t, lanes, 2)

	st := sc.Stats()
	assert.Len(t, st.Lanes, 2)
	assert.Equal(t, "fake", st.Detector.State)
	assert.Nil(t, st.Messaging)
	assert.Positive(t, st.Lanes[0].FramesProcessed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sc.Shutdown(ctx))

	for _, src := range srcs.list {
		assert.True(t, src.closed.Load())
	}
}

func TestServiceContainer_DisabledDetector(t *testing.T) {
	cfg := testConfig(1)
	cfg.AIEnabled = false
	sc, err := NewServiceContainer(cfg, Dependencies{
		OpenSource: (&sources{}).open,
		Encoder:    fakeEncoder{},
	})
	require.NoError(t, err)
	assert.Equal(t, detection.Status{State: "disabled"}, sc.Detector.Status())
	require.NoError(t, sc.Shutdown(context.Background()))
}
