package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intersection-worker-go/internal/models"
	"intersection-worker-go/internal/services/intersection"
	"intersection-worker-go/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// fakeEncoder encodes a snapshot as a short description and counts calls
type fakeEncoder struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (e *fakeEncoder) Encode(snap models.LaneSnapshot) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.fail {
		return nil, errors.New("encode failed")
	}
	return []byte(fmt.Sprintf("lane=%d frame=%d signal=%s", snap.Lane, snap.Frame.Seq, snap.Signal)), nil
}

func (e *fakeEncoder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestService(t *testing.T, lanes int) (*Service, *intersection.State, *fakeEncoder, *timeutil.MockClock) {
	t.Helper()
	state, err := intersection.New(lanes)
	require.NoError(t, err)
	enc := &fakeEncoder{}
	clock := timeutil.NewMockClock(epoch)
	svc, err := NewService(state, enc, clock, 100*time.Millisecond)
	require.NoError(t, err)
	return svc, state, enc, clock
}

func publish(t *testing.T, state *intersection.State, lane int, seq int64, vehicles ...models.VehicleRecord) {
	t.Helper()
	l, err := state.Lane(lane)
	require.NoError(t, err)
	l.Publish(&models.Frame{Lane: lane, Seq: seq}, len(vehicles), 0, false, vehicles, epoch)
}

func TestStreamFrames_UnknownLane(t *testing.T) {
	svc, _, _, _ := newTestService(t, 2)

	_, err := svc.StreamFrames(context.Background(), 2)
	assert.ErrorIs(t, err, ErrLaneNotFound)
	_, err = svc.StreamFrames(context.Background(), -1)
	assert.ErrorIs(t, err, ErrLaneNotFound)
}

func TestStreamFrames_YieldsLatestFrame(t *testing.T) {
	svc, state, enc, _ := newTestService(t, 2)
	publish(t, state, 1, 7)

	frames, err := svc.StreamFrames(context.Background(), 1)
	require.NoError(t, err)

	var got []string
	for b := range frames {
		got = append(got, string(b))
		if len(got) == 2 {
			publish(t, state, 1, 8)
		}
		if len(got) == 4 {
			break
		}
	}
	assert.Equal(t, []string{
		"lane=1 frame=7 signal=red",
		"lane=1 frame=7 signal=red",
		"lane=1 frame=8 signal=red",
		"lane=1 frame=8 signal=red",
	}, got)
	// Repeats of the same observation come from the cache
	assert.Equal(t, 2, enc.Calls())
}

func TestStreamFrames_ReencodesOnSignalChange(t *testing.T) {
	svc, state, enc, _ := newTestService(t, 2)
	publish(t, state, 1, 1)

	frames, err := svc.StreamFrames(context.Background(), 1)
	require.NoError(t, err)

	var got []string
	for b := range frames {
		got = append(got, string(b))
		if len(got) == 1 {
			require.NoError(t, state.SetPhase(models.Phase{GreenLane: 1}))
		}
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"lane=1 frame=1 signal=red", "lane=1 frame=1 signal=green"}, got)
	assert.Equal(t, 2, enc.Calls())
}

func TestStreamFrames_StallsUntilFirstFrame(t *testing.T) {
	svc, state, _, clock := newTestService(t, 1)

	frames, err := svc.StreamFrames(context.Background(), 0)
	require.NoError(t, err)

	first := make(chan string, 1)
	go func() {
		for b := range frames {
			first <- string(b)
			return
		}
	}()

	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)
	clock.Advance(100 * time.Millisecond)

	select {
	case b := <-first:
		t.Fatalf("yielded %q before any frame existed", b)
	case <-time.After(20 * time.Millisecond):
	}

	publish(t, state, 0, 42)
	require.Eventually(t, func() bool {
		clock.Advance(100 * time.Millisecond)
		return len(first) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "lane=0 frame=42 signal=green", <-first)
}

func TestStreamFrames_EndsWhenContextCancelled(t *testing.T) {
	svc, _, _, clock := newTestService(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := svc.StreamFrames(ctx, 0)
	require.NoError(t, err)

	done := make(chan int)
	go func() {
		n := 0
		for range frames {
			n++
		}
		done <- n
	}()

	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case n := <-done:
		assert.Zero(t, n)
	case <-time.After(time.Second):
		t.Fatal("iterator did not stop after cancel")
	}
}

func TestStreamFrames_EncodeFailureWaits(t *testing.T) {
	svc, state, enc, clock := newTestService(t, 1)
	enc.fail = true
	publish(t, state, 0, 1)

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := svc.StreamFrames(ctx, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for range frames {
		}
		close(done)
	}()

	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, enc.Calls())
	cancel()
	<-done
}

func TestSignalSnapshot(t *testing.T) {
	svc, state, _, _ := newTestService(t, 3)
	publish(t, state, 0, 1, models.VehicleRecord{VehicleID: 1}, models.VehicleRecord{VehicleID: 2})
	publish(t, state, 2, 1, models.VehicleRecord{VehicleID: 9})
	require.NoError(t, state.SetPhase(models.Phase{GreenLane: 2}))

	want := []models.SignalInfo{
		{Lane: 1, VehicleCount: 2, Signal: models.SignalRed},
		{Lane: 2, VehicleCount: 0, Signal: models.SignalRed},
		{Lane: 3, VehicleCount: 1, Signal: models.SignalGreen},
	}
	first := svc.SignalSnapshot()
	if diff := cmp.Diff(want, first); diff != "" {
		t.Errorf("SignalSnapshot() mismatch (-want +got):\n%s", diff)
	}

	// No state change in between: identical result
	assert.Equal(t, first, svc.SignalSnapshot())
}

func TestVehicleLog_FlattensInLaneOrder(t *testing.T) {
	svc, state, _, _ := newTestService(t, 3)
	assert.NotNil(t, svc.VehicleLog())
	assert.Empty(t, svc.VehicleLog())

	publish(t, state, 2, 1, models.VehicleRecord{VehicleID: 30})
	publish(t, state, 0, 1, models.VehicleRecord{VehicleID: 10}, models.VehicleRecord{VehicleID: 11})

	ids := []int64{}
	for _, v := range svc.VehicleLog() {
		ids = append(ids, v.VehicleID)
	}
	assert.Equal(t, []int64{10, 11, 30}, ids)

	// Only the most recent detection per lane is kept
	publish(t, state, 0, 2, models.VehicleRecord{VehicleID: 12})
	ids = ids[:0]
	for _, v := range svc.VehicleLog() {
		ids = append(ids, v.VehicleID)
	}
	assert.Equal(t, []int64{12, 30}, ids)
}

func TestLanes(t *testing.T) {
	svc, state, _, _ := newTestService(t, 2)
	require.NoError(t, state.SetPhase(models.Phase{GreenLane: 1, StartedAt: epoch, GreenTime: 35 * time.Second, Sequence: 3}))
	publish(t, state, 1, 5, models.VehicleRecord{VehicleID: 1})

	resp := svc.Lanes(epoch.Add(5 * time.Second))
	assert.Equal(t, models.PhaseResponse{
		GreenLane:        1,
		StartedAt:        epoch,
		GreenTimeSeconds: 35,
		RemainingSeconds: 30,
		Sequence:         3,
	}, resp.Phase)
	require.Len(t, resp.Lanes, 2)
	assert.False(t, resp.Lanes[0].HasFrame)
	assert.Nil(t, resp.Lanes[0].ObservedAt)
	assert.Equal(t, "lane-2", resp.Lanes[1].Name)
	assert.True(t, resp.Lanes[1].HasFrame)
	assert.Equal(t, models.SignalGreen, resp.Lanes[1].Signal)
	assert.Equal(t, 1, resp.Lanes[1].VehicleCount)

	assert.Zero(t, svc.Lanes(epoch.Add(time.Hour)).Phase.RemainingSeconds)
}
