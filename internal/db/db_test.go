package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intersection-worker-go/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "lanes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func kph(v float64) *float64 { return &v }

func TestOpen_AppliesMigrations(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Running again is a no-op
	require.NoError(t, db.MigrateUp())

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)
}

func TestUpsertLanes_KeepsOnlyLatest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	observed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	reported := observed.Add(2 * time.Second)

	first := []models.ReportedLane{
		{IntersectionID: "x1", Lane: 0, Name: "north", VehicleCount: 3, AverageSpeedKPH: 40, HasSpeedData: true,
			Signal: models.SignalGreen, Observations: 10, PhaseSequence: 2, ObservedAt: &observed, ReportedAt: reported,
			Vehicles: []models.VehicleRecord{{VehicleID: 1, SpeedInfo: models.SpeedInfo{KPH: kph(40)}}}},
		{IntersectionID: "x1", Lane: 1, Name: "east", Signal: models.SignalRed, ReportedAt: reported},
	}
	require.NoError(t, db.UpsertLanes(ctx, first))

	got, err := db.LatestLanes(ctx, "x1")
	require.NoError(t, err)
	if diff := cmp.Diff(first[0], got[0]); diff != "" {
		t.Errorf("lane 0 mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, got[1].ObservedAt)
	assert.Empty(t, got[1].Vehicles)

	later := reported.Add(5 * time.Second)
	second := []models.ReportedLane{
		{IntersectionID: "x1", Lane: 0, Name: "north", VehicleCount: 0, Signal: models.SignalRed,
			Observations: 11, PhaseSequence: 3, ReportedAt: later},
	}
	require.NoError(t, db.UpsertLanes(ctx, second))

	got, err = db.LatestLanes(ctx, "x1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].VehicleCount)
	assert.Equal(t, models.SignalRed, got[0].Signal)
	assert.Equal(t, uint64(11), got[0].Observations)
	assert.Equal(t, later, got[0].ReportedAt)

	var rows int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM lane_snapshots").Scan(&rows))
	assert.Equal(t, 2, rows)
}

func TestLatestLanes_ScopedByIntersection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, db.UpsertLanes(ctx, []models.ReportedLane{
		{IntersectionID: "a", Lane: 0, Signal: models.SignalGreen, ReportedAt: now},
		{IntersectionID: "b", Lane: 0, Signal: models.SignalGreen, ReportedAt: now},
	}))

	got, err := db.LatestLanes(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].IntersectionID)

	none, err := db.LatestLanes(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
