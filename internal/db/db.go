// Package db keeps the latest reported snapshot of every lane in sqlite.
// Only one row per lane is stored; older reports are overwritten.
package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"intersection-worker-go/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	db := &DB{sqlDB}

	if err := db.applyPragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("Lane snapshot store ready")
	return db, nil
}

func (db *DB) applyPragmas() error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// MigrateUp runs all pending migrations up to the latest version
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared *sql.DB

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version (0 when none applied)
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Debug().Str("component", "migrate").Msgf(format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// UpsertLanes replaces the stored row of every given lane in one transaction
func (db *DB) UpsertLanes(ctx context.Context, lanes []models.ReportedLane) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO lane_snapshots (
			intersection_id, lane, lane_name, vehicle_count, average_speed_kph,
			has_speed_data, signal, vehicles_json, observation_seq, phase_sequence,
			observed_at_ns, reported_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (intersection_id, lane) DO UPDATE SET
			lane_name = excluded.lane_name,
			vehicle_count = excluded.vehicle_count,
			average_speed_kph = excluded.average_speed_kph,
			has_speed_data = excluded.has_speed_data,
			signal = excluded.signal,
			vehicles_json = excluded.vehicles_json,
			observation_seq = excluded.observation_seq,
			phase_sequence = excluded.phase_sequence,
			observed_at_ns = excluded.observed_at_ns,
			reported_at_ns = excluded.reported_at_ns`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, l := range lanes {
		vehicles := l.Vehicles
		if vehicles == nil {
			vehicles = []models.VehicleRecord{}
		}
		vehiclesJSON, err := json.Marshal(vehicles)
		if err != nil {
			return fmt.Errorf("lane %d: failed to encode vehicles: %w", l.Lane, err)
		}
		var observedAt int64
		if l.ObservedAt != nil {
			observedAt = l.ObservedAt.UnixNano()
		}
		if _, err := stmt.ExecContext(ctx,
			l.IntersectionID, l.Lane, l.Name, l.VehicleCount, l.AverageSpeedKPH,
			l.HasSpeedData, string(l.Signal), string(vehiclesJSON), int64(l.Observations), int64(l.PhaseSequence),
			observedAt, l.ReportedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("lane %d: upsert failed: %w", l.Lane, err)
		}
	}
	return tx.Commit()
}

// LatestLanes returns the stored row of every lane of an intersection, in
// lane order
func (db *DB) LatestLanes(ctx context.Context, intersectionID string) ([]models.ReportedLane, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT intersection_id, lane, lane_name, vehicle_count, average_speed_kph,
			has_speed_data, signal, vehicles_json, observation_seq, phase_sequence,
			observed_at_ns, reported_at_ns
		FROM lane_snapshots
		WHERE intersection_id = ?
		ORDER BY lane`, intersectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lane snapshots: %w", err)
	}
	defer rows.Close()

	out := []models.ReportedLane{}
	for rows.Next() {
		var (
			l            models.ReportedLane
			signal       string
			vehiclesJSON string
			obsSeq       int64
			phaseSeq     int64
			observedAt   int64
			reportedAt   int64
		)
		if err := rows.Scan(
			&l.IntersectionID, &l.Lane, &l.Name, &l.VehicleCount, &l.AverageSpeedKPH,
			&l.HasSpeedData, &signal, &vehiclesJSON, &obsSeq, &phaseSeq,
			&observedAt, &reportedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan lane snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(vehiclesJSON), &l.Vehicles); err != nil {
			return nil, fmt.Errorf("lane %d: failed to decode vehicles: %w", l.Lane, err)
		}
		l.Signal = models.SignalColor(signal)
		l.Observations = uint64(obsSeq)
		l.PhaseSequence = uint64(phaseSeq)
		if observedAt != 0 {
			t := time.Unix(0, observedAt).UTC()
			l.ObservedAt = &t
		}
		l.ReportedAt = time.Unix(0, reportedAt).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}
