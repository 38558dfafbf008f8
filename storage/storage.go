// Package storage persists dispatch trajectories to PostgreSQL, so a
// rolling-horizon run can resume and be audited after a restart.
package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/voltgrid/dispatch/faults"
	"github.com/voltgrid/dispatch/trajectory"
)

// Store wraps a PostgreSQL connection pool used for trajectory
// persistence.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL via the given connection string (lib/pq DSN
// or URL form) and verifies connectivity with a ping.
func Open(connString string) (*Store, error) {
	const op = "storage.Open"
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, faults.Configurationf(op, "failed to open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, faults.Numericalf(op, "failed to reach postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Schema is the DDL that creates the trajectory_steps table. It is not run
// on Open; ApplySchema executes it (and SummarySchema) when called.
const Schema = `
CREATE TABLE IF NOT EXISTS trajectory_steps (
	run_id             TEXT NOT NULL,
	timestamp          TIMESTAMPTZ NOT NULL,
	charge_kw          DOUBLE PRECISION NOT NULL,
	discharge_kw       DOUBLE PRECISION NOT NULL,
	grid_import_kw     DOUBLE PRECISION NOT NULL,
	grid_export_kw     DOUBLE PRECISION NOT NULL,
	curtail_kw         DOUBLE PRECISION NOT NULL,
	energy_kwh         DOUBLE PRECISION NOT NULL,
	price_import       DOUBLE PRECISION NOT NULL,
	step_cost          DOUBLE PRECISION NOT NULL,
	step_degradation   DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, timestamp)
)`

// SaveSteps persists every step of a trajectory under runID, upserting by
// (run_id, timestamp) so a resumed rolling-horizon run can overwrite steps
// it recomputes after a restart.
func (s *Store) SaveSteps(ctx context.Context, runID string, steps []trajectory.Step) error {
	const op = "storage.Store.SaveSteps"
	if len(steps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return faults.Numericalf(op, "failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trajectory_steps (
			run_id, timestamp, charge_kw, discharge_kw, grid_import_kw,
			grid_export_kw, curtail_kw, energy_kwh, price_import, step_cost,
			step_degradation
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, timestamp) DO UPDATE SET
			charge_kw = EXCLUDED.charge_kw,
			discharge_kw = EXCLUDED.discharge_kw,
			grid_import_kw = EXCLUDED.grid_import_kw,
			grid_export_kw = EXCLUDED.grid_export_kw,
			curtail_kw = EXCLUDED.curtail_kw,
			energy_kwh = EXCLUDED.energy_kwh,
			price_import = EXCLUDED.price_import,
			step_cost = EXCLUDED.step_cost,
			step_degradation = EXCLUDED.step_degradation
	`)
	if err != nil {
		return faults.Numericalf(op, "failed to prepare upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, step := range steps {
		if _, err := stmt.ExecContext(ctx,
			runID, step.Time, step.ChargeKW, step.DischargeKW, step.GridImportKW,
			step.GridExportKW, step.CurtailKW, step.EnergyKWh, step.PriceImport,
			step.StepCost, step.StepDegradation,
		); err != nil {
			return faults.Numericalf(op, "failed to insert step at %s: %w", step.Time, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return faults.Numericalf(op, "failed to commit transaction: %w", err)
	}
	return nil
}

// LoadSteps loads every step for runID with timestamp >= since, ordered by
// timestamp, the shape a resumed rolling-horizon run needs to rebuild its
// in-memory Trajectory.
func (s *Store) LoadSteps(ctx context.Context, runID string, since time.Time) ([]trajectory.Step, error) {
	const op = "storage.Store.LoadSteps"
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, charge_kw, discharge_kw, grid_import_kw, grid_export_kw,
		       curtail_kw, energy_kwh, price_import, step_cost, step_degradation
		FROM trajectory_steps
		WHERE run_id = $1 AND timestamp >= $2
		ORDER BY timestamp ASC
	`, runID, since)
	if err != nil {
		return nil, faults.Numericalf(op, "failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []trajectory.Step
	for rows.Next() {
		var step trajectory.Step
		if err := rows.Scan(
			&step.Time, &step.ChargeKW, &step.DischargeKW, &step.GridImportKW,
			&step.GridExportKW, &step.CurtailKW, &step.EnergyKWh, &step.PriceImport,
			&step.StepCost, &step.StepDegradation,
		); err != nil {
			return nil, faults.Numericalf(op, "failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Numericalf(op, "error iterating steps: %w", err)
	}
	return steps, nil
}

// SaveSummary persists one month's cost-decomposition summary, upserting
// by (run_id, month).
func (s *Store) SaveSummary(ctx context.Context, runID string, month time.Time, summary trajectory.Summary) error {
	const op = "storage.Store.SaveSummary"
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trajectory_summaries (
			run_id, month, objective_value, energy_cost, power_tariff_cost,
			degradation_cost, equivalent_full_cycles
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, month) DO UPDATE SET
			objective_value = EXCLUDED.objective_value,
			energy_cost = EXCLUDED.energy_cost,
			power_tariff_cost = EXCLUDED.power_tariff_cost,
			degradation_cost = EXCLUDED.degradation_cost,
			equivalent_full_cycles = EXCLUDED.equivalent_full_cycles
	`, runID, month, summary.ObjectiveValue, summary.EnergyCost, summary.PowerTariffCost,
		summary.DegradationCost, summary.EquivalentFullCycles)
	if err != nil {
		return faults.Numericalf(op, "failed to upsert summary for %s: %w", month, err)
	}
	return nil
}

// SummarySchema is the DDL for the monthly summary table, applied
// alongside Schema.
const SummarySchema = `
CREATE TABLE IF NOT EXISTS trajectory_summaries (
	run_id                  TEXT NOT NULL,
	month                   TIMESTAMPTZ NOT NULL,
	objective_value         DOUBLE PRECISION NOT NULL,
	energy_cost             DOUBLE PRECISION NOT NULL,
	power_tariff_cost       DOUBLE PRECISION NOT NULL,
	degradation_cost        DOUBLE PRECISION NOT NULL,
	equivalent_full_cycles  DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, month)
)`

// ApplySchema creates the trajectory_steps and trajectory_summaries tables
// if they do not already exist.
func (s *Store) ApplySchema(ctx context.Context) error {
	const op = "storage.Store.ApplySchema"
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return faults.Configurationf(op, "failed to apply steps schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, SummarySchema); err != nil {
		return faults.Configurationf(op, "failed to apply summaries schema: %w", err)
	}
	return nil
}
