package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/calibrix/internal/measure"
	"github.com/banshee-data/calibrix/internal/plan"
)

// ErrRunNotFound is returned when no run matches the requested ID.
var ErrRunNotFound = errors.New("calibration run not found")

// Run describes one persisted calibration session.
type Run struct {
	ID        string    `json:"run_id"`
	Name      string    `json:"name"`
	StepMode  string    `json:"step_mode"`
	StepBase  float64   `json:"step_base"`
	Filter    string    `json:"filter"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"created_at"`
	// Groups is the number of stored groups.
	Groups int `json:"groups"`
}

// SaveRun stores run and the full group hierarchy in a single transaction and
// returns the new run ID. A zero CreatedAt is replaced by the current time.
func (db *DB) SaveRun(ctx context.Context, run Run, groups []measure.Group) (string, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calibration_runs (run_id, name, step_mode, step_base, filter, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.StepMode, nullable(run.StepBase), run.Filter, run.Notes, run.CreatedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	groupStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO measurement_groups (run_id, group_id, step_mode, group_type, selected)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer groupStmt.Close()
	seriesStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO measurement_series (run_id, group_id, series_index, step_number, address, expected, direction)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer seriesStmt.Close()
	sampleStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO measurements (run_id, group_id, series_index, sample_index, repeat_index, raw, distance, expected, deviation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer sampleStmt.Close()

	for _, g := range groups {
		if _, err := groupStmt.ExecContext(ctx, run.ID, g.ID, int(g.Mode), int(g.Type), g.SelectedFor); err != nil {
			return "", fmt.Errorf("insert group %d: %w", g.ID, err)
		}
		for si, s := range g.Series {
			if _, err := seriesStmt.ExecContext(ctx, run.ID, g.ID, si, s.StepNumber, s.Address,
				nullable(s.Expected), int(s.Direction)); err != nil {
				return "", fmt.Errorf("insert series %d/%d: %w", g.ID, si, err)
			}
			for mi, m := range s.Measurements {
				if _, err := sampleStmt.ExecContext(ctx, run.ID, g.ID, si, mi, m.RepeatIndex,
					nullable(m.Raw), nullable(m.Distance), nullable(m.Expected), nullable(m.Deviation)); err != nil {
					return "", fmt.Errorf("insert measurement %d/%d/%d: %w", g.ID, si, mi, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit run: %w", err)
	}
	logf("saved run %s with %d groups", run.ID, len(groups))
	return run.ID, nil
}

// LoadRun reads back a run and its groups ordered by group ID.
func (db *DB) LoadRun(ctx context.Context, id string) (Run, []measure.Group, error) {
	var (
		run       Run
		base      sql.NullFloat64
		createdAt int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT run_id, name, step_mode, step_base, filter, notes, created_at
		FROM calibration_runs WHERE run_id = ?`, id).
		Scan(&run.ID, &run.Name, &run.StepMode, &base, &run.Filter, &run.Notes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, nil, err
	}
	run.StepBase = fromNullable(base)
	run.CreatedAt = time.Unix(0, createdAt)

	groups, err := db.loadGroups(ctx, id)
	if err != nil {
		return Run{}, nil, err
	}
	run.Groups = len(groups)
	return run, groups, nil
}

func (db *DB) loadGroups(ctx context.Context, id string) ([]measure.Group, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT group_id, step_mode, group_type, selected
		FROM measurement_groups WHERE run_id = ? ORDER BY group_id`, id)
	if err != nil {
		return nil, err
	}
	var groups []measure.Group
	index := map[int]int{}
	for rows.Next() {
		var g measure.Group
		var mode, typ int
		if err := rows.Scan(&g.ID, &mode, &typ, &g.SelectedFor); err != nil {
			rows.Close()
			return nil, err
		}
		g.Mode = plan.StepMode(mode)
		g.Type = measure.GroupType(typ)
		index[g.ID] = len(groups)
		groups = append(groups, g)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, `
		SELECT group_id, series_index, step_number, address, expected, direction
		FROM measurement_series WHERE run_id = ? ORDER BY group_id, series_index`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			s         measure.Series
			gid, si   int
			expected  sql.NullFloat64
			direction int
		)
		if err := rows.Scan(&gid, &si, &s.StepNumber, &s.Address, &expected, &direction); err != nil {
			rows.Close()
			return nil, err
		}
		s.Expected = fromNullable(expected)
		s.Direction = plan.Direction(direction)
		gi, ok := index[gid]
		if !ok || si != len(groups[gi].Series) {
			rows.Close()
			return nil, fmt.Errorf("run %s: series %d/%d out of order", id, gid, si)
		}
		groups[gi].Series = append(groups[gi].Series, s)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, `
		SELECT group_id, series_index, repeat_index, raw, distance, expected, deviation
		FROM measurements WHERE run_id = ? ORDER BY group_id, series_index, sample_index`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m                         measure.Measurement
			gid, si                   int
			raw, dist, exp, deviation sql.NullFloat64
		)
		if err := rows.Scan(&gid, &si, &m.RepeatIndex, &raw, &dist, &exp, &deviation); err != nil {
			return nil, err
		}
		m.Raw = fromNullable(raw)
		m.Distance = fromNullable(dist)
		m.Expected = fromNullable(exp)
		m.Deviation = fromNullable(deviation)
		gi, ok := index[gid]
		if !ok || si >= len(groups[gi].Series) {
			return nil, fmt.Errorf("run %s: measurement references missing series %d/%d", id, gid, si)
		}
		groups[gi].Series[si].Measurements = append(groups[gi].Series[si].Measurements, m)
	}
	return groups, rows.Err()
}

// ListRuns returns all runs, newest first, with their group counts.
func (db *DB) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.run_id, r.name, r.step_mode, r.step_base, r.filter, r.notes, r.created_at,
		       (SELECT COUNT(*) FROM measurement_groups g WHERE g.run_id = r.run_id)
		FROM calibration_runs r
		ORDER BY r.created_at DESC, r.run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			run       Run
			base      sql.NullFloat64
			createdAt int64
		)
		if err := rows.Scan(&run.ID, &run.Name, &run.StepMode, &base, &run.Filter, &run.Notes,
			&createdAt, &run.Groups); err != nil {
			return nil, err
		}
		run.StepBase = fromNullable(base)
		run.CreatedAt = time.Unix(0, createdAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and everything recorded under it.
func (db *DB) DeleteRun(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM calibration_runs WHERE run_id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	logf("deleted run %s", id)
	return nil
}

// nullable stores NaN and infinities as NULL.
func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func fromNullable(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
