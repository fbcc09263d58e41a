package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// ErrRunNotFound is returned when writing to a run that was never begun.
var ErrRunNotFound = errors.New("run not found")

// Run is a row of the runs table.
type Run struct {
	ID         string               `json:"id"`
	Provider   string               `json:"provider"`
	Model      string               `json:"model"`
	Mode       string               `json:"mode"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Terminal   domain.TerminalState `json:"terminal_state,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	BestScore  *int                 `json:"best_score,omitempty"`
	Iterations int                  `json:"iterations"`
	TotalCost  float64              `json:"total_cost_usd"`
}

// SQLiteStore implements ports.RunStore on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ ports.RunStore = (*SQLiteStore)(nil)

// Open opens (creating if needed) the database at path and applies any
// pending migrations. Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	// One connection keeps ":memory:" databases and pragmas consistent.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open run store: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply run store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// BeginRun inserts the run row.
func (s *SQLiteStore) BeginRun(ctx context.Context, run ports.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, provider, model, mode, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.Provider, run.Model, string(run.Mode), formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to begin run %s: %w", run.ID, err)
	}
	return nil
}

// RecordIteration stores one iteration and updates the run's running totals.
// Recording the same index twice replaces the earlier row.
func (s *SQLiteStore) RecordIteration(ctx context.Context, runID string, it domain.Iteration) error {
	payload, err := EncodeIteration(it)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to record iteration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to record iteration: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO iterations (run_id, idx, score, raw_score, decision, mode, strategy,
			image_count, cost_usd, failure_reason, recorded_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, idx) DO UPDATE SET
			score = excluded.score,
			raw_score = excluded.raw_score,
			decision = excluded.decision,
			mode = excluded.mode,
			strategy = excluded.strategy,
			image_count = excluded.image_count,
			cost_usd = excluded.cost_usd,
			failure_reason = excluded.failure_reason,
			recorded_at = excluded.recorded_at,
			payload = excluded.payload
	`, runID, it.Index, it.Score, it.RawScore(), string(it.Decision), string(it.Mode),
		string(it.Selection.Strategy), it.Selection.ImageCount, it.CostUSD, it.FailureReason,
		formatTime(it.Timestamp), payload)
	if err != nil {
		return fmt.Errorf("failed to record iteration %d: %w", it.Index, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET
			iterations = (SELECT COUNT(*) FROM iterations WHERE run_id = ?),
			total_cost_usd = (SELECT COALESCE(SUM(cost_usd), 0) FROM iterations WHERE run_id = ?)
		WHERE id = ?
	`, runID, runID, runID)
	if err != nil {
		return fmt.Errorf("failed to update run totals: %w", err)
	}
	return tx.Commit()
}

// FinishRun records the terminal state and the final checkpoint.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, summary ports.RunSummary) error {
	payload, err := EncodeCheckpoint(summary.Checkpoint)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			finished_at = ?,
			terminal_state = ?,
			reason = ?,
			best_score = ?,
			total_cost_usd = ?,
			checkpoint = ?
		WHERE id = ?
	`, formatTime(summary.FinishedAt), string(summary.Terminal), summary.Reason,
		summary.Checkpoint.BestScore, summary.Checkpoint.TotalCost(), payload, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// GetRun returns a run row.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (Run, bool, error) {
	row := s.db.QueryRowContext(ctx, runColumns+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, false, nil
		}
		return Run{}, false, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, true, nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, runColumns+` ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Iterations returns a run's iterations in index order.
func (s *SQLiteStore) Iterations(ctx context.Context, runID string) ([]domain.Iteration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM iterations WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	var out []domain.Iteration
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan iteration row: %w", err)
		}
		it, err := DecodeIteration(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// LoadCheckpoint returns the final checkpoint of a finished run.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, runID string) (domain.Checkpoint, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT checkpoint FROM runs WHERE id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Checkpoint{}, false, nil
		}
		return domain.Checkpoint{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if payload == nil {
		return domain.Checkpoint{}, false, nil
	}
	cp, err := DecodeCheckpoint(payload)
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("run %s: %w", runID, err)
	}
	return cp, true, nil
}

const runColumns = `
	SELECT id, provider, model, mode, started_at, finished_at, terminal_state,
		reason, best_score, iterations, total_cost_usd
	FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run        Run
		startedAt  string
		finishedAt sql.NullString
		terminal   sql.NullString
		reason     sql.NullString
		bestScore  sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.Provider, &run.Model, &run.Mode, &startedAt, &finishedAt,
		&terminal, &reason, &bestScore, &run.Iterations, &run.TotalCost)
	if err != nil {
		return Run{}, err
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return Run{}, err
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return Run{}, err
		}
		run.FinishedAt = &t
	}
	run.Terminal = domain.TerminalState(terminal.String)
	run.Reason = reason.String
	if bestScore.Valid {
		score := int(bestScore.Int64)
		run.BestScore = &score
	}
	return run, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
