package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// Status values recorded for a harvest attempt.
const (
	StatusCommitted = "committed"
	StatusFailed    = "failed"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("keeperd storage path must be configured")

// ErrRunNotFound is returned by GetRun for an unknown run id.
var ErrRunNotFound = errors.New("harvest run not found")

// Storage persists the keeper's harvest history.
type Storage struct {
	db *sql.DB
}

// Swap is one reward conversion inside a run.
type Swap struct {
	Slot     int    `json:"slot"`
	Token    string `json:"token"`
	Output   string `json:"output"`
	AmountIn string `json:"amountIn"`
	Received string `json:"received"`
	Skipped  bool   `json:"skipped"`
}

// Run is one harvest attempt, committed or not.
type Run struct {
	RunID       string    `json:"runId"`
	Keeper      string    `json:"keeper"`
	Trigger     string    `json:"trigger"`
	Status      string    `json:"status"`
	Liquidity   string    `json:"liquidity,omitempty"`
	KeeperFee   string    `json:"keeperFee,omitempty"`
	Compounded  string    `json:"compounded,omitempty"`
	VenueBefore string    `json:"venueBefore,omitempty"`
	VenueAfter  string    `json:"venueAfter,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Swaps       []Swap    `json:"swaps,omitempty"`
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRun stores a run and its swaps atomically.
func (s *Storage) RecordRun(ctx context.Context, run Run) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("run id required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO harvest_runs(run_id, keeper, trigger, status, liquidity, keeper_fee, compounded, venue_before, venue_after, error, started_at, finished_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, run.RunID, run.Keeper, run.Trigger, run.Status, run.Liquidity, run.KeeperFee, run.Compounded,
		run.VenueBefore, run.VenueAfter, run.Error, run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, swap := range run.Swaps {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO harvest_swaps(run_id, slot, token, output, amount_in, received, skipped)
            VALUES(?, ?, ?, ?, ?, ?, ?)
        `, run.RunID, swap.Slot, swap.Token, swap.Output, swap.AmountIn, swap.Received, swap.Skipped)
		if err != nil {
			return fmt.Errorf("insert swap: %w", err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (s *Storage) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT run_id, keeper, trigger, status, liquidity, keeper_fee, compounded, venue_before, venue_after, error, started_at, finished_at
        FROM harvest_runs
        ORDER BY id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.RunID, &run.Keeper, &run.Trigger, &run.Status, &run.Liquidity, &run.KeeperFee,
			&run.Compounded, &run.VenueBefore, &run.VenueAfter, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range runs {
		swaps, err := s.swaps(ctx, runs[i].RunID)
		if err != nil {
			return nil, err
		}
		runs[i].Swaps = swaps
	}
	return runs, nil
}

// GetRun loads one run by id.
func (s *Storage) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	if s == nil {
		return run, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT run_id, keeper, trigger, status, liquidity, keeper_fee, compounded, venue_before, venue_after, error, started_at, finished_at
        FROM harvest_runs
        WHERE run_id = ?
    `, runID)
	if err := row.Scan(&run.RunID, &run.Keeper, &run.Trigger, &run.Status, &run.Liquidity, &run.KeeperFee,
		&run.Compounded, &run.VenueBefore, &run.VenueAfter, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return run, fmt.Errorf("query run: %w", err)
	}
	swaps, err := s.swaps(ctx, runID)
	if err != nil {
		return run, err
	}
	run.Swaps = swaps
	return run, nil
}

func (s *Storage) swaps(ctx context.Context, runID string) ([]Swap, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT slot, token, output, amount_in, received, skipped
        FROM harvest_swaps
        WHERE run_id = ?
        ORDER BY slot
    `, runID)
	if err != nil {
		return nil, fmt.Errorf("query swaps: %w", err)
	}
	defer rows.Close()
	var out []Swap
	for rows.Next() {
		var swap Swap
		if err := rows.Scan(&swap.Slot, &swap.Token, &swap.Output, &swap.AmountIn, &swap.Received, &swap.Skipped); err != nil {
			return nil, fmt.Errorf("scan swap: %w", err)
		}
		out = append(out, swap)
	}
	return out, rows.Err()
}

const schema = `
CREATE TABLE IF NOT EXISTS harvest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    keeper TEXT NOT NULL,
    trigger TEXT NOT NULL,
    status TEXT NOT NULL,
    liquidity TEXT NOT NULL,
    keeper_fee TEXT NOT NULL,
    compounded TEXT NOT NULL,
    venue_before TEXT NOT NULL,
    venue_after TEXT NOT NULL,
    error TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_harvest_runs_status ON harvest_runs(status, started_at);

CREATE TABLE IF NOT EXISTS harvest_swaps (
    run_id TEXT NOT NULL REFERENCES harvest_runs(run_id),
    slot INTEGER NOT NULL,
    token TEXT NOT NULL,
    output TEXT NOT NULL,
    amount_in TEXT NOT NULL,
    received TEXT NOT NULL,
    skipped BOOLEAN NOT NULL,
    PRIMARY KEY (run_id, slot)
);
`
