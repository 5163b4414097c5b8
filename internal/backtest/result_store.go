package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pilot/internal/types"
)

// Run is the stored lifecycle of one simulation.
type Run struct {
	ID        string           `json:"id"`
	Symbol    string           `json:"symbol"`
	Interval  string           `json:"interval"`
	Status    string           `json:"status"` // pending | running | done | failed
	Message   string           `json:"message,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Config    SimulationConfig `json:"config"`
	Metrics   *Metrics         `json:"metrics,omitempty"` // aggregated, set when done
}

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// ResultStore persists runs, per-split metrics, trades and equity curves in
// one sqlite file.
type ResultStore struct {
	db *sql.DB
}

func NewResultStore(path string) (*ResultStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("result store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := ensureResultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultStore{db: db}, nil
}

func (s *ResultStore) Close() error { return s.db.Close() }

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			config TEXT NOT NULL,
			metrics TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS run_splits (
			run_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			in_sample_start INTEGER NOT NULL,
			out_sample_start INTEGER NOT NULL,
			out_sample_end INTEGER NOT NULL,
			metrics TEXT NOT NULL,
			PRIMARY KEY (run_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS run_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			split_idx INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty REAL NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			fees REAL NOT NULL,
			pnl REAL NOT NULL,
			return_pct REAL NOT NULL,
			entry_ts INTEGER NOT NULL,
			exit_ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_equity (
			run_id TEXT NOT NULL,
			split_idx INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			cash REAL NOT NULL,
			gross_exposure REAL NOT NULL,
			PRIMARY KEY (run_id, split_idx, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_trades_run ON run_trades(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure result schema: %w", err)
		}
	}
	return nil
}

// InsertRun stores a pending run.
func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, symbol, interval, status, message, created_at, updated_at, config)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Symbol, run.Interval, run.Status, run.Message,
		run.CreatedAt.UnixMilli(), run.UpdatedAt.UnixMilli(), string(cfg))
	return err
}

// UpdateRunStatus transitions a run's lifecycle state.
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, message = ?, updated_at = ? WHERE id = ?`,
		status, message, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// SaveResult stores the finished run output and marks it done.
func (s *ResultStore) SaveResult(ctx context.Context, result SimulationResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	metrics, err := json.Marshal(result.Aggregated)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, metrics = ?, updated_at = ? WHERE id = ?`,
		RunStatusDone, string(metrics), time.Now().UnixMilli(), result.RunID); err != nil {
		return err
	}
	for idx, split := range result.Splits {
		splitMetrics, err := json.Marshal(split.Metrics)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO run_splits (run_id, idx, in_sample_start, out_sample_start, out_sample_end, metrics)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			result.RunID, idx, split.Split.InSampleStart, split.Split.OutSampleStart, split.Split.OutSampleEnd, string(splitMetrics)); err != nil {
			return err
		}
		for _, trade := range split.Trades {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO run_trades (run_id, split_idx, symbol, side, qty, entry_price, exit_price, fees, pnl, return_pct, entry_ts, exit_ts)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				result.RunID, idx, trade.Symbol, string(trade.Side), trade.Qty, trade.EntryPrice,
				trade.ExitPrice, trade.Fees, trade.Pnl, trade.ReturnPct, trade.EntryTs, trade.ExitTs); err != nil {
				return err
			}
		}
		for _, pt := range split.Equity {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO run_equity (run_id, split_idx, ts, equity, cash, gross_exposure)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				result.RunID, idx, pt.Ts, pt.Equity, pt.Cash, pt.GrossExposure); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// GetRun loads one run.
func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, symbol, interval, status, message, created_at, updated_at, config, metrics
		 FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns recent runs, newest first.
func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, interval, status, message, created_at, updated_at, config, metrics
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListTrades returns a run's trades in execution order.
func (s *ResultStore) ListTrades(ctx context.Context, runID string) ([]TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, side, qty, entry_price, exit_price, fees, pnl, return_pct, entry_ts, exit_ts
		 FROM run_trades WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var trades []TradeRecord
	for rows.Next() {
		var tr TradeRecord
		var side string
		if err := rows.Scan(&tr.Symbol, &side, &tr.Qty, &tr.EntryPrice, &tr.ExitPrice,
			&tr.Fees, &tr.Pnl, &tr.ReturnPct, &tr.EntryTs, &tr.ExitTs); err != nil {
			return nil, err
		}
		tr.Side = types.ParseSide(side)
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

// ListEquity returns a run's full equity curve in time order.
func (s *ResultStore) ListEquity(ctx context.Context, runID string) ([]EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, equity, cash, gross_exposure
		 FROM run_equity WHERE run_id = ? ORDER BY split_idx ASC, ts ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var curve []EquityPoint
	for rows.Next() {
		var pt EquityPoint
		if err := rows.Scan(&pt.Ts, &pt.Equity, &pt.Cash, &pt.GrossExposure); err != nil {
			return nil, err
		}
		curve = append(curve, pt)
	}
	return curve, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var createdAt, updatedAt int64
	var config string
	var metrics sql.NullString
	if err := row.Scan(&run.ID, &run.Symbol, &run.Interval, &run.Status, &run.Message,
		&createdAt, &updatedAt, &config, &metrics); err != nil {
		return Run{}, err
	}
	run.CreatedAt = time.UnixMilli(createdAt)
	run.UpdatedAt = time.UnixMilli(updatedAt)
	if err := json.Unmarshal([]byte(config), &run.Config); err != nil {
		return Run{}, fmt.Errorf("run %s config: %w", run.ID, err)
	}
	if metrics.Valid && metrics.String != "" {
		var m Metrics
		if err := json.Unmarshal([]byte(metrics.String), &m); err != nil {
			return Run{}, fmt.Errorf("run %s metrics: %w", run.ID, err)
		}
		run.Metrics = &m
	}
	return run, nil
}
