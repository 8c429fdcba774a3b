// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/tallow/lib/clock"
	"github.com/bureau-foundation/tallow/lib/sqlitepool"
	"github.com/bureau-foundation/tallow/nat"
)

var statsMigrations = []string{
	`CREATE TABLE pair_history (
		local           TEXT    NOT NULL,
		remote          TEXT    NOT NULL,
		mode            TEXT    NOT NULL,
		attempts        INTEGER NOT NULL,
		successes       INTEGER NOT NULL,
		success_rate    REAL    NOT NULL,
		direct_rate     REAL    NOT NULL,
		connect_time_ns INTEGER NOT NULL,
		updated_ns      INTEGER NOT NULL,
		PRIMARY KEY (local, remote, mode)
	) WITHOUT ROWID`,
}

// SQLiteStats is a StatsStore backed by a local database so history
// survives restarts.
type SQLiteStats struct {
	pool  *sqlitepool.Pool
	alpha float64
	clock clock.Clock
}

// OpenSQLiteStats opens or creates the database at path.
func OpenSQLiteStats(ctx context.Context, path string, alpha float64, clk clock.Clock, logger *slog.Logger) (*SQLiteStats, error) {
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       path,
		PoolSize:   2,
		Migrations: statsMigrations,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("strategy stats: %w", err)
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &SQLiteStats{pool: pool, alpha: alpha, clock: clk}, nil
}

// Close releases the database.
func (s *SQLiteStats) Close() error {
	return s.pool.Close()
}

// Record reads, folds and writes the row inside one IMMEDIATE
// transaction, so concurrent writers serialize on the database lock.
func (s *SQLiteStats) Record(ctx context.Context, outcome Outcome) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("strategy stats: record: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("strategy stats: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	history, err := s.lookup(conn, outcome.Pair, outcome.Mode)
	if err != nil {
		return err
	}
	history = history.apply(outcome, s.alpha, s.clock.Now())

	const query = `INSERT INTO pair_history
		(local, remote, mode, attempts, successes, success_rate, direct_rate, connect_time_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (local, remote, mode) DO UPDATE SET
			attempts = excluded.attempts,
			successes = excluded.successes,
			success_rate = excluded.success_rate,
			direct_rate = excluded.direct_rate,
			connect_time_ns = excluded.connect_time_ns,
			updated_ns = excluded.updated_ns`
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{
			outcome.Pair.Local.String(),
			outcome.Pair.Remote.String(),
			outcome.Mode.String(),
			history.Attempts,
			history.Successes,
			history.SuccessRate,
			history.DirectRate,
			int64(history.ConnectTime),
			history.Updated.UnixNano(),
		},
	})
	if err != nil {
		return fmt.Errorf("strategy stats: writing %s %s: %w", outcome.Pair, outcome.Mode, err)
	}
	return nil
}

func (s *SQLiteStats) Lookup(ctx context.Context, pair Pair, mode Mode) (History, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return History{}, fmt.Errorf("strategy stats: lookup: %w", err)
	}
	defer s.pool.Put(conn)
	return s.lookup(conn, pair, mode)
}

func (s *SQLiteStats) lookup(conn *sqlite.Conn, pair Pair, mode Mode) (History, error) {
	const query = `SELECT attempts, successes, success_rate, direct_rate, connect_time_ns, updated_ns
		FROM pair_history WHERE local = ? AND remote = ? AND mode = ?`
	var history History
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{pair.Local.String(), pair.Remote.String(), mode.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			history = scanHistory(stmt, 0)
			return nil
		},
	})
	if err != nil {
		return History{}, fmt.Errorf("strategy stats: reading %s %s: %w", pair, mode, err)
	}
	return history, nil
}

func (s *SQLiteStats) Entries(ctx context.Context) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("strategy stats: entries: %w", err)
	}
	defer s.pool.Put(conn)

	const query = `SELECT local, remote, mode,
		attempts, successes, success_rate, direct_rate, connect_time_ns, updated_ns
		FROM pair_history`
	var entries []Entry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			local, err := nat.ParseClassification(stmt.ColumnText(0))
			if err != nil {
				return err
			}
			remote, err := nat.ParseClassification(stmt.ColumnText(1))
			if err != nil {
				return err
			}
			mode, err := ParseMode(stmt.ColumnText(2))
			if err != nil {
				return err
			}
			entries = append(entries, Entry{
				Pair:    Pair{Local: local, Remote: remote},
				Mode:    mode,
				History: scanHistory(stmt, 3),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("strategy stats: listing: %w", err)
	}
	sortEntries(entries)
	return entries, nil
}

// Columns from first: attempts, successes, success_rate, direct_rate,
// connect_time_ns, updated_ns.
func scanHistory(stmt *sqlite.Stmt, first int) History {
	return History{
		Attempts:    stmt.ColumnInt64(first),
		Successes:   stmt.ColumnInt64(first + 1),
		SuccessRate: stmt.ColumnFloat(first + 2),
		DirectRate:  stmt.ColumnFloat(first + 3),
		ConnectTime: time.Duration(stmt.ColumnInt64(first + 4)),
		Updated:     time.Unix(0, stmt.ColumnInt64(first+5)),
	}
}
