// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/tallow/lib/clock"
	"github.com/bureau-foundation/tallow/lib/codec"
	"github.com/bureau-foundation/tallow/lib/sqlitepool"
)

var snapshotMigrations = []string{
	`CREATE TABLE snapshots (
		file_id       TEXT    NOT NULL PRIMARY KEY,
		chunk_size    INTEGER NOT NULL,
		ack_watermark INTEGER NOT NULL,
		ack_set       BLOB    NOT NULL,
		updated_ns    INTEGER NOT NULL
	) WITHOUT ROWID`,
}

// SQLiteSnapshots keeps snapshots in a local database so transfers can
// resume after the process restarts. The ack set is stored as CBOR.
type SQLiteSnapshots struct {
	pool  *sqlitepool.Pool
	clock clock.Clock
}

var _ SnapshotStore = (*SQLiteSnapshots)(nil)

// OpenSQLiteSnapshots opens or creates the database at path.
func OpenSQLiteSnapshots(ctx context.Context, path string, clk clock.Clock, logger *slog.Logger) (*SQLiteSnapshots, error) {
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       path,
		PoolSize:   2,
		Migrations: snapshotMigrations,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("transfer snapshots: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &SQLiteSnapshots{pool: pool, clock: clk}, nil
}

// Close releases the database.
func (s *SQLiteSnapshots) Close() error {
	return s.pool.Close()
}

func (s *SQLiteSnapshots) Save(ctx context.Context, snapshot Snapshot) error {
	ackSet, err := codec.Marshal(snapshot.AckSet)
	if err != nil {
		return fmt.Errorf("transfer snapshots: encoding ack set: %w", err)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("transfer snapshots: save: %w", err)
	}
	defer s.pool.Put(conn)

	const query = `INSERT INTO snapshots (file_id, chunk_size, ack_watermark, ack_set, updated_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (file_id) DO UPDATE SET
			chunk_size = excluded.chunk_size,
			ack_watermark = excluded.ack_watermark,
			ack_set = excluded.ack_set,
			updated_ns = excluded.updated_ns`
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{
			snapshot.FileID,
			snapshot.ChunkSize,
			snapshot.AckWatermark,
			ackSet,
			s.clock.Now().UnixNano(),
		},
	})
	if err != nil {
		return fmt.Errorf("transfer snapshots: writing %s: %w", snapshot.FileID, err)
	}
	return nil
}

func (s *SQLiteSnapshots) Load(ctx context.Context, fileID string) (Snapshot, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("transfer snapshots: load: %w", err)
	}
	defer s.pool.Put(conn)

	const query = `SELECT chunk_size, ack_watermark, ack_set FROM snapshots WHERE file_id = ?`
	var (
		snapshot Snapshot
		found    bool
	)
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{fileID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			snapshot.FileID = fileID
			snapshot.ChunkSize = int(stmt.ColumnInt64(0))
			snapshot.AckWatermark = stmt.ColumnInt64(1)
			ackSet := make([]byte, stmt.ColumnLen(2))
			stmt.ColumnBytes(2, ackSet)
			return codec.Unmarshal(ackSet, &snapshot.AckSet)
		},
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("transfer snapshots: reading %s: %w", fileID, err)
	}
	return snapshot, found, nil
}

func (s *SQLiteSnapshots) Delete(ctx context.Context, fileID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("transfer snapshots: delete: %w", err)
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn, `DELETE FROM snapshots WHERE file_id = ?`, &sqlitex.ExecOptions{
		Args: []any{fileID},
	})
	if err != nil {
		return fmt.Errorf("transfer snapshots: deleting %s: %w", fileID, err)
	}
	return nil
}
