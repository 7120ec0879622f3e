// Package persistence stores emitted records and delivers them durably
package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"exit_tracker/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

// ErrRecordConflict means a different record was already stored under the same key
var ErrRecordConflict = errors.New("record conflicts with stored record")

const schema = `
CREATE TABLE IF NOT EXISTS records (
	record_key  TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	leg_index   INTEGER NOT NULL,
	data        TEXT NOT NULL,
	checksum    BLOB NOT NULL,
	stored_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_position ON records(position_id);
`

// SQLiteStore keeps records in a single table keyed by Record.Key()
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveRecord stores rec once. Saving the same record again is a no-op; saving
// a different record under an existing key returns ErrRecordConflict.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec core.Record) error {
	data, checksum, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	key := rec.Key()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO records (record_key, position_id, kind, leg_index, data, checksum, stored_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, rec.PositionID(), string(rec.Kind), legIndexOf(rec), string(data), checksum[:], time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write record %s: %w", key, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		var stored []byte
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM records WHERE record_key = ?`, key).Scan(&stored); err != nil {
			return fmt.Errorf("failed to read existing record %s: %w", key, err)
		}
		if !bytes.Equal(stored, checksum[:]) {
			return fmt.Errorf("%w: %s", ErrRecordConflict, key)
		}
	}

	return tx.Commit()
}

// LoadRecords returns a position's records, legs in index order then the settlement
func (s *SQLiteStore) LoadRecords(ctx context.Context, positionID string) ([]core.Record, error) {
	return s.query(ctx,
		`SELECT record_key, data, checksum FROM records WHERE position_id = ? ORDER BY CASE kind WHEN ? THEN 1 ELSE 0 END, leg_index`,
		positionID, string(core.RecordPositionSettled))
}

// AllRecords returns every stored record grouped by position id
func (s *SQLiteStore) AllRecords(ctx context.Context) ([]core.Record, error) {
	return s.query(ctx,
		`SELECT record_key, data, checksum FROM records ORDER BY position_id, CASE kind WHEN ? THEN 1 ELSE 0 END, leg_index`,
		string(core.RecordPositionSettled))
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...interface{}) ([]core.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		var key, data string
		var stored []byte
		if err := rows.Scan(&key, &data, &stored); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec, err := decodeRecord(key, []byte(data), stored)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping reports whether the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
