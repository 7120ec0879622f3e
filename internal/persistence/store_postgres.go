package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"exit_tracker/internal/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS exit_records (
	record_key  TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	leg_index   INTEGER NOT NULL,
	data        JSONB NOT NULL,
	raw         BYTEA NOT NULL,
	checksum    BYTEA NOT NULL,
	stored_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exit_records_position ON exit_records(position_id);
`

// PostgresStore keeps records in Postgres with the same key and conflict rules as SQLiteStore
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the schema
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveRecord is idempotent per key; a differing record under an existing key returns ErrRecordConflict
func (s *PostgresStore) SaveRecord(ctx context.Context, rec core.Record) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("postgres.SaveRecord: %w", err)
		}
	}()

	data, checksum, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	key := rec.Key()

	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO exit_records (record_key, position_id, kind, leg_index, data, raw, checksum, stored_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (record_key) DO NOTHING`,
			key, rec.PositionID(), string(rec.Kind), legIndexOf(rec), string(data), data, checksum[:], time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to write record %s: %w", key, err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}

		var stored []byte
		if err := tx.QueryRow(ctx, `SELECT checksum FROM exit_records WHERE record_key = $1`, key).Scan(&stored); err != nil {
			return fmt.Errorf("failed to read existing record %s: %w", key, err)
		}
		if !bytes.Equal(stored, checksum[:]) {
			return fmt.Errorf("%w: %s", ErrRecordConflict, key)
		}
		return nil
	})
}

// LoadRecords returns a position's records, legs in index order then the settlement
func (s *PostgresStore) LoadRecords(ctx context.Context, positionID string) ([]core.Record, error) {
	return s.query(ctx,
		`SELECT record_key, raw, checksum FROM exit_records WHERE position_id = $1
		 ORDER BY CASE kind WHEN $2 THEN 1 ELSE 0 END, leg_index`,
		positionID, string(core.RecordPositionSettled))
}

// AllRecords returns every stored record grouped by position id
func (s *PostgresStore) AllRecords(ctx context.Context) ([]core.Record, error) {
	return s.query(ctx,
		`SELECT record_key, raw, checksum FROM exit_records
		 ORDER BY position_id, CASE kind WHEN $1 THEN 1 ELSE 0 END, leg_index`,
		string(core.RecordPositionSettled))
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]core.Record, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		var key string
		var raw, stored []byte
		if err := rows.Scan(&key, &raw, &stored); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec, err := decodeRecord(key, raw, stored)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, rbErr)
			}
			return
		}
		err = tx.Commit(ctx)
	}()

	return fn(tx)
}

// Ping reports whether the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
