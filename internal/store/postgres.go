package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists the relay's document state: the append-only op log,
// periodic snapshots, and the one-time initialization claims.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// AppendOp appends an encoded op to a document's log and returns its
// sequence number.
func (s *PostgresStore) AppendOp(ctx context.Context, docID string, op []byte) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO doc_ops (doc_id, op)
		VALUES ($1, $2)
		RETURNING id
	`, docID, op).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append op: %w", err)
	}
	return seq, nil
}

// OpsSince returns the ops logged after the given sequence, in order.
func (s *PostgresStore) OpsSince(ctx context.Context, docID string, after int64) ([]OpRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op FROM doc_ops
		WHERE doc_id = $1 AND id > $2
		ORDER BY id
	`, docID, after)
	if err != nil {
		return nil, fmt.Errorf("list ops: %w", err)
	}
	defer rows.Close()

	var out []OpRecord
	for rows.Next() {
		var rec OpRecord
		if err := rows.Scan(&rec.Seq, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ops: %w", err)
	}
	return out, nil
}

// Snapshot returns the latest compacted state for a document, or nil data
// when no snapshot exists yet.
func (s *PostgresStore) Snapshot(ctx context.Context, docID string) ([]byte, int64, error) {
	var data []byte
	var upTo int64
	err := s.db.QueryRowContext(ctx, `
		SELECT data, up_to FROM doc_snapshots WHERE doc_id = $1
	`, docID).Scan(&data, &upTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load snapshot: %w", err)
	}
	return data, upTo, nil
}

// SaveSnapshot upserts a document's compacted state.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, docID string, upTo int64, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO doc_snapshots (doc_id, up_to, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (doc_id) DO UPDATE SET up_to = EXCLUDED.up_to, data = EXCLUDED.data, updated_at = NOW()
	`, docID, upTo, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// ClaimInit records the one-time initialization claim for a document. The
// insert succeeds for exactly one caller ever; everyone else gets false.
func (s *PostgresStore) ClaimInit(ctx context.Context, docID, peer string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO doc_init (doc_id, claimed_by)
		VALUES ($1, $2)
		ON CONFLICT (doc_id) DO NOTHING
	`, docID, peer)
	if err != nil {
		return false, fmt.Errorf("claim init: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim init result: %w", err)
	}
	return n == 1, nil
}

// Ping checks database connectivity for the readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
