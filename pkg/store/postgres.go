package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresAuditStore is the durable store used when DATABASE_URL is set.
type PostgresAuditStore struct {
	db *sql.DB
}

func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS derivations (
		session_id TEXT NOT NULL,
		block_id TEXT NOT NULL,
		trial_index INTEGER NOT NULL,
		commit_hash TEXT NOT NULL,
		r SMALLINT NOT NULL,
		proof_hmac TEXT NOT NULL,
		selected_index SMALLINT NOT NULL,
		raw_byte SMALLINT NOT NULL,
		timing_bucket BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, block_id, trial_index, proof_hmac)
	)`,
	`CREATE TABLE IF NOT EXISTS batches (
		batch_id TEXT PRIMARY KEY,
		block_id TEXT NOT NULL,
		total_trials INTEGER NOT NULL,
		source TEXT NOT NULL,
		fallback BOOLEAN NOT NULL DEFAULT FALSE,
		failures JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reveals (
		session_id TEXT NOT NULL,
		block_id TEXT NOT NULL,
		commit_hash TEXT NOT NULL,
		revealed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS reveals_session ON reveals (session_id)`,
}

// Init creates the tables if they do not exist.
func (s *PostgresAuditStore) Init(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres audit store: migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresAuditStore) RecordDerivation(ctx context.Context, r *DerivationRecord) error {
	query := `INSERT INTO derivations (
		session_id, block_id, trial_index, commit_hash, r, proof_hmac, selected_index, raw_byte, timing_bucket, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (session_id, block_id, trial_index, proof_hmac) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		r.SessionID, r.BlockID, r.TrialIndex, r.CommitHash, r.R, r.ProofHMAC, r.SelectedIndex, r.RawByte, r.TimingBucket,
		stamp(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert derivation: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) RecordBatch(ctx context.Context, r *BatchRecord) error {
	query := `INSERT INTO batches (
		batch_id, block_id, total_trials, source, fallback, failures, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		r.BatchID, r.BlockID, r.TotalTrials, r.Source, r.Fallback, failuresJSON(r.Failures), stamp(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) RecordReveal(ctx context.Context, r *RevealRecord) error {
	query := `INSERT INTO reveals (session_id, block_id, commit_hash, revealed_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, r.SessionID, r.BlockID, r.CommitHash, stamp(r.RevealedAt)); err != nil {
		return fmt.Errorf("failed to insert reveal: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) ListDerivations(ctx context.Context, sessionID, blockID string) ([]*DerivationRecord, error) {
	query := `
		SELECT session_id, block_id, trial_index, commit_hash, r, proof_hmac, selected_index, raw_byte, timing_bucket, created_at
		FROM derivations
		WHERE session_id = $1 AND block_id = $2
		ORDER BY trial_index, created_at
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, blockID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*DerivationRecord
	for rows.Next() {
		var r DerivationRecord
		if err := rows.Scan(&r.SessionID, &r.BlockID, &r.TrialIndex, &r.CommitHash, &r.R, &r.ProofHMAC,
			&r.SelectedIndex, &r.RawByte, &r.TimingBucket, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresAuditStore) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	query := `
		SELECT batch_id, block_id, total_trials, source, fallback, failures, created_at
		FROM batches
		WHERE batch_id = $1
	`
	var (
		r        BatchRecord
		failures []byte
	)
	err := s.db.QueryRowContext(ctx, query, batchID).Scan(
		&r.BatchID, &r.BlockID, &r.TotalTrials, &r.Source, &r.Fallback, &failures, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(failures) > 0 {
		r.Failures = json.RawMessage(failures)
	}
	return &r, nil
}

func (s *PostgresAuditStore) ListReveals(ctx context.Context, sessionID string) ([]*RevealRecord, error) {
	query := `
		SELECT session_id, block_id, commit_hash, revealed_at
		FROM reveals
		WHERE session_id = $1
		ORDER BY revealed_at
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*RevealRecord
	for rows.Next() {
		var r RevealRecord
		if err := rows.Scan(&r.SessionID, &r.BlockID, &r.CommitHash, &r.RevealedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
