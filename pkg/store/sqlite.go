package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteAuditStore is the lite-mode store backed by modernc.org/sqlite.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore wraps db and creates the tables if needed.
func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	s := &SQLiteAuditStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("sqlite audit store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteAuditStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS derivations (
		session_id TEXT NOT NULL,
		block_id TEXT NOT NULL,
		trial_index INTEGER NOT NULL,
		commit_hash TEXT NOT NULL,
		r INTEGER NOT NULL,
		proof_hmac TEXT NOT NULL,
		selected_index INTEGER NOT NULL,
		raw_byte INTEGER NOT NULL,
		timing_bucket INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, block_id, trial_index, proof_hmac)
	);
	CREATE TABLE IF NOT EXISTS batches (
		batch_id TEXT PRIMARY KEY,
		block_id TEXT NOT NULL,
		total_trials INTEGER NOT NULL,
		source TEXT NOT NULL,
		fallback BOOLEAN NOT NULL DEFAULT 0,
		failures JSON,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS reveals (
		session_id TEXT NOT NULL,
		block_id TEXT NOT NULL,
		commit_hash TEXT NOT NULL,
		revealed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS reveals_session ON reveals (session_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteAuditStore) RecordDerivation(ctx context.Context, r *DerivationRecord) error {
	query := `INSERT INTO derivations (
		session_id, block_id, trial_index, commit_hash, r, proof_hmac, selected_index, raw_byte, timing_bucket, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (session_id, block_id, trial_index, proof_hmac) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		r.SessionID, r.BlockID, r.TrialIndex, r.CommitHash, r.R, r.ProofHMAC, r.SelectedIndex, r.RawByte, r.TimingBucket,
		stamp(r.CreatedAt).Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert derivation: %w", err)
	}
	return nil
}

func (s *SQLiteAuditStore) RecordBatch(ctx context.Context, r *BatchRecord) error {
	query := `INSERT INTO batches (
		batch_id, block_id, total_trials, source, fallback, failures, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		r.BatchID, r.BlockID, r.TotalTrials, r.Source, r.Fallback, failuresJSON(r.Failures),
		stamp(r.CreatedAt).Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func (s *SQLiteAuditStore) RecordReveal(ctx context.Context, r *RevealRecord) error {
	query := `INSERT INTO reveals (session_id, block_id, commit_hash, revealed_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, r.SessionID, r.BlockID, r.CommitHash, stamp(r.RevealedAt).Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert reveal: %w", err)
	}
	return nil
}

func (s *SQLiteAuditStore) ListDerivations(ctx context.Context, sessionID, blockID string) ([]*DerivationRecord, error) {
	query := `
		SELECT session_id, block_id, trial_index, commit_hash, r, proof_hmac, selected_index, raw_byte, timing_bucket, created_at
		FROM derivations
		WHERE session_id = ? AND block_id = ?
		ORDER BY trial_index, created_at
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, blockID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*DerivationRecord
	for rows.Next() {
		var (
			r       DerivationRecord
			created string
		)
		if err := rows.Scan(&r.SessionID, &r.BlockID, &r.TrialIndex, &r.CommitHash, &r.R, &r.ProofHMAC,
			&r.SelectedIndex, &r.RawByte, &r.TimingBucket, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteAuditStore) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	query := `
		SELECT batch_id, block_id, total_trials, source, fallback, failures, created_at
		FROM batches
		WHERE batch_id = ?
	`
	var (
		r        BatchRecord
		failures sql.NullString
		created  string
	)
	err := s.db.QueryRowContext(ctx, query, batchID).Scan(
		&r.BatchID, &r.BlockID, &r.TotalTrials, &r.Source, &r.Fallback, &failures, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if failures.Valid && failures.String != "" {
		r.Failures = json.RawMessage(failures.String)
	}
	r.CreatedAt = parseTime(created)
	return &r, nil
}

func (s *SQLiteAuditStore) ListReveals(ctx context.Context, sessionID string) ([]*RevealRecord, error) {
	query := `
		SELECT session_id, block_id, commit_hash, revealed_at
		FROM reveals
		WHERE session_id = ?
		ORDER BY revealed_at
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*RevealRecord
	for rows.Next() {
		var (
			r        RevealRecord
			revealed string
		)
		if err := rows.Scan(&r.SessionID, &r.BlockID, &r.CommitHash, &revealed); err != nil {
			return nil, err
		}
		r.RevealedAt = parseTime(revealed)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
