// Package store persists the audit trail of derivations, batches and
// reveals. Protocol correctness never depends on it: callers hand finished
// records off and only log write failures.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// DerivationRecord is one served derive call.
type DerivationRecord struct {
	SessionID     string    `json:"session_id"`
	BlockID       string    `json:"block_id"`
	TrialIndex    int       `json:"trial_index"`
	CommitHash    string    `json:"commit_hash"`
	R             int       `json:"r"`
	ProofHMAC     string    `json:"proof_hmac"`
	SelectedIndex int       `json:"selected_index"`
	RawByte       int       `json:"raw_byte"`
	TimingBucket  int64     `json:"timing_bucket"`
	CreatedAt     time.Time `json:"created_at"`
}

// BatchRecord is one built block. Failures holds the per-provider reasons
// as JSON when the block came from the local fallback.
type BatchRecord struct {
	BatchID     string          `json:"batch_id"`
	BlockID     string          `json:"block_id"`
	TotalTrials int             `json:"total_trials"`
	Source      string          `json:"source"`
	Fallback    bool            `json:"fallback"`
	Failures    json.RawMessage `json:"failures,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RevealRecord is one disclosed key, identified by its commitment.
type RevealRecord struct {
	SessionID  string    `json:"session_id"`
	BlockID    string    `json:"block_id"`
	CommitHash string    `json:"commit_hash"`
	RevealedAt time.Time `json:"revealed_at"`
}

// AuditStore defines persistence for the audit trail. Writes are
// append-only. Derivations are keyed by trial and proof tag: re-recording an
// identical derivation is a no-op, while a second, different derivation of
// the same trial is kept alongside the first so the trail shows it.
type AuditStore interface {
	RecordDerivation(ctx context.Context, r *DerivationRecord) error
	RecordBatch(ctx context.Context, r *BatchRecord) error
	RecordReveal(ctx context.Context, r *RevealRecord) error
	ListDerivations(ctx context.Context, sessionID, blockID string) ([]*DerivationRecord, error)
	GetBatch(ctx context.Context, batchID string) (*BatchRecord, error)
	ListReveals(ctx context.Context, sessionID string) ([]*RevealRecord, error)
}

func failuresJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "[]"
	}
	return string(raw)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
