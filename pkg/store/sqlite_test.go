package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLite(t *testing.T) *SQLiteAuditStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteAuditStore(db)
	require.NoError(t, err)
	return s
}

func TestSQLiteDerivations(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 2; i >= 0; i-- {
		require.NoError(t, s.RecordDerivation(ctx, &DerivationRecord{
			SessionID: "S1", BlockID: "B1", TrialIndex: i,
			CommitHash: "abc", R: i % 5, ProofHMAC: "p", SelectedIndex: 1,
			RawByte: 200 + i, TimingBucket: int64(i) * 10, CreatedAt: created,
		}))
	}
	// Re-recording the same trial is a no-op.
	require.NoError(t, s.RecordDerivation(ctx, &DerivationRecord{
		SessionID: "S1", BlockID: "B1", TrialIndex: 1, CommitHash: "abc", R: 1, ProofHMAC: "p",
	}))
	require.NoError(t, s.RecordDerivation(ctx, &DerivationRecord{
		SessionID: "S1", BlockID: "B2", TrialIndex: 0, CommitHash: "def", ProofHMAC: "q",
	}))

	recs, err := s.ListDerivations(ctx, "S1", "B1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, i, r.TrialIndex)
		assert.Equal(t, 200+i, r.RawByte)
		assert.Equal(t, int64(i)*10, r.TimingBucket)
		assert.True(t, created.Equal(r.CreatedAt), "created_at %v", r.CreatedAt)
	}

	recs, err = s.ListDerivations(ctx, "S9", "B1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSQLiteBatches(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()

	failures := json.RawMessage(`[{"provider":"outshift","attempts":2,"reason":"timeout"}]`)
	require.NoError(t, s.RecordBatch(ctx, &BatchRecord{
		BatchID: "batch-1", BlockID: "B1", TotalTrials: 10, Source: "crypto/rand", Fallback: true, Failures: failures,
	}))
	require.NoError(t, s.RecordBatch(ctx, &BatchRecord{
		BatchID: "batch-2", BlockID: "B2", TotalTrials: 5, Source: "lfdr",
	}))
	assert.Error(t, s.RecordBatch(ctx, &BatchRecord{BatchID: "batch-2", BlockID: "B2", Source: "lfdr"}))

	b, err := s.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.True(t, b.Fallback)
	assert.Equal(t, 10, b.TotalTrials)
	assert.JSONEq(t, string(failures), string(b.Failures))
	assert.False(t, b.CreatedAt.IsZero())

	b, err = s.GetBatch(ctx, "batch-2")
	require.NoError(t, err)
	assert.False(t, b.Fallback)
	assert.JSONEq(t, `[]`, string(b.Failures))

	_, err = s.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteReveals(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordReveal(ctx, &RevealRecord{SessionID: "S1", BlockID: "B2", CommitHash: "h2", RevealedAt: t0.Add(time.Minute)}))
	require.NoError(t, s.RecordReveal(ctx, &RevealRecord{SessionID: "S1", BlockID: "B1", CommitHash: "h1", RevealedAt: t0}))
	// Reveal is idempotent at the protocol layer, so repeats are recorded.
	require.NoError(t, s.RecordReveal(ctx, &RevealRecord{SessionID: "S1", BlockID: "B1", CommitHash: "h1", RevealedAt: t0.Add(2 * time.Minute)}))
	require.NoError(t, s.RecordReveal(ctx, &RevealRecord{SessionID: "S2", BlockID: "B1", CommitHash: "h3", RevealedAt: t0}))

	recs, err := s.ListReveals(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "h1", recs[0].CommitHash)
	assert.Equal(t, "h2", recs[1].CommitHash)
	assert.Equal(t, "h1", recs[2].CommitHash)
}

func TestSQLiteMigrateIdempotent(t *testing.T) {
	s := setupSQLite(t)
	_, err := NewSQLiteAuditStore(s.db)
	assert.NoError(t, err)
}

func TestSQLiteConflictingDerivationsKept(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()
	first := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordDerivation(ctx, &DerivationRecord{
		SessionID: "S1", BlockID: "B1", TrialIndex: 0, CommitHash: "abc", R: 1, ProofHMAC: "p1",
		SelectedIndex: 1, CreatedAt: first,
	}))
	// Same trial derived again with another selection: a different proof.
	require.NoError(t, s.RecordDerivation(ctx, &DerivationRecord{
		SessionID: "S1", BlockID: "B1", TrialIndex: 0, CommitHash: "abc", R: 3, ProofHMAC: "p2",
		SelectedIndex: 4, CreatedAt: first.Add(time.Second),
	}))
	// Identical re-record stays a no-op.
	require.NoError(t, s.RecordDerivation(ctx, &DerivationRecord{
		SessionID: "S1", BlockID: "B1", TrialIndex: 0, CommitHash: "abc", R: 1, ProofHMAC: "p1",
		SelectedIndex: 1, CreatedAt: first,
	}))

	recs, err := s.ListDerivations(ctx, "S1", "B1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "p1", recs[0].ProofHMAC)
	assert.Equal(t, 1, recs[0].SelectedIndex)
	assert.Equal(t, "p2", recs[1].ProofHMAC)
	assert.Equal(t, 4, recs[1].SelectedIndex)
}
