package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/catboxer/qart/pkg/canonicalize"
	"github.com/catboxer/qart/pkg/store"
)

// BundleVersion is stamped into every exported bundle.
const BundleVersion = "1"

// ErrEmptyBundle is returned when a block has nothing to export.
var ErrEmptyBundle = errors.New("archive: no audit records for block")

// Bundle is the audit trail of one block: every served derivation and
// every reveal of the block's commitment.
type Bundle struct {
	Version     string                    `json:"version"`
	SessionID   string                    `json:"session_id"`
	BlockID     string                    `json:"block_id"`
	ExportedAt  time.Time                 `json:"exported_at"`
	CommitHash  string                    `json:"commit_hash,omitempty"`
	Derivations []*store.DerivationRecord `json:"derivations"`
	Reveals     []*store.RevealRecord     `json:"reveals"`
}

// Collect gathers the audit records of one block from st.
func Collect(ctx context.Context, st store.AuditStore, sessionID, blockID string, now time.Time) (*Bundle, error) {
	derivations, err := st.ListDerivations(ctx, sessionID, blockID)
	if err != nil {
		return nil, fmt.Errorf("list derivations: %w", err)
	}
	reveals, err := st.ListReveals(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list reveals: %w", err)
	}

	b := &Bundle{
		Version:     BundleVersion,
		SessionID:   sessionID,
		BlockID:     blockID,
		ExportedAt:  now.UTC(),
		Derivations: make([]*store.DerivationRecord, 0, len(derivations)),
		Reveals:     make([]*store.RevealRecord, 0),
	}
	b.Derivations = append(b.Derivations, derivations...)
	for _, r := range reveals {
		if r.BlockID == blockID {
			b.Reveals = append(b.Reveals, r)
		}
	}
	if len(b.Derivations) == 0 && len(b.Reveals) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrEmptyBundle, sessionID, blockID)
	}

	switch {
	case len(b.Derivations) > 0:
		b.CommitHash = b.Derivations[0].CommitHash
	case len(b.Reveals) > 0:
		b.CommitHash = b.Reveals[0].CommitHash
	}
	return b, nil
}

// Encode returns the canonical bytes of b. Its address is their SHA-256.
func (b *Bundle) Encode() ([]byte, error) {
	return canonicalize.JCS(b)
}

// Export collects a block's bundle and puts it into dst.
func Export(ctx context.Context, st store.AuditStore, dst Store, sessionID, blockID string, now time.Time) (string, *Bundle, error) {
	b, err := Collect(ctx, st, sessionID, blockID, now)
	if err != nil {
		return "", nil, err
	}
	data, err := b.Encode()
	if err != nil {
		return "", nil, err
	}
	hash, err := dst.Put(ctx, data)
	if err != nil {
		return "", nil, err
	}
	return hash, b, nil
}

// Load fetches a bundle and checks that its content matches its address.
func Load(ctx context.Context, src Store, hash string) (*Bundle, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	data, err := src.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if got := digest(data); got != raw {
		return nil, fmt.Errorf("archive: content hash mismatch for %s: got sha256:%s", hash, got)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("archive: decode bundle: %w", err)
	}
	return &b, nil
}

func digest(data []byte) string {
	return canonicalize.HashBytes(data)
}
