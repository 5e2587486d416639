// Package envelope pre-draws a whole block of (subject, ghost) byte pairs in
// a single sourcing call.
package envelope

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/catboxer/qart/pkg/sourcing"
)

// DefaultMaxTrials bounds the size of one block.
const DefaultMaxTrials = 500

// FallbackSource names the local generator in blocks built without a provider.
const FallbackSource = "crypto/rand"

// Source supplies n random bytes and the name of whoever produced them.
// *sourcing.Sourcer satisfies it.
type Source interface {
	Acquire(ctx context.Context, n int) ([]byte, string, error)
}

// Envelope is the byte pair allocated to one trial.
type Envelope struct {
	TrialIndex   int  `json:"trial_index"`
	RawByte      byte `json:"raw_byte"`
	GhostRawByte byte `json:"ghost_raw_byte"`
}

// Block is the ordered set of envelopes for one block request.
type Block struct {
	BatchID   string     `json:"batch_id"`
	BlockID   string     `json:"block_id"`
	Source    string     `json:"source"`
	Fallback  bool       `json:"fallback"`
	Envelopes []Envelope `json:"envelopes"`
	// Failures holds the provider reasons when Fallback is set.
	Failures []sourcing.Failure `json:"-"`
}

// ShapeError reports a draw that returned fewer bytes than the block needs.
type ShapeError struct {
	Want int
	Got  int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("envelope: short draw: want %d bytes, got %d", e.Want, e.Got)
}

// ErrInvalidRequest wraps block id and trial count validation failures.
var ErrInvalidRequest = errors.New("invalid block request")

// Builder turns one sourcing call into a block of envelopes.
type Builder struct {
	source    Source
	maxTrials int
	logger    *slog.Logger
}

// NewBuilder returns a Builder over src. maxTrials <= 0 selects DefaultMaxTrials.
func NewBuilder(src Source, maxTrials int, logger *slog.Logger) *Builder {
	if maxTrials <= 0 {
		maxTrials = DefaultMaxTrials
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{source: src, maxTrials: maxTrials, logger: logger.With("component", "envelope")}
}

// MaxTrials returns the configured block size limit.
func (b *Builder) MaxTrials() int { return b.maxTrials }

func (b *Builder) check(blockID string, total int) error {
	if blockID == "" {
		return fmt.Errorf("%w: block_id is required", ErrInvalidRequest)
	}
	if total < 1 || total > b.maxTrials {
		return fmt.Errorf("%w: total_trials must be in [1, %d], got %d", ErrInvalidRequest, b.maxTrials, total)
	}
	return nil
}

// BuildBlock draws 2*total bytes in one call. The first half is the subject
// stream and the second half the ghost stream, so trial i gets bytes i and
// total+i. Either the whole block is returned or an error.
func (b *Builder) BuildBlock(ctx context.Context, blockID string, total int) (*Block, error) {
	if err := b.check(blockID, total); err != nil {
		return nil, err
	}

	data, source, err := b.source.Acquire(ctx, 2*total)
	if err != nil {
		return nil, err
	}
	block, err := split(blockID, source, data, total)
	if err != nil {
		b.logger.ErrorContext(ctx, "block rejected", "block_id", blockID, "error", err)
		return nil, err
	}
	b.logger.InfoContext(ctx, "block built",
		"block_id", blockID,
		"batch_id", block.BatchID,
		"source", source,
		"trials", total,
	)
	return block, nil
}

// BuildBlockWithFallback behaves like BuildBlock but, when every provider
// is unavailable, draws the block from the operating system CSPRNG instead
// and marks it Fallback. Callers opt in explicitly; the flag must be passed
// on to whoever consumes the block.
func (b *Builder) BuildBlockWithFallback(ctx context.Context, blockID string, total int) (*Block, error) {
	block, err := b.BuildBlock(ctx, blockID, total)
	if err == nil || !errors.Is(err, sourcing.ErrUnavailable) {
		return block, err
	}

	data := make([]byte, 2*total)
	if _, rerr := rand.Read(data); rerr != nil {
		return nil, fmt.Errorf("envelope: fallback draw: %w", rerr)
	}
	block, serr := split(blockID, FallbackSource, data, total)
	if serr != nil {
		return nil, serr
	}
	block.Fallback = true
	var exhausted *sourcing.ExhaustedError
	if errors.As(err, &exhausted) {
		block.Failures = exhausted.Failures
	}
	b.logger.WarnContext(ctx, "block built from local fallback",
		"block_id", blockID,
		"batch_id", block.BatchID,
		"trials", total,
		"cause", err,
	)
	return block, nil
}

func split(blockID, source string, data []byte, total int) (*Block, error) {
	if len(data) < 2*total {
		return nil, &ShapeError{Want: 2 * total, Got: len(data)}
	}
	subject, ghost := data[:total], data[total:2*total]

	envs := make([]Envelope, total)
	for i := range envs {
		envs[i] = Envelope{TrialIndex: i, RawByte: subject[i], GhostRawByte: ghost[i]}
	}
	return &Block{
		BatchID:   uuid.NewString(),
		BlockID:   blockID,
		Source:    source,
		Envelopes: envs,
	}, nil
}
