package commit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/catboxer/qart/pkg/canonicalize"
)

// OptionCount is the size of the symbol menu; remap indices live in [0, OptionCount).
const OptionCount = 5

// ProofBytes is the truncated length of a proof tag.
const ProofBytes = 16

// MaxSafeInteger bounds integer context fields. The canonical form renders
// numbers as IEEE 754 doubles, so larger magnitudes would collide.
const MaxSafeInteger = 1<<53 - 1

// TrialContext holds every value that determines one trial's outcome.
type TrialContext struct {
	SessionID     string
	BlockID       string
	TrialIndex    int
	TimingBucket  int64
	SelectedIndex int
	Options       []string
	RawByte       byte
}

// canonicalTrial fixes the field names of the canonical form. Changing a tag
// changes every derived value.
type canonicalTrial struct {
	SessionID     string   `json:"session_id"`
	BlockID       string   `json:"block_id"`
	TrialIndex    int      `json:"trial_index"`
	TimingBucket  int64    `json:"timing_bucket"`
	SelectedIndex int      `json:"selected_index"`
	Options       []string `json:"options"`
	RawByte       int      `json:"raw_byte"`
}

// Validate checks the shape of the context.
func (tc TrialContext) Validate() error {
	switch {
	case tc.SessionID == "" || tc.BlockID == "":
		return fmt.Errorf("%w: session_id and block_id are required", ErrInvalidContext)
	case tc.TrialIndex < 0:
		return fmt.Errorf("%w: trial_index %d is negative", ErrInvalidContext, tc.TrialIndex)
	case int64(tc.TrialIndex) > MaxSafeInteger:
		return fmt.Errorf("%w: trial_index %d exceeds %d", ErrInvalidContext, tc.TrialIndex, int64(MaxSafeInteger))
	case tc.TimingBucket > MaxSafeInteger || tc.TimingBucket < -MaxSafeInteger:
		return fmt.Errorf("%w: timing_bucket %d outside ±%d", ErrInvalidContext, tc.TimingBucket, int64(MaxSafeInteger))
	case len(tc.Options) != OptionCount:
		return fmt.Errorf("%w: expected %d options, got %d", ErrInvalidContext, OptionCount, len(tc.Options))
	case tc.SelectedIndex < 0 || tc.SelectedIndex >= OptionCount:
		return fmt.Errorf("%w: selected_index %d out of range", ErrInvalidContext, tc.SelectedIndex)
	}
	return nil
}

// Canonical returns the RFC 8785 encoding of the context with all strings in
// NFC. Option order is significant.
func (tc TrialContext) Canonical() ([]byte, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	c := canonicalTrial{
		TrialIndex:    tc.TrialIndex,
		TimingBucket:  tc.TimingBucket,
		SelectedIndex: tc.SelectedIndex,
		Options:       make([]string, len(tc.Options)),
		RawByte:       int(tc.RawByte),
	}
	var err error
	if c.SessionID, err = canonicalize.NFC(tc.SessionID); err != nil {
		return nil, fmt.Errorf("%w: session_id: %v", ErrInvalidContext, err)
	}
	if c.BlockID, err = canonicalize.NFC(tc.BlockID); err != nil {
		return nil, fmt.Errorf("%w: block_id: %v", ErrInvalidContext, err)
	}
	for i, opt := range tc.Options {
		if c.Options[i], err = canonicalize.NFC(opt); err != nil {
			return nil, fmt.Errorf("%w: option %d: %v", ErrInvalidContext, i, err)
		}
	}
	return canonicalize.JCS(c)
}

// Outcome is the derived remap index and its proof tag. CommitHash is the
// public commitment the outcome was derived under.
type Outcome struct {
	R          int    `json:"r"`
	Proof      string `json:"proof_hmac"`
	CommitHash string `json:"commit_hash,omitempty"`
}

// ComputeOutcome derives (r, proof) from K and a trial context:
//
//	r     = HMAC(K, canonical)[0] mod 5
//	proof = hex(HMAC(K, canonical ‖ "r=" ‖ r)[:16])
//
// It is a pure function; independent verifiers call it with the revealed K.
func ComputeOutcome(key []byte, tc TrialContext) (Outcome, error) {
	canonical, err := tc.Canonical()
	if err != nil {
		return Outcome{}, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	r := int(mac.Sum(nil)[0]) % OptionCount

	return Outcome{R: r, Proof: proofTag(key, canonical, r), CommitHash: CommitHash(key)}, nil
}

// VerifyProof reports whether proof is the tag for (canonical context, r)
// under key. The comparison is constant time.
func VerifyProof(key []byte, tc TrialContext, r int, proof string) (bool, error) {
	canonical, err := tc.Canonical()
	if err != nil {
		return false, err
	}
	want := proofTag(key, canonical, r)
	return hmac.Equal([]byte(want), []byte(proof)), nil
}

func proofTag(key, canonical []byte, r int) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	mac.Write([]byte("r="))
	mac.Write([]byte(strconv.Itoa(r)))
	return hex.EncodeToString(mac.Sum(nil)[:ProofBytes])
}

// TargetIndex maps a raw provider byte onto the symbol menu through the remap
// index: (raw + r) mod 5. It is used for both the subject and ghost streams.
func TargetIndex(raw byte, r int) int {
	return (int(raw) + r) % OptionCount
}
