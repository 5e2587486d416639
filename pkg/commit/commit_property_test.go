package commit_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/catboxer/qart/pkg/commit"
)

var propSecret = []byte("property-test-master-secret-0001")

func propTrio(t *testing.T) (*commit.Issuer, *commit.Deriver, *commit.Auditor) {
	t.Helper()
	now := func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	iss, err := commit.NewIssuer(propSecret, commit.WithClock(now))
	if err != nil {
		t.Fatal(err)
	}
	der, err := commit.NewDeriver(propSecret, commit.WithClock(now))
	if err != nil {
		t.Fatal(err)
	}
	aud, err := commit.NewAuditor(propSecret, commit.WithClock(now))
	if err != nil {
		t.Fatal(err)
	}
	return iss, der, aud
}

func propContext(sid, bid string, idx int, sel int, raw uint8) commit.TrialContext {
	return commit.TrialContext{
		SessionID:     sid,
		BlockID:       bid,
		TrialIndex:    idx,
		TimingBucket:  int64(idx) * 100,
		SelectedIndex: sel,
		Options:       []string{"o0", "o1", "o2", "o3", "o4"},
		RawByte:       raw,
	}
}

// Property: Derive(token, ctx) == Derive(token, ctx) for any valid ctx.
func TestDeriveDeterminismProperty(t *testing.T) {
	iss, der, _ := propTrio(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("derive is deterministic", prop.ForAll(
		func(sid, bid string, idx int, sel int, raw uint8) bool {
			c, err := iss.Issue(sid, bid)
			if err != nil {
				return false
			}
			tc := propContext(sid, bid, idx, sel, raw)
			a, err1 := der.Derive(c.Token, tc)
			b, err2 := der.Derive(c.Token, tc)
			return err1 == nil && err2 == nil && a == b && a.R >= 0 && a.R < commit.OptionCount
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.IntRange(0, 499),
		gen.IntRange(0, commit.OptionCount-1),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

// Property: a token issued for (sid, bid) is rejected for any other block.
func TestClaimsMismatchProperty(t *testing.T) {
	iss, der, aud := propTrio(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("foreign block is rejected", prop.ForAll(
		func(sid, bid, other string) bool {
			if bid == other {
				return true
			}
			c, err := iss.Issue(sid, bid)
			if err != nil {
				return false
			}
			_, derr := der.Derive(c.Token, propContext(sid, other, 0, 0, 0))
			_, rerr := aud.Reveal(c.Token, sid, other)
			return commit.ReasonOf(derr) == commit.ReasonClaimsMismatch &&
				commit.ReasonOf(rerr) == commit.ReasonClaimsMismatch
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// Property: SHA-256(Reveal(token).K) == Issue().CommitHash.
func TestRevealRoundTripProperty(t *testing.T) {
	iss, _, aud := propTrio(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("revealed key matches commitment", prop.ForAll(
		func(sid, bid string) bool {
			c, err := iss.Issue(sid, bid)
			if err != nil {
				return false
			}
			rev, err := aud.Reveal(c.Token, sid, bid)
			if err != nil {
				return false
			}
			sum := sha256.Sum256(rev.Key)
			return hex.EncodeToString(sum[:]) == c.CommitHash
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// Property: TargetIndex stays in range and is a bijection over r for fixed raw.
func TestTargetIndexProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("target index covers every option", prop.ForAll(
		func(raw uint8) bool {
			seen := make(map[int]bool)
			for r := 0; r < commit.OptionCount; r++ {
				idx := commit.TargetIndex(raw, r)
				if idx < 0 || idx >= commit.OptionCount {
					return false
				}
				seen[idx] = true
			}
			return len(seen) == commit.OptionCount
		},
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
