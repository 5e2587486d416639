// Package verifier re-checks recorded trials offline.
//
// Given the master secret out-of-band and a file of trial records, it
// authenticates each commit token, recomputes K and the derived values, and
// compares them with what was recorded. It needs no server, store or network.
package verifier

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/catboxer/qart/pkg/commit"
)

const VerifierVersion = "1.0.0"

const schemaURL = "https://qart.dev/schemas/trial-records.json"

//go:embed trials.schema.json
var trialsSchema string

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(trialsSchema)); err != nil {
		return nil, fmt.Errorf("add trial schema: %w", err)
	}
	return c.Compile(schemaURL)
})

// TrialRecord is one completed trial as exported for audit.
type TrialRecord struct {
	SessionID     string   `json:"session_id"`
	BlockID       string   `json:"block_id"`
	TrialIndex    int      `json:"trial_index"`
	CommitToken   string   `json:"commit_token"`
	SelectedIndex int      `json:"selected_index"`
	Options       []string `json:"options"`
	RawByte       int      `json:"raw_byte"`
	GhostRawByte  int      `json:"ghost_raw_byte"`
	TimingBucket  int64    `json:"timing_bucket"`
	R             int      `json:"r"`
	ProofHMAC     string   `json:"proof_hmac"`
	TargetIndex   int      `json:"target_index_0based"`
	GhostIndex    int      `json:"ghost_index_0based"`
	CommitHash    string   `json:"commit_hash,omitempty"`
}

func (t TrialRecord) label() string {
	return fmt.Sprintf("trial %s/%s#%d", t.SessionID, t.BlockID, t.TrialIndex)
}

func (t TrialRecord) context() commit.TrialContext {
	return commit.TrialContext{
		SessionID:     t.SessionID,
		BlockID:       t.BlockID,
		TrialIndex:    t.TrialIndex,
		TimingBucket:  t.TimingBucket,
		SelectedIndex: t.SelectedIndex,
		Options:       t.Options,
		RawByte:       byte(t.RawByte),
	}
}

// VerifyReport is the structured result of an offline verification run.
type VerifyReport struct {
	Records     string        `json:"records"`
	Verified    bool          `json:"verified"`
	Timestamp   time.Time     `json:"timestamp"`
	Trials      int           `json:"trials"`
	Checks      []CheckResult `json:"checks"`
	Summary     string        `json:"summary"`
	IssueCount  int           `json:"issue_count"`
	VerifierVer string        `json:"verifier_version"`
}

// CheckResult represents a single verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ErrNoSecret is returned when verification is attempted without the
// master secret.
var ErrNoSecret = errors.New("verifier: master secret is required")

// VerifyFile verifies the trial records stored at path.
func VerifyFile(secret []byte, path string) (*VerifyReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return Verify(secret, path, data)
}

// Verify checks a JSON array of trial records. An error means verification
// could not run; failed checks are reported in the VerifyReport.
func Verify(secret []byte, source string, data []byte) (*VerifyReport, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse records: %w", err)
	}

	report := &VerifyReport{
		Records:     source,
		Verified:    true,
		Timestamp:   time.Now().UTC(),
		Checks:      make([]CheckResult, 0),
		VerifierVer: VerifierVersion,
	}

	if err := schema.Validate(doc); err != nil {
		report.addCheck(CheckResult{Name: "schema", Reason: err.Error()})
		report.finish()
		return report, nil
	}
	report.addCheck(CheckResult{Name: "schema", Pass: true})

	var records []TrialRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	report.Trials = len(records)

	report.addCheck(checkUnique(records))
	for _, rec := range records {
		report.addCheck(checkTrial(secret, rec))
	}
	report.finish()
	return report, nil
}

func (r *VerifyReport) addCheck(c CheckResult) {
	r.Checks = append(r.Checks, c)
}

func (r *VerifyReport) finish() {
	failed := 0
	for _, c := range r.Checks {
		if !c.Pass {
			failed++
		}
	}
	r.IssueCount = failed
	if failed > 0 {
		r.Verified = false
		r.Summary = fmt.Sprintf("FAIL: %d/%d checks failed", failed, len(r.Checks))
	} else {
		r.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(r.Checks), len(r.Checks))
	}
}

// checkUnique flags trials recorded more than once for the same position.
func checkUnique(records []TrialRecord) CheckResult {
	seen := make(map[string]int, len(records))
	var dups []string
	for _, rec := range records {
		k := rec.label()
		seen[k]++
		if seen[k] == 2 {
			dups = append(dups, k)
		}
	}
	if len(dups) > 0 {
		return CheckResult{Name: "unique_trials", Reason: "duplicate records: " + strings.Join(dups, ", ")}
	}
	return CheckResult{Name: "unique_trials", Pass: true, Detail: fmt.Sprintf("%d distinct trials", len(records))}
}

// checkTrial recomputes one trial from its token. Every mismatch found is
// listed in the reason.
func checkTrial(secret []byte, rec TrialRecord) CheckResult {
	res := CheckResult{Name: rec.label()}

	claims, err := commit.OpenForAudit(secret, rec.CommitToken)
	if err != nil {
		if reason := commit.ReasonOf(err); reason != "" {
			res.Reason = "token: " + string(reason)
		} else {
			res.Reason = "token: " + err.Error()
		}
		return res
	}
	if claims.SessionID != rec.SessionID || claims.BlockID != rec.BlockID {
		res.Reason = fmt.Sprintf("token: %s (issued for %s/%s)", commit.ReasonClaimsMismatch, claims.SessionID, claims.BlockID)
		return res
	}

	key := claims.Key(secret)
	defer clear(key)

	tc := rec.context()
	out, err := commit.ComputeOutcome(key, tc)
	if err != nil {
		res.Reason = err.Error()
		return res
	}

	var problems []string
	if out.R != rec.R {
		problems = append(problems, fmt.Sprintf("r recorded %d, derived %d", rec.R, out.R))
	}
	if ok, _ := commit.VerifyProof(key, tc, rec.R, rec.ProofHMAC); !ok {
		problems = append(problems, "proof_hmac does not match")
	}
	if want := commit.TargetIndex(byte(rec.RawByte), out.R); want != rec.TargetIndex {
		problems = append(problems, fmt.Sprintf("target_index recorded %d, derived %d", rec.TargetIndex, want))
	}
	if want := commit.TargetIndex(byte(rec.GhostRawByte), out.R); want != rec.GhostIndex {
		problems = append(problems, fmt.Sprintf("ghost_index recorded %d, derived %d", rec.GhostIndex, want))
	}
	if rec.CommitHash != "" && rec.CommitHash != out.CommitHash {
		problems = append(problems, "commit_hash does not match revealed key")
	}

	if len(problems) > 0 {
		res.Reason = strings.Join(problems, "; ")
		return res
	}
	res.Pass = true
	res.Detail = fmt.Sprintf("r=%d target=%d ghost=%d", out.R, rec.TargetIndex, rec.GhostIndex)
	return res
}
