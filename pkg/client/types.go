package client

import "time"

// Problem is the RFC 7807 error document returned by the server.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

type CommitRequest struct {
	SessionID string `json:"session_id"`
	BlockID   string `json:"block_id"`
}

type Commitment struct {
	CommitToken string    `json:"commit_token"`
	CommitHash  string    `json:"commit_hash"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type DeriveRequest struct {
	SessionID     string   `json:"session_id"`
	BlockID       string   `json:"block_id"`
	TrialIndex    int      `json:"trial_index"`
	CommitToken   string   `json:"commit_token"`
	SelectedIndex int      `json:"selected_index"`
	Options       []string `json:"options"`
	RawByte       int      `json:"raw_byte"`
	TimingBucket  int64    `json:"timing_bucket"`
}

type Derivation struct {
	R          int       `json:"r"`
	ProofHMAC  string    `json:"proof_hmac"`
	ServerTime time.Time `json:"server_time"`
}

type RevealRequest struct {
	SessionID   string `json:"session_id"`
	BlockID     string `json:"block_id"`
	CommitToken string `json:"commit_token"`
}

type Revelation struct {
	KHex       string `json:"k_hex"`
	CommitHash string `json:"commit_hash"`
}

type BatchRequest struct {
	BlockID     string `json:"block_id"`
	TotalTrials int    `json:"total_trials"`
}

type Envelope struct {
	TrialIndex   int `json:"trial_index"`
	RawByte      int `json:"raw_byte"`
	GhostRawByte int `json:"ghost_raw_byte"`
}

type Batch struct {
	Success   bool       `json:"success"`
	Fallback  bool       `json:"fallback"`
	BatchID   string     `json:"batch_id"`
	Source    string     `json:"source"`
	Envelopes []Envelope `json:"envelopes"`
}

// ProviderStatus is the circuit state of one randomness provider.
type ProviderStatus struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenUntil    time.Time `json:"open_until,omitempty"`
}
