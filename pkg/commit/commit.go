// Package commit implements the commit/derive/reveal protocol that binds
// trial outcomes to randomness before anyone can see them.
//
// An Issuer hands out a signed token and SHA-256(K) before a block starts.
// A Deriver turns the token plus a trial context into a remap index and
// proof tag. An Auditor later reveals K so the whole block can be
// re-verified offline. No state is kept between calls: everything is
// recomputed from the master secret and the token.
package commit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultTTL bounds how long a commit token is accepted.
	DefaultTTL = 2 * time.Hour
	// NonceBytes is the nonce size; at least 16 bytes are required.
	NonceBytes = 32
)

// Option configures the protocol components.
type Option func(*settings)

type settings struct {
	now    func() time.Time
	ttl    time.Duration
	rand   io.Reader
	logger *slog.Logger
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithTTL sets the commit token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRandom replaces the nonce source. Intended for tests.
func WithRandom(r io.Reader) Option {
	return func(s *settings) { s.rand = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func newSettings(opts []Option) settings {
	s := settings{
		now:    time.Now,
		ttl:    DefaultTTL,
		rand:   rand.Reader,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(&s)
	}
	s.logger = s.logger.With("component", "commit")
	return s
}

// keyring is the read-only master secret shared by all components.
type keyring struct {
	secret []byte
	settings
}

func newKeyring(secret []byte, opts []Option) (keyring, error) {
	if err := checkSecret(secret); err != nil {
		return keyring{}, err
	}
	k := keyring{secret: make([]byte, len(secret)), settings: newSettings(opts)}
	copy(k.secret, secret)
	return k, nil
}

// validate authenticates a token and checks it against the claimed
// session and block: signature, payload, version, claims, expiry.
func (k *keyring) validate(token, sessionID, blockID string) (*Claims, error) {
	claims, err := openToken(k.secret, token)
	if err != nil {
		return nil, err
	}
	if err := claims.matches(sessionID, blockID); err != nil {
		return nil, err
	}
	if err := claims.checkExpiry(k.now()); err != nil {
		return nil, err
	}
	return claims, nil
}

var (
	meter           = otel.Meter("qart/commit")
	issuedCounter   = mustCounter("qart.commit.issued", "Commit tokens issued")
	rejectedCounter = mustCounter("qart.derive.rejected", "Token rejections by reason")
)

func mustCounter(name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		panic(err)
	}
	return c
}

func recordRejection(op string, err error) {
	if reason := ReasonOf(err); reason != "" {
		rejectedCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("reason", string(reason)),
		))
	}
}

// Commitment is what the Issuer publishes before a block starts.
type Commitment struct {
	Token      string    `json:"commit_token"`
	CommitHash string    `json:"commit_hash"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Issuer creates commit tokens.
type Issuer struct {
	keyring
}

// NewIssuer returns an Issuer. It fails with a *ConfigurationError when the
// master secret is absent or too short.
func NewIssuer(secret []byte, opts ...Option) (*Issuer, error) {
	k, err := newKeyring(secret, opts)
	if err != nil {
		return nil, err
	}
	return &Issuer{keyring: k}, nil
}

// Issue commits to a fresh key for (sessionID, blockID). K itself is wiped
// before returning; only its hash leaves this function.
func (i *Issuer) Issue(sessionID, blockID string) (*Commitment, error) {
	if sessionID == "" || blockID == "" {
		return nil, fmt.Errorf("%w: session_id and block_id are required", ErrInvalidContext)
	}

	raw := make([]byte, NonceBytes)
	if _, err := io.ReadFull(i.rand, raw); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(raw)

	now := i.now()
	expires := now.Add(i.ttl)
	claims := &Claims{
		Version:   PayloadVersion,
		SessionID: sessionID,
		BlockID:   blockID,
		Nonce:     nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := signToken(i.secret, claims)
	if err != nil {
		return nil, err
	}

	key := claims.Key(i.secret)
	hash := CommitHash(key)
	wipe(key)

	issuedCounter.Add(context.Background(), 1)
	i.logger.Debug("commit issued", "session_id", sessionID, "block_id", blockID, "commit_hash", hash)

	// NumericDate has second precision; report what the token carries.
	return &Commitment{Token: token, CommitHash: hash, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Deriver computes trial outcomes from commit tokens.
type Deriver struct {
	keyring
}

// NewDeriver returns a Deriver bound to the master secret.
func NewDeriver(secret []byte, opts ...Option) (*Deriver, error) {
	k, err := newKeyring(secret, opts)
	if err != nil {
		return nil, err
	}
	return &Deriver{keyring: k}, nil
}

// Derive validates token against the context's session and block and
// returns the remap index and proof tag. K is never returned.
func (d *Deriver) Derive(token string, tc TrialContext) (Outcome, error) {
	if err := tc.Validate(); err != nil {
		return Outcome{}, err
	}
	claims, err := d.validate(token, tc.SessionID, tc.BlockID)
	if err != nil {
		recordRejection("derive", err)
		d.logger.Info("derive rejected",
			"session_id", tc.SessionID,
			"block_id", tc.BlockID,
			"trial_index", tc.TrialIndex,
			"reason", ReasonOf(err),
		)
		return Outcome{}, err
	}

	key := claims.Key(d.secret)
	defer wipe(key)
	return ComputeOutcome(key, tc)
}

// Revelation is the disclosed key for a block.
type Revelation struct {
	Key        []byte `json:"-"`
	KeyHex     string `json:"k_hex"`
	CommitHash string `json:"commit_hash"`
}

// Auditor reveals committed keys.
type Auditor struct {
	keyring
}

// NewAuditor returns an Auditor bound to the master secret.
func NewAuditor(secret []byte, opts ...Option) (*Auditor, error) {
	k, err := newKeyring(secret, opts)
	if err != nil {
		return nil, err
	}
	return &Auditor{keyring: k}, nil
}

// Reveal re-validates token exactly as Derive does and returns K with its
// hash. This is the only path that discloses K. It records nothing, so
// repeated reveals return the same key; callers decide when a block is closed
// enough to reveal.
func (a *Auditor) Reveal(token, sessionID, blockID string) (*Revelation, error) {
	claims, err := a.validate(token, sessionID, blockID)
	if err != nil {
		recordRejection("reveal", err)
		a.logger.Info("reveal rejected",
			"session_id", sessionID,
			"block_id", blockID,
			"reason", ReasonOf(err),
		)
		return nil, err
	}

	key := claims.Key(a.secret)
	hash := CommitHash(key)
	a.logger.Info("key revealed", "session_id", sessionID, "block_id", blockID, "commit_hash", hash)
	return &Revelation{Key: key, KeyHex: hex.EncodeToString(key), CommitHash: hash}, nil
}
