package commit

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang-jwt/jwt/v5"
)

// PayloadVersion is stamped into every token. Tokens are accepted while
// their major version matches.
const PayloadVersion = "1.0.0"

var supportedVersions = mustConstraint("^1.0.0")

// Claims is the CommitPayload: {v, sid, bid, nonce, exp}. It travels as the
// payload of an HS256 JWS signed with a key derived from the master secret,
// so any holder of the secret can authenticate it without server-side state.
type Claims struct {
	Version   string `json:"v"`
	SessionID string `json:"sid"`
	BlockID   string `json:"bid"`
	Nonce     string `json:"nonce"`
	jwt.RegisteredClaims
}

func signToken(secret []byte, claims *Claims) (string, error) {
	key, err := tokenKey(secret)
	if err != nil {
		return "", err
	}
	defer wipe(key)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign commit token: %w", err)
	}
	return signed, nil
}

// openToken authenticates a token and returns its claims. Claims matching
// and expiry are left to the caller so the checks run in protocol order.
func openToken(secret []byte, raw string) (*Claims, error) {
	key, err := tokenKey(secret)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
		jwt.WithStrictDecoding(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, &TokenError{Reason: ReasonBadSignature, Err: err}
		default:
			return nil, &TokenError{Reason: ReasonMalformed, Err: err}
		}
	}

	if claims.SessionID == "" || claims.BlockID == "" || claims.Nonce == "" || claims.ExpiresAt == nil {
		return nil, reject(ReasonMalformed, "payload is missing required fields")
	}
	v, err := semver.NewVersion(claims.Version)
	if err != nil {
		return nil, reject(ReasonMalformed, "payload version %q: %v", claims.Version, err)
	}
	if !supportedVersions.Check(v) {
		return nil, reject(ReasonUnsupportedVersion, "payload version %s", v)
	}
	return claims, nil
}

func (c *Claims) matches(sessionID, blockID string) error {
	if c.SessionID != sessionID || c.BlockID != blockID {
		return reject(ReasonClaimsMismatch, "token issued for session %q block %q", c.SessionID, c.BlockID)
	}
	return nil
}

func (c *Claims) checkExpiry(now time.Time) error {
	if !now.Before(c.ExpiresAt.Time) {
		return reject(ReasonExpired, "expired at %s", c.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}
	return nil
}

// Key re-derives K for these claims.
func (c *Claims) Key(secret []byte) []byte {
	return DeriveKey(secret, c.SessionID, c.BlockID, c.Nonce)
}

// OpenForAudit authenticates a historical token without checking expiry.
// Out-of-band verification runs long after tokens expire; signature and
// version are still enforced.
func OpenForAudit(secret []byte, token string) (*Claims, error) {
	if err := checkSecret(secret); err != nil {
		return nil, err
	}
	return openToken(secret, token)
}

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}
