package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// SignaturePrefix is the scheme marker of the signature header value
const SignaturePrefix = "sha256="

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("invalid signature")
	ErrMissingToken     = errors.New("missing secret token")
	ErrBadToken         = errors.New("invalid secret token")
	ErrUnverifiable     = errors.New("no secret configured to verify request")
	ErrStale            = errors.New("update timestamp outside freshness window")
	ErrFuture           = errors.New("update timestamp in the future")
)

// Sign returns the signature header value for body
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against the HMAC-SHA256 of body in constant time.
// An empty secret never verifies.
func Verify(secret, body []byte, header string) bool {
	if len(secret) == 0 {
		return false
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, SignaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, SignaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// TokenEqual compares two shared tokens in constant time
func TokenEqual(got, expected string) bool {
	// ConstantTimeCompare returns early on length mismatch; lengths are not secret here
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// CheckFreshness rejects timestamps older than window or later than now+skew
func CheckFreshness(ts, now time.Time, window, skew time.Duration) error {
	if ts.After(now.Add(skew)) {
		return ErrFuture
	}
	if now.Sub(ts) > window+skew {
		return ErrStale
	}
	return nil
}

// Origin is what an inbound request presents to prove it came from Telegram
type Origin struct {
	Body        []byte
	Signature   string // deployment HMAC header
	SecretToken string // X-Telegram-Bot-Api-Secret-Token
}

// Validator authenticates inbound webhook requests
type Validator struct {
	signingSecret    []byte
	requireSignature bool
	replayWindow     time.Duration
	clockSkew        time.Duration
	now              func() time.Time
}

// NewValidator creates a validator. With requireSignature set, a request that
// no configured secret can verify is rejected instead of passed through.
func NewValidator(signingSecret string, requireSignature bool, replayWindow, clockSkew time.Duration) *Validator {
	return &Validator{
		signingSecret:    []byte(signingSecret),
		requireSignature: requireSignature,
		replayWindow:     replayWindow,
		clockSkew:        clockSkew,
		now:              time.Now,
	}
}

// VerifyOrigin checks every secret that is configured. expectedToken is the
// store's registered secret token, empty if it has none.
func (v *Validator) VerifyOrigin(o Origin, expectedToken string) error {
	checked := false

	if len(v.signingSecret) > 0 {
		if o.Signature == "" {
			return ErrMissingSignature
		}
		if !Verify(v.signingSecret, o.Body, o.Signature) {
			return ErrBadSignature
		}
		checked = true
	}

	if expectedToken != "" {
		if o.SecretToken == "" {
			return ErrMissingToken
		}
		if !TokenEqual(o.SecretToken, expectedToken) {
			return ErrBadToken
		}
		checked = true
	}

	if !checked && v.requireSignature {
		return ErrUnverifiable
	}
	return nil
}

// VerifyTimestamp applies the replay window to the envelope's timestamp
func (v *Validator) VerifyTimestamp(ts time.Time) error {
	return CheckFreshness(ts, v.now(), v.replayWindow, v.clockSkew)
}

// Hardened reports whether unverifiable requests are rejected
func (v *Validator) Hardened() bool {
	return v.requireSignature
}

// SigningConfigured reports whether a deployment signing secret is set
func (v *Validator) SigningConfigured() bool {
	return len(v.signingSecret) > 0
}
