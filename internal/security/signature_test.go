package security

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSecret = []byte("deployment-signing-secret")
	testBody   = []byte(`{"update_id":1,"message":{"message_id":1,"date":1700000000,"text":"hi"}}`)
)

func TestVerify_RoundTrip(t *testing.T) {
	sig := Sign(testSecret, testBody)
	assert.True(t, Verify(testSecret, testBody, sig))
	assert.True(t, Verify(testSecret, testBody, "  "+sig+" "), "surrounding whitespace is tolerated")
}

func TestVerify_SingleByteFlip(t *testing.T) {
	sig := Sign(testSecret, testBody)

	for i := range testBody {
		body := append([]byte(nil), testBody...)
		body[i] ^= 0x01
		assert.False(t, Verify(testSecret, body, sig), "flipped body byte %d must not verify", i)
	}

	for i := len(SignaturePrefix); i < len(sig); i++ {
		b := []byte(sig)
		if b[i] == '0' {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
		assert.False(t, Verify(testSecret, testBody, string(b)), "flipped signature char %d must not verify", i)
	}
}

func TestVerify_Malformed(t *testing.T) {
	sig := Sign(testSecret, testBody)

	assert.False(t, Verify(nil, testBody, sig), "empty secret never verifies")
	assert.False(t, Verify(testSecret, testBody, ""))
	assert.False(t, Verify(testSecret, testBody, sig[len(SignaturePrefix):]), "prefix is required")
	assert.False(t, Verify(testSecret, testBody, SignaturePrefix+"zz"))
	assert.False(t, Verify([]byte("other"), testBody, sig))
}

// Mismatches at the first and the last byte of an equal-length signature must
// take indistinguishable time. The bound is loose to stay stable on busy machines.
func TestVerify_TimingInvariant(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test skipped in short mode")
	}
	sig := []byte(Sign(testSecret, testBody))

	early := append([]byte(nil), sig...)
	early[len(SignaturePrefix)] ^= 0x01
	late := append([]byte(nil), sig...)
	late[len(late)-1] ^= 0x01

	measure := func(header string) time.Duration {
		const rounds = 2000
		samples := make([]time.Duration, 0, 25)
		for s := 0; s < 25; s++ {
			start := time.Now()
			for i := 0; i < rounds; i++ {
				Verify(testSecret, testBody, header)
			}
			samples = append(samples, time.Since(start))
		}
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		return samples[len(samples)/2]
	}

	earlyMedian := measure(string(early))
	lateMedian := measure(string(late))

	ratio := float64(lateMedian) / float64(earlyMedian)
	assert.InDelta(t, 1.0, ratio, 0.5, "early=%v late=%v", earlyMedian, lateMedian)
}

func TestCheckFreshness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	window := 5 * time.Minute
	skew := 30 * time.Second

	assert.NoError(t, CheckFreshness(now, now, window, skew))
	assert.NoError(t, CheckFreshness(now.Add(-window), now, window, skew))
	assert.NoError(t, CheckFreshness(now.Add(skew), now, window, skew), "within clock skew")
	assert.ErrorIs(t, CheckFreshness(now.Add(-window-skew-time.Second), now, window, skew), ErrStale)
	assert.ErrorIs(t, CheckFreshness(now.Add(skew+time.Second), now, window, skew), ErrFuture)
}

func TestValidator_VerifyOrigin(t *testing.T) {
	sig := Sign(testSecret, testBody)

	testCases := []struct {
		name          string
		secret        string
		hardened      bool
		origin        Origin
		expectedToken string
		wantErr       error
	}{
		{
			name:    "valid signature",
			secret:  string(testSecret),
			origin:  Origin{Body: testBody, Signature: sig},
			wantErr: nil,
		},
		{
			name:    "missing signature header is not a bypass",
			secret:  string(testSecret),
			origin:  Origin{Body: testBody},
			wantErr: ErrMissingSignature,
		},
		{
			name:    "tampered body",
			secret:  string(testSecret),
			origin:  Origin{Body: []byte(`{"update_id":2}`), Signature: sig},
			wantErr: ErrBadSignature,
		},
		{
			name:          "store token only",
			origin:        Origin{Body: testBody, SecretToken: "store-token"},
			expectedToken: "store-token",
			wantErr:       nil,
		},
		{
			name:          "missing store token",
			origin:        Origin{Body: testBody},
			expectedToken: "store-token",
			wantErr:       ErrMissingToken,
		},
		{
			name:          "wrong store token",
			origin:        Origin{Body: testBody, SecretToken: "guess"},
			expectedToken: "store-token",
			wantErr:       ErrBadToken,
		},
		{
			name:          "signature and token both required when both configured",
			secret:        string(testSecret),
			origin:        Origin{Body: testBody, Signature: sig},
			expectedToken: "store-token",
			wantErr:       ErrMissingToken,
		},
		{
			name:     "hardened mode with nothing to check",
			hardened: true,
			origin:   Origin{Body: testBody},
			wantErr:  ErrUnverifiable,
		},
		{
			name:    "development mode with nothing to check",
			origin:  Origin{Body: testBody},
			wantErr: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := NewValidator(tc.secret, tc.hardened, 5*time.Minute, 30*time.Second)
			err := v.VerifyOrigin(tc.origin, tc.expectedToken)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestValidator_VerifyTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewValidator(string(testSecret), true, 5*time.Minute, 30*time.Second)
	v.now = func() time.Time { return now }

	assert.NoError(t, v.VerifyTimestamp(now.Add(-time.Minute)))
	assert.ErrorIs(t, v.VerifyTimestamp(now.Add(-time.Hour)), ErrStale)
	assert.ErrorIs(t, v.VerifyTimestamp(now.Add(time.Hour)), ErrFuture)
}
