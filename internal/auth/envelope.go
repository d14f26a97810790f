package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/punchamoorthee/mintgate/internal/domain"
)

const (
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Timestamp"

	DefaultFreshnessWindow = 5 * time.Minute
)

// Envelope verifies signed, timestamped requests for one channel.
// Each channel (client API, payment webhook) gets its own secret.
type Envelope struct {
	channel string
	secret  []byte
	window  time.Duration
	now     func() time.Time
}

// NewEnvelope creates a verifier for channel with the given secret and freshness window.
func NewEnvelope(channel string, secret []byte, window time.Duration) *Envelope {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &Envelope{channel: channel, secret: secret, window: window, now: time.Now}
}

// Sign returns the hex HMAC-SHA256 of body || timestamp.
func Sign(secret, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature and freshness of a request.
// Every failure returns domain.ErrUnauthorized so callers cannot tell which check failed.
func (e *Envelope) Verify(body []byte, timestamp, signature string) error {
	// Both checks always run so timing does not reveal which one failed.
	fresh := e.fresh(timestamp)

	got, err := hex.DecodeString(signature)
	if err != nil {
		got = nil
	}
	want, _ := hex.DecodeString(Sign(e.secret, body, timestamp))
	valid := hmac.Equal(got, want)

	if !fresh || !valid {
		return domain.ErrUnauthorized
	}
	return nil
}

func (e *Envelope) fresh(timestamp string) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	// compare instants; a Duration difference saturates for far-off timestamps
	t, now := time.Unix(ts, 0), e.now()
	return !t.Before(now.Add(-e.window)) && !t.After(now.Add(e.window))
}
