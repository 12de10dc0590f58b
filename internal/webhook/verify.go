package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature      = "x-zm-signature"
	HeaderTimestamp      = "x-zm-request-timestamp"
	HeaderSignatureAlias = "x-signature"
	HeaderTimestampAlias = "x-request-timestamp"
	signaturePrefix      = "v0="
	DefaultMaxSkew       = 5 * time.Minute
	EventURLValidation   = "endpoint.url_validation"
	EventRTMSStarted     = "meeting.rtms_started"
	EventRTMSStopped     = "meeting.rtms_stopped"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature or timestamp")
	ErrStale            = errors.New("webhook timestamp outside allowed window")
	ErrBadSignature     = errors.New("webhook signature mismatch")
)

// Verifier authenticates inbound webhook deliveries.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{Secret: secret, MaxSkew: maxSkew, Now: time.Now}
}

// Enabled reports whether a secret is configured. Without one every delivery
// is accepted.
func (v *Verifier) Enabled() bool {
	return v != nil && v.Secret != ""
}

// Verify checks signature against "v0:{timestamp}:{body}". The timestamp is
// in seconds since the epoch and must lie within MaxSkew of now.
func (v *Verifier) Verify(signature, timestamp string, body []byte) error {
	if !v.Enabled() {
		return nil
	}
	signature = strings.TrimSpace(signature)
	timestamp = strings.TrimSpace(timestamp)
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp %q", ErrStale, timestamp)
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	current := now()
	sent := time.Unix(ts, 0)
	if sent.Before(current.Add(-v.MaxSkew)) || sent.After(current.Add(v.MaxSkew)) {
		return fmt.Errorf("%w: timestamp %d", ErrStale, ts)
	}

	expected := Sign(v.Secret, timestamp, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// VerifyRequest reads the signature headers, accepting the short aliases.
func (v *Verifier) VerifyRequest(h http.Header, body []byte) error {
	signature := h.Get(HeaderSignature)
	if signature == "" {
		signature = h.Get(HeaderSignatureAlias)
	}
	timestamp := h.Get(HeaderTimestamp)
	if timestamp == "" {
		timestamp = h.Get(HeaderTimestampAlias)
	}
	return v.Verify(signature, timestamp, body)
}

// Sign returns the expected signature header for a delivery.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Validation is the answer to an endpoint URL validation challenge.
type Validation struct {
	PlainToken     string `json:"plainToken"`
	EncryptedToken string `json:"encryptedToken"`
}

func ValidationResponse(plainToken, secret string) Validation {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(plainToken))
	return Validation{PlainToken: plainToken, EncryptedToken: hex.EncodeToString(mac.Sum(nil))}
}
