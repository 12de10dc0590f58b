package webhook

import (
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func fixedVerifier(secret string, now time.Time) *Verifier {
	v := NewVerifier(secret, 5*time.Minute)
	v.Now = func() time.Time { return now }
	return v
}

func TestSignKnownVector(t *testing.T) {
	// HMAC-SHA256("s3cr3t", "abc")
	const want = "e7b80919c51385b9e86c3363c73f85cd015222e4d4eb945082d61d7b21eb8241"
	if got := ValidationResponse("abc", "s3cr3t"); got.EncryptedToken != want || got.PlainToken != "abc" {
		t.Fatalf("ValidationResponse() = %+v, want encrypted %s", got, want)
	}
	// HMAC-SHA256("s3cr3t", "v0:1700000000:{}")
	const signed = "v0=f796928984aea3719e72215d72fd739323263d84be6137a6ef793a2b85a15bc4"
	if got := Sign("s3cr3t", "1700000000", []byte("{}")); got != signed {
		t.Fatalf("Sign() = %q, want %q", got, signed)
	}
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := fixedVerifier("secret", now)
	body := []byte(`{"event":"meeting.rtms_started"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	if err := v.Verify(Sign("secret", ts, body), ts, body); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := fixedVerifier("secret", now)
	body := []byte(`{"event":"meeting.rtms_started"}`)
	fresh := strconv.FormatInt(now.Unix(), 10)
	stale := strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10)
	future := strconv.FormatInt(now.Add(6*time.Minute).Unix(), 10)
	millis := strconv.FormatInt(now.UnixMilli(), 10)

	tests := []struct {
		name      string
		signature string
		timestamp string
		body      []byte
		want      error
	}{
		{name: "missing signature", timestamp: fresh, body: body, want: ErrMissingSignature},
		{name: "missing timestamp", signature: Sign("secret", fresh, body), body: body, want: ErrMissingSignature},
		{name: "stale", signature: Sign("secret", stale, body), timestamp: stale, body: body, want: ErrStale},
		{name: "future", signature: Sign("secret", future, body), timestamp: future, body: body, want: ErrStale},
		{name: "milliseconds", signature: Sign("secret", millis, body), timestamp: millis, body: body, want: ErrStale},
		{name: "not a number", signature: "v0=00", timestamp: "yesterday", body: body, want: ErrStale},
		{name: "wrong secret", signature: Sign("other", fresh, body), timestamp: fresh, body: body, want: ErrBadSignature},
		{name: "tampered body", signature: Sign("secret", fresh, body), timestamp: fresh, body: []byte(`{"event":"x"}`), want: ErrBadSignature},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := v.Verify(tc.signature, tc.timestamp, tc.body); !errors.Is(err, tc.want) {
				t.Fatalf("Verify() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestVerifyWithinSkewBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := fixedVerifier("secret", now)
	body := []byte("{}")
	ts := strconv.FormatInt(now.Add(-5*time.Minute).Unix(), 10)
	if err := v.Verify(Sign("secret", ts, body), ts, body); err != nil {
		t.Fatalf("Verify() at the skew boundary error = %v", err)
	}
}

func TestVerifyDisabledWithoutSecret(t *testing.T) {
	v := NewVerifier("", 0)
	if v.Enabled() {
		t.Fatalf("Enabled() = true without secret")
	}
	if err := v.Verify("", "", []byte("{}")); err != nil {
		t.Fatalf("Verify() error = %v, want nil in dev mode", err)
	}
	if v.MaxSkew != DefaultMaxSkew {
		t.Fatalf("MaxSkew = %v, want default", v.MaxSkew)
	}
}

func TestVerifyRequestHeaderAliases(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := fixedVerifier("secret", now)
	body := []byte("{}")
	ts := strconv.FormatInt(now.Unix(), 10)

	h := http.Header{}
	h.Set(HeaderSignatureAlias, Sign("secret", ts, body))
	h.Set(HeaderTimestampAlias, ts)
	if err := v.VerifyRequest(h, body); err != nil {
		t.Fatalf("VerifyRequest() with aliases error = %v", err)
	}

	h = http.Header{}
	h.Set(HeaderSignature, Sign("secret", ts, body))
	h.Set(HeaderTimestamp, ts)
	if err := v.VerifyRequest(h, body); err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"event":"meeting.rtms_started","payload":{"meeting_uuid":"m1","rtms_stream_id":"s1","server_urls":"wss://x","operator_id":"op"}}`))
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	p, err := ev.RTMS()
	if err != nil {
		t.Fatalf("RTMS() error = %v", err)
	}
	if p.MeetingUUID != "m1" || p.StreamID != "s1" || p.ServerURLs != "wss://x" || p.OperatorID != "op" {
		t.Fatalf("payload = %+v", p)
	}

	if _, err := ParseEvent([]byte(`{not json`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("ParseEvent() malformed error = %v, want ErrInvalidPayload", err)
	}
	if _, err := ParseEvent([]byte(`{"payload":{}}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("ParseEvent() without event error = %v, want ErrInvalidPayload", err)
	}

	ev, _ = ParseEvent([]byte(`{"event":"endpoint.url_validation","payload":{"plainToken":"abc"}}`))
	if tok, err := ev.PlainToken(); err != nil || tok != "abc" {
		t.Fatalf("PlainToken() = %q, %v; want abc", tok, err)
	}
	ev, _ = ParseEvent([]byte(`{"event":"meeting.rtms_stopped","payload":{}}`))
	if _, err := ev.RTMS(); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("RTMS() without meeting_uuid error = %v, want ErrInvalidPayload", err)
	}
}
