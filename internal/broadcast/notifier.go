package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zoom/arlo/internal/protocol"
	"github.com/zoom/arlo/internal/reliability"
)

const (
	PathSegment          = "/api/rtms/broadcast"
	PathParticipantEvent = "/api/rtms/participant-event"
	PathStatus           = "/api/rtms/status"
)

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Notifier posts relay output to the backend service.
type Notifier struct {
	baseURL     string
	client      *http.Client
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewNotifier(baseURL string, timeout time.Duration, maxRetries int) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Notifier{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:      &http.Client{Timeout: timeout},
		maxRetries:  maxRetries,
		backoffBase: 100 * time.Millisecond,
		backoffCap:  2 * time.Second,
	}
}

func (n *Notifier) BroadcastSegment(ctx context.Context, seg protocol.TranscriptSegment) error {
	return n.post(ctx, PathSegment, protocol.SegmentBroadcast{MeetingKey: seg.MeetingKey, Segment: seg})
}

func (n *Notifier) BroadcastParticipantEvents(ctx context.Context, meetingKey string, events []protocol.ParticipantEvent) error {
	return n.post(ctx, PathParticipantEvent, protocol.ParticipantBroadcast{MeetingKey: meetingKey, Events: events})
}

func (n *Notifier) BroadcastStatus(ctx context.Context, notice protocol.StatusNotice) error {
	return n.post(ctx, PathStatus, notice)
}

func (n *Notifier) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			if err := reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt-1, n.backoffBase, n.backoffCap)); err != nil {
				return fmt.Errorf("post %s: %w (last error: %v)", path, err, lastErr)
			}
		}

		retry, err := n.send(ctx, path, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return lastErr
}

func (n *Notifier) send(ctx context.Context, path string, payload []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := n.client.Do(req)
	if err != nil {
		return reliability.IsRetryableError(err), fmt.Errorf("send %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return reliability.IsRetryableHTTPStatus(res.StatusCode), &StatusError{
			Path:       path,
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	return false, nil
}
