package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPayload = errors.New("invalid webhook payload")

// Event is the outer envelope of every delivery.
type Event struct {
	Event   string          `json:"event"`
	EventTS int64           `json:"event_ts,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type validationPayload struct {
	PlainToken string `json:"plainToken"`
}

// RTMSPayload is the payload of meeting.rtms_started and meeting.rtms_stopped.
type RTMSPayload struct {
	MeetingUUID string `json:"meeting_uuid"`
	StreamID    string `json:"rtms_stream_id"`
	ServerURLs  string `json:"server_urls"`
	OperatorID  string `json:"operator_id,omitempty"`
}

func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ev.Event = strings.TrimSpace(ev.Event)
	if ev.Event == "" {
		return Event{}, fmt.Errorf("%w: missing event", ErrInvalidPayload)
	}
	return ev, nil
}

func (e Event) PlainToken() (string, error) {
	var p validationPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(p.PlainToken) == "" {
		return "", fmt.Errorf("%w: missing plainToken", ErrInvalidPayload)
	}
	return p.PlainToken, nil
}

func (e Event) RTMS() (RTMSPayload, error) {
	var p RTMSPayload
	if len(e.Payload) == 0 {
		return p, fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	p.MeetingUUID = strings.TrimSpace(p.MeetingUUID)
	if p.MeetingUUID == "" {
		return p, fmt.Errorf("%w: missing meeting_uuid", ErrInvalidPayload)
	}
	return p, nil
}
