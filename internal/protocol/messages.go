package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the relay's classification of a participant event.
type EventType string

const (
	EventInitialRoster EventType = "initial_roster"
	EventJoined        EventType = "joined"
	EventLeft          EventType = "left"
	EventOther         EventType = "other"
)

// Status is a session lifecycle notice sent downstream.
type Status string

const (
	StatusStarted Status = "rtms_started"
	StatusStopped Status = "rtms_stopped"
)

// UnknownSpeakerID is used when the provider attaches no user to a transcript chunk.
const UnknownSpeakerID = "unknown"

// TranscriptSegment is one sequenced chunk of transcript text.
type TranscriptSegment struct {
	MeetingKey   string `json:"meetingKey"`
	SpeakerID    string `json:"speakerId"`
	SpeakerLabel string `json:"speakerLabel"`
	Text         string `json:"text"`
	StartMs      int64  `json:"startMs"`
	EndMs        int64  `json:"endMs"`
	SeqNo        int64  `json:"seqNo"`
}

// ParticipantEvent is a classified roster change.
type ParticipantEvent struct {
	MeetingKey      string    `json:"meetingKey"`
	EventType       EventType `json:"eventType"`
	ParticipantID   string    `json:"participantId"`
	ParticipantName string    `json:"participantName"`
	Timestamp       int64     `json:"timestamp"`
	RawKind         string    `json:"rawKind,omitempty"`
}

// StatusNotice tells downstream collaborators a meeting relay started or stopped.
type StatusNotice struct {
	MeetingKey string `json:"meetingKey"`
	Status     Status `json:"status"`
	OperatorID string `json:"operatorId,omitempty"`
}

// SegmentBroadcast is the body posted for a single segment.
type SegmentBroadcast struct {
	MeetingKey string            `json:"meetingKey"`
	Segment    TranscriptSegment `json:"segment"`
}

// ParticipantBroadcast is the body posted for one classified batch.
type ParticipantBroadcast struct {
	MeetingKey string             `json:"meetingKey"`
	Events     []ParticipantEvent `json:"events"`
}

// MessageType identifies live-subscriber websocket frames.
type MessageType string

const (
	TypeSegment           MessageType = "segment"
	TypeParticipantEvents MessageType = "participant_events"
	TypeStatus            MessageType = "status"
	TypePing              MessageType = "ping"
	TypePong              MessageType = "pong"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// LiveFrame is pushed to viewers subscribed to a meeting.
type LiveFrame struct {
	Type       MessageType        `json:"type"`
	MeetingKey string             `json:"meetingKey"`
	Segment    *TranscriptSegment `json:"segment,omitempty"`
	Events     []ParticipantEvent `json:"events,omitempty"`
	Status     Status             `json:"status,omitempty"`
	OperatorID string             `json:"operatorId,omitempty"`
}

func SegmentFrame(seg TranscriptSegment) LiveFrame {
	return LiveFrame{Type: TypeSegment, MeetingKey: seg.MeetingKey, Segment: &seg}
}

func ParticipantFrame(meetingKey string, events []ParticipantEvent) LiveFrame {
	return LiveFrame{Type: TypeParticipantEvents, MeetingKey: meetingKey, Events: events}
}

func StatusFrame(n StatusNotice) LiveFrame {
	return LiveFrame{Type: TypeStatus, MeetingKey: n.MeetingKey, Status: n.Status, OperatorID: n.OperatorID}
}

// ClientPing is the only message viewers may send.
type ClientPing struct {
	Type  MessageType `json:"type"`
	Nonce string      `json:"nonce,omitempty"`
}

// ParseClientMessage validates a frame received from a live viewer.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypePing:
		var msg ClientPing
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
