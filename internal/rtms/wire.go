package rtms

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

const (
	msgSignalingHandshakeReq  = 1
	msgSignalingHandshakeResp = 2
	msgDataHandshakeReq       = 3
	msgDataHandshakeResp      = 4
	msgEventSubscription      = 5
	msgEventUpdate            = 6
	msgClientReadyAck         = 7
	msgStreamStateUpdate      = 8
	msgSessionStateUpdate     = 9
	msgKeepAliveReq           = 12
	msgKeepAliveResp          = 13
	msgMediaDataTranscript    = 17
)

const (
	eventActiveSpeakerChange = 2
	eventParticipantJoin     = 3
	eventParticipantLeave    = 4
)

const (
	mediaTypeTranscript = 8

	streamStateTerminating = 3
	streamStateTerminated  = 4
	sessionStateStopped    = 5

	protocolVersion = 1
)

// frame is the union of every message the gateway sends.
type frame struct {
	MsgType     int             `json:"msg_type"`
	StatusCode  int             `json:"status_code"`
	Reason      string          `json:"reason,omitempty"`
	MediaServer *mediaServer    `json:"media_server,omitempty"`
	Event       *eventUpdate    `json:"event,omitempty"`
	State       int             `json:"state,omitempty"`
	StopReason  int             `json:"stop_reason,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

type mediaServer struct {
	ServerURLs struct {
		Audio      string `json:"audio,omitempty"`
		Video      string `json:"video,omitempty"`
		Transcript string `json:"transcript,omitempty"`
		All        string `json:"all,omitempty"`
	} `json:"server_urls"`
}

func (f frame) transcriptURL() string {
	if f.MediaServer == nil {
		return ""
	}
	if u := strings.TrimSpace(f.MediaServer.ServerURLs.Transcript); u != "" {
		return u
	}
	return strings.TrimSpace(f.MediaServer.ServerURLs.All)
}

type eventUpdate struct {
	EventType    int                  `json:"event_type"`
	Timestamp    int64                `json:"timestamp,omitempty"`
	Participants []participantPayload `json:"participants"`
}

type participantPayload struct {
	ParticipantID flexID `json:"participant_id,omitempty"`
	UserID        flexID `json:"user_id,omitempty"`
	UserName      string `json:"user_name,omitempty"`
	Name          string `json:"name,omitempty"`
}

type transcriptContent struct {
	UserID    flexID `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp,omitempty"`
	StartTime int64  `json:"start_time,omitempty"`
	EndTime   int64  `json:"end_time,omitempty"`
	Language  string `json:"language,omitempty"`
}

type handshakeRequest struct {
	MsgType           int    `json:"msg_type"`
	ProtocolVersion   int    `json:"protocol_version"`
	MeetingUUID       string `json:"meeting_uuid"`
	StreamID          string `json:"rtms_stream_id"`
	Sequence          int64  `json:"sequence"`
	Signature         string `json:"signature"`
	MediaType         int    `json:"media_type,omitempty"`
	PayloadEncryption bool   `json:"payload_encryption,omitempty"`
}

type clientReadyAck struct {
	MsgType  int    `json:"msg_type"`
	StreamID string `json:"rtms_stream_id"`
}

type eventSubscribe struct {
	EventType int  `json:"event_type"`
	Subscribe bool `json:"subscribe"`
}

type eventSubscription struct {
	MsgType int              `json:"msg_type"`
	Events  []eventSubscribe `json:"events"`
}

type keepAliveResponse struct {
	MsgType   int   `json:"msg_type"`
	Timestamp int64 `json:"timestamp"`
}

// flexID accepts ids sent either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*f = ""
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func eventKindName(eventType int) string {
	switch eventType {
	case eventParticipantJoin:
		return "participant_join"
	case eventParticipantLeave:
		return "participant_leave"
	case eventActiveSpeakerChange:
		return "active_speaker_change"
	default:
		return "event_" + strconv.Itoa(eventType)
	}
}

func toParticipants(in []participantPayload) []Participant {
	out := make([]Participant, 0, len(in))
	for _, p := range in {
		out = append(out, Participant{
			ParticipantID: string(p.ParticipantID),
			UserID:        string(p.UserID),
			UserName:      strings.TrimSpace(p.UserName),
			Name:          strings.TrimSpace(p.Name),
		})
	}
	return out
}
