// Package rtms connects to the provider's realtime media streaming gateway for
// one meeting and surfaces transcript chunks, participant events and lifecycle
// notices through callbacks.
package rtms

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidJoinParams = errors.New("rtms: meeting uuid, stream id and server urls are required")
	ErrAlreadyJoined     = errors.New("rtms: join already called")
	ErrClosed            = errors.New("rtms: connection closed")
)

// Leave reasons passed to LifecycleHandler on disconnect.
const (
	LeaveReasonClient          = 1
	LeaveReasonStreamEnded     = 2
	LeaveReasonConnectionLost  = 3
	LeaveReasonHandshakeFailed = 4
)

// User identifies the speaker attached to a transcript chunk.
type User struct {
	UserID   string
	UserName string
}

// Metadata carries optional per-chunk details from the provider.
type Metadata struct {
	UserID    string
	UserName  string
	StartTime int64
	EndTime   int64
	Language  string
}

// Participant is one entry of a participant event batch, as the provider reports it.
type Participant struct {
	ParticipantID string
	UserID        string
	UserName      string
	Name          string
}

type (
	TranscriptHandler  func(data []byte, timestamp int64, meta Metadata, user *User)
	ParticipantHandler func(kind string, timestamp int64, participants []Participant)
	LifecycleHandler   func(reason int)
)

// JoinParams are taken from the rtms_started webhook.
type JoinParams struct {
	MeetingUUID string
	StreamID    string
	ServerURLs  string
}

func (p JoinParams) Validate() error {
	if strings.TrimSpace(p.MeetingUUID) == "" || strings.TrimSpace(p.StreamID) == "" || strings.TrimSpace(p.ServerURLs) == "" {
		return ErrInvalidJoinParams
	}
	return nil
}

// Conn is one upstream connection. Handlers must be registered before Join;
// Join only starts the connection and success is reported via OnJoinConfirm.
// Callbacks for a single Conn are never invoked concurrently.
type Conn interface {
	OnTranscriptData(TranscriptHandler)
	OnParticipantEvent(ParticipantHandler)
	OnJoinConfirm(LifecycleHandler)
	OnLeave(LifecycleHandler)
	Join(JoinParams) error
	Leave() error
}

// Connector builds a fresh Conn per meeting.
type Connector interface {
	NewConn() Conn
}

// Config controls connector construction.
type Config struct {
	Mode         string
	ClientID     string
	ClientSecret string
	// AutoConfirm makes mock connections confirm the join on their own.
	AutoConfirm bool
}

func NewConnector(cfg Config) (Connector, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "ws"
	}
	switch mode {
	case "ws":
		if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
			return nil, errors.New("rtms ws mode requires ZOOM_CLIENT_ID and ZOOM_CLIENT_SECRET")
		}
		return &ClientConnector{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret}, nil
	case "mock":
		return &MockConnector{AutoConfirm: cfg.AutoConfirm}, nil
	default:
		return nil, fmt.Errorf("unsupported rtms gateway mode %q", cfg.Mode)
	}
}

// ClientConnector dials the real websocket gateway.
type ClientConnector struct {
	ClientID     string
	ClientSecret string
}

func (c *ClientConnector) NewConn() Conn {
	return NewClient(c.ClientID, c.ClientSecret)
}
