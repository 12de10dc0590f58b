package rtms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 3 * time.Second
)

// Client is a websocket connection to the gateway for one meeting: a
// signaling socket plus a transcript media socket.
type Client struct {
	clientID string
	secret   string
	dialer   websocket.Dialer

	mu            sync.Mutex
	onTranscript  TranscriptHandler
	onParticipant ParticipantHandler
	onJoinConfirm LifecycleHandler
	onLeave       LifecycleHandler
	started       bool
	closed        bool
	cancel        context.CancelFunc
	done          chan struct{}

	leaveOnce sync.Once
}

func NewClient(clientID, secret string) *Client {
	return &Client{
		clientID: strings.TrimSpace(clientID),
		secret:   strings.TrimSpace(secret),
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		},
		done: make(chan struct{}),
	}
}

func (c *Client) OnTranscriptData(fn TranscriptHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTranscript = fn
}

func (c *Client) OnParticipantEvent(fn ParticipantHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onParticipant = fn
}

func (c *Client) OnJoinConfirm(fn LifecycleHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onJoinConfirm = fn
}

func (c *Client) OnLeave(fn LifecycleHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLeave = fn
}

// Join starts the connection in the background.
func (c *Client) Join(p JoinParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyJoined
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, p)
	return nil
}

// Leave closes both sockets. Safe to call more than once.
func (c *Client) Leave() error {
	c.leaveOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	return nil
}

// Done is closed once the connection goroutine has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) run(ctx context.Context, p JoinParams) {
	defer close(c.done)
	reason := c.stream(ctx, p)
	c.emitLeave(reason)
}

func (c *Client) stream(ctx context.Context, p JoinParams) int {
	signalingURL, err := firstServerURL(p.ServerURLs)
	if err != nil {
		log.Printf("rtms meeting=%s invalid server url: %v", p.MeetingUUID, err)
		return LeaveReasonHandshakeFailed
	}

	signaling, err := c.dial(ctx, "signaling", signalingURL)
	if err != nil {
		return c.failReason(ctx, p, err)
	}
	defer signaling.close()

	resp, err := signaling.handshake(ctx, c.handshake(p, msgSignalingHandshakeReq, 0), msgSignalingHandshakeResp)
	if err != nil {
		return c.failReason(ctx, p, err)
	}
	mediaURL := resp.transcriptURL()
	if mediaURL == "" {
		return c.failReason(ctx, p, errors.New("signaling handshake returned no transcript media url"))
	}

	media, err := c.dial(ctx, "media", mediaURL)
	if err != nil {
		return c.failReason(ctx, p, err)
	}
	defer media.close()

	if _, err := media.handshake(ctx, c.handshake(p, msgDataHandshakeReq, mediaTypeTranscript), msgDataHandshakeResp); err != nil {
		return c.failReason(ctx, p, err)
	}
	if err := signaling.write(clientReadyAck{MsgType: msgClientReadyAck, StreamID: p.StreamID}); err != nil {
		return c.failReason(ctx, p, err)
	}
	sub := eventSubscription{
		MsgType: msgEventSubscription,
		Events: []eventSubscribe{
			{EventType: eventParticipantJoin, Subscribe: true},
			{EventType: eventParticipantLeave, Subscribe: true},
		},
	}
	if err := signaling.write(sub); err != nil {
		return c.failReason(ctx, p, err)
	}

	c.emitJoinConfirm(0)
	return c.pump(ctx, p, signaling, media)
}

func (c *Client) failReason(ctx context.Context, p JoinParams, err error) int {
	if ctx.Err() != nil {
		return LeaveReasonClient
	}
	log.Printf("rtms meeting=%s stream=%s connect failed: %v", p.MeetingUUID, p.StreamID, err)
	return LeaveReasonHandshakeFailed
}

func (c *Client) handshake(p JoinParams, msgType, mediaType int) handshakeRequest {
	return handshakeRequest{
		MsgType:         msgType,
		ProtocolVersion: protocolVersion,
		MeetingUUID:     p.MeetingUUID,
		StreamID:        p.StreamID,
		Sequence:        time.Now().UnixNano(),
		Signature:       Signature(c.clientID, p.MeetingUUID, p.StreamID, c.secret),
		MediaType:       mediaType,
	}
}

func (c *Client) pump(ctx context.Context, p JoinParams, signaling, media *socket) int {
	for {
		select {
		case <-ctx.Done():
			return LeaveReasonClient
		case data, ok := <-signaling.msgs:
			if !ok {
				log.Printf("rtms meeting=%s signaling closed: %v", p.MeetingUUID, signaling.lastErr())
				return LeaveReasonConnectionLost
			}
			if reason, done := c.handleSignaling(p, signaling, data); done {
				return reason
			}
		case data, ok := <-media.msgs:
			if !ok {
				log.Printf("rtms meeting=%s media closed: %v", p.MeetingUUID, media.lastErr())
				return LeaveReasonConnectionLost
			}
			c.handleMedia(p, media, data)
		}
	}
}

func (c *Client) handleSignaling(p JoinParams, s *socket, data []byte) (int, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("rtms meeting=%s signaling frame parse: %v", p.MeetingUUID, err)
		return 0, false
	}
	switch f.MsgType {
	case msgKeepAliveReq:
		if err := s.write(keepAliveResponse{MsgType: msgKeepAliveResp, Timestamp: f.Timestamp}); err != nil {
			log.Printf("rtms meeting=%s signaling keep-alive reply: %v", p.MeetingUUID, err)
		}
	case msgEventUpdate:
		if f.Event == nil {
			return 0, false
		}
		ts := f.Event.Timestamp
		if ts == 0 {
			ts = f.Timestamp
		}
		c.emitParticipants(eventKindName(f.Event.EventType), ts, toParticipants(f.Event.Participants))
	case msgStreamStateUpdate:
		if f.State == streamStateTerminating || f.State == streamStateTerminated {
			return LeaveReasonStreamEnded, true
		}
	case msgSessionStateUpdate:
		if f.State == sessionStateStopped {
			return LeaveReasonStreamEnded, true
		}
	}
	return 0, false
}

func (c *Client) handleMedia(p JoinParams, s *socket, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("rtms meeting=%s media frame parse: %v", p.MeetingUUID, err)
		return
	}
	switch f.MsgType {
	case msgKeepAliveReq:
		if err := s.write(keepAliveResponse{MsgType: msgKeepAliveResp, Timestamp: f.Timestamp}); err != nil {
			log.Printf("rtms meeting=%s media keep-alive reply: %v", p.MeetingUUID, err)
		}
	case msgMediaDataTranscript:
		var content transcriptContent
		if err := json.Unmarshal(f.Content, &content); err != nil {
			log.Printf("rtms meeting=%s transcript content parse: %v", p.MeetingUUID, err)
			return
		}
		ts := content.Timestamp
		if ts == 0 {
			ts = f.Timestamp
		}
		meta := Metadata{
			UserID:    string(content.UserID),
			UserName:  strings.TrimSpace(content.UserName),
			StartTime: content.StartTime,
			EndTime:   content.EndTime,
			Language:  content.Language,
		}
		var user *User
		if meta.UserID != "" || meta.UserName != "" {
			user = &User{UserID: meta.UserID, UserName: meta.UserName}
		}
		c.emitTranscript([]byte(content.Data), ts, meta, user)
	}
}

func (c *Client) emitTranscript(data []byte, ts int64, meta Metadata, user *User) {
	c.mu.Lock()
	fn := c.onTranscript
	c.mu.Unlock()
	if fn != nil {
		fn(data, ts, meta, user)
	}
}

func (c *Client) emitParticipants(kind string, ts int64, participants []Participant) {
	c.mu.Lock()
	fn := c.onParticipant
	c.mu.Unlock()
	if fn != nil {
		fn(kind, ts, participants)
	}
}

func (c *Client) emitJoinConfirm(reason int) {
	c.mu.Lock()
	fn := c.onJoinConfirm
	c.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

func (c *Client) emitLeave(reason int) {
	c.mu.Lock()
	fn := c.onLeave
	c.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

func (c *Client) dial(ctx context.Context, name, rawURL string) (*socket, error) {
	wsURL, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("rtms %s dial failed (%s): %w", name, resp.Status, err)
		}
		return nil, fmt.Errorf("rtms %s dial failed: %w", name, err)
	}
	return newSocket(name, conn), nil
}

func firstServerURL(raw string) (string, error) {
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			return part, nil
		}
	}
	return "", errors.New("empty server url list")
}

func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse rtms url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported rtms url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// socket owns one websocket and a reader goroutine. Only the client's run
// goroutine writes to it.
type socket struct {
	name   string
	conn   *websocket.Conn
	msgs   chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newSocket(name string, conn *websocket.Conn) *socket {
	s := &socket{
		name:   name,
		conn:   conn,
		msgs:   make(chan []byte, 256),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	go func() {
		defer close(s.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				s.errs <- err
				return
			}
			select {
			case s.msgs <- data:
			case <-s.closed:
				return
			}
		}
	}()
	return s
}

func (s *socket) next(ctx context.Context) (frame, error) {
	select {
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case data, ok := <-s.msgs:
		if !ok {
			if err := s.lastErr(); err != nil {
				return frame{}, err
			}
			return frame{}, fmt.Errorf("rtms %s connection closed", s.name)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			return frame{}, fmt.Errorf("rtms %s frame parse: %w", s.name, err)
		}
		return f, nil
	}
}

func (s *socket) handshake(ctx context.Context, req handshakeRequest, want int) (frame, error) {
	if err := s.write(req); err != nil {
		return frame{}, fmt.Errorf("rtms %s handshake write: %w", s.name, err)
	}
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	for {
		f, err := s.next(ctx)
		if err != nil {
			return frame{}, err
		}
		if f.MsgType != want {
			continue
		}
		if f.StatusCode != 0 {
			return frame{}, fmt.Errorf("rtms %s handshake rejected: status=%d reason=%s", s.name, f.StatusCode, f.Reason)
		}
		return f, nil
	}
}

func (s *socket) write(v any) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	return s.conn.WriteJSON(v)
}

func (s *socket) lastErr() error {
	select {
	case err := <-s.errs:
		return err
	default:
		return nil
	}
}

func (s *socket) close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = s.conn.Close()
	})
}
