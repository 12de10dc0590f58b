package rtms

import (
	"sync"
	"time"
)

// MockClient is an in-process Conn driven by explicit Emit calls. It backs
// RTMS_GATEWAY_MODE=mock and the relay tests.
type MockClient struct {
	mu            sync.Mutex
	onTranscript  TranscriptHandler
	onParticipant ParticipantHandler
	onJoinConfirm LifecycleHandler
	onLeave       LifecycleHandler

	autoConfirm bool
	params      JoinParams
	joined      bool
	leaveCalls  int

	// JoinErr and LeaveErr, when set, are returned by Join and Leave.
	JoinErr  error
	LeaveErr error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) OnTranscriptData(fn TranscriptHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTranscript = fn
}

func (m *MockClient) OnParticipantEvent(fn ParticipantHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onParticipant = fn
}

func (m *MockClient) OnJoinConfirm(fn LifecycleHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onJoinConfirm = fn
}

func (m *MockClient) OnLeave(fn LifecycleHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLeave = fn
}

func (m *MockClient) Join(p JoinParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.JoinErr != nil {
		err := m.JoinErr
		m.mu.Unlock()
		return err
	}
	if m.joined {
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	m.joined = true
	m.params = p
	auto := m.autoConfirm
	m.mu.Unlock()

	if auto {
		go m.ConfirmJoin()
	}
	return nil
}

func (m *MockClient) Leave() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveCalls++
	return m.LeaveErr
}

func (m *MockClient) Joined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

func (m *MockClient) Params() JoinParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

func (m *MockClient) LeaveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveCalls
}

// EmitTranscript delivers text as a transcript chunk with the given speaker.
func (m *MockClient) EmitTranscript(text string, user *User) {
	m.EmitTranscriptBytes([]byte(text), time.Now().UnixMilli(), user)
}

func (m *MockClient) EmitTranscriptBytes(data []byte, ts int64, user *User) {
	m.mu.Lock()
	fn := m.onTranscript
	m.mu.Unlock()
	if fn == nil {
		return
	}
	var meta Metadata
	if user != nil {
		meta.UserID = user.UserID
		meta.UserName = user.UserName
	}
	fn(data, ts, meta, user)
}

func (m *MockClient) EmitParticipants(kind string, participants ...Participant) {
	m.mu.Lock()
	fn := m.onParticipant
	m.mu.Unlock()
	if fn != nil {
		fn(kind, time.Now().UnixMilli(), participants)
	}
}

func (m *MockClient) ConfirmJoin() {
	m.mu.Lock()
	fn := m.onJoinConfirm
	m.mu.Unlock()
	if fn != nil {
		fn(0)
	}
}

// Disconnect simulates the gateway dropping the stream.
func (m *MockClient) Disconnect(reason int) {
	m.mu.Lock()
	fn := m.onLeave
	m.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

// MockConnector hands out MockClients and remembers them in creation order.
type MockConnector struct {
	AutoConfirm bool

	mu    sync.Mutex
	conns []*MockClient
}

func (c *MockConnector) NewConn() Conn {
	m := NewMockClient()
	m.autoConfirm = c.AutoConfirm
	c.mu.Lock()
	c.conns = append(c.conns, m)
	c.mu.Unlock()
	return m
}

func (c *MockConnector) Conns() []*MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*MockClient, len(c.conns))
	copy(out, c.conns)
	return out
}

func (c *MockConnector) Last() *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.conns) == 0 {
		return nil
	}
	return c.conns[len(c.conns)-1]
}
