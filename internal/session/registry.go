package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrAlreadyActive = errors.New("session already active for meeting")
	ErrInvalidKey    = errors.New("meeting key is required")
)

// Registry maps meeting keys to their live Session. At most one Session exists
// per key; Start is a compare-and-insert. The last sequence number of every
// removed session is remembered so a restarted meeting continues numbering.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	lastSeq     map[string]int64
	joinTimeout time.Duration
	onExpire    func(*Session)
	now         func() time.Time
}

func NewRegistry(joinTimeout time.Duration) *Registry {
	if joinTimeout <= 0 {
		joinTimeout = 30 * time.Second
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		lastSeq:     make(map[string]int64),
		joinTimeout: joinTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetExpireHook installs the callback run for sessions reaped by the janitor.
func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Start registers a new session for meetingKey. It fails with ErrAlreadyActive
// when one is already registered; the existing session is left untouched.
func (r *Registry) Start(meetingKey, streamKey, operatorID string, conn Conn) (*Session, error) {
	if meetingKey == "" {
		return nil, ErrInvalidKey
	}
	s := New(meetingKey, streamKey, operatorID, conn)
	s.StartedAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[meetingKey]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, meetingKey)
	}
	s.SeedSeq(r.lastSeq[meetingKey])
	r.sessions[meetingKey] = s
	return s, nil
}

// removeLocked drops the entry for key and seals s so nothing it numbers can
// collide with a later session for the same meeting.
func (r *Registry) removeLocked(key string, s *Session) {
	delete(r.sessions, key)
	if seq := s.Seal(); seq > r.lastSeq[key] {
		r.lastSeq[key] = seq
	}
}

func (r *Registry) Get(meetingKey string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[meetingKey]
	return s, ok
}

// Stop removes the session for meetingKey, marks it stopping and closes its
// connection outside the registry lock. Stopping an unknown key is a no-op.
// The returned error reports a failed close; the entry is gone either way.
func (r *Registry) Stop(meetingKey string) (*Session, bool, error) {
	r.mu.Lock()
	s, ok := r.sessions[meetingKey]
	if ok {
		r.removeLocked(meetingKey, s)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	s.MarkStopping()
	return s, true, s.Close()
}

// Remove drops the entry for meetingKey only if it still points at s. It is
// used when the upstream ends a stream on its own.
func (r *Registry) Remove(meetingKey string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[meetingKey]
	if !ok || current != s {
		return false
	}
	r.removeLocked(meetingKey, s)
	return true
}

// StopAll empties the registry. Every session is marked stopping before any
// connection is closed; a failing close does not prevent the others.
func (r *Registry) StopAll() ([]*Session, []error) {
	r.mu.Lock()
	stopped := make([]*Session, 0, len(r.sessions))
	for key, s := range r.sessions {
		stopped = append(stopped, s)
		r.removeLocked(key, s)
	}
	r.mu.Unlock()

	sort.Slice(stopped, func(i, j int) bool { return stopped[i].MeetingKey < stopped[j].MeetingKey })
	for _, s := range stopped {
		s.MarkStopping()
	}

	var errs []error
	for _, s := range stopped {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stopped, errs
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeetingKey < out[j].MeetingKey })
	return out
}

// StartJanitor reaps sessions whose join was never confirmed within the join
// timeout.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireUnjoined()
			}
		}
	}()
}

func (r *Registry) expireUnjoined() []*Session {
	now := r.now()
	var expired []*Session

	r.mu.Lock()
	for key, s := range r.sessions {
		if s.Joined() {
			continue
		}
		if now.Sub(s.StartedAt) < r.joinTimeout {
			continue
		}
		r.removeLocked(key, s)
		expired = append(expired, s)
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, s := range expired {
		s.MarkStopping()
		_ = s.Close()
		if hook != nil {
			hook(s)
		}
	}
	return expired
}
