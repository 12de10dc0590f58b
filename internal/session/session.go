package session

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Conn is the part of the upstream connection a Session owns.
type Conn interface {
	Leave() error
}

// Session is the relay state for one meeting. Immutable identity fields are
// exported; everything mutable sits behind mu and is reached through methods.
type Session struct {
	MeetingKey string
	StreamKey  string
	OperatorID string
	StartedAt  time.Time

	conn Conn

	mu          sync.Mutex
	stopping    bool
	firstSignal bool
	joinedAt    time.Time
	names       map[string]string
	seq         int64
	sealed      bool
	segments    int64
	eventCount  int64

	closeOnce sync.Once
	closeErr  error
}

// Info is a point-in-time copy of a session for diagnostics.
type Info struct {
	MeetingKey   string    `json:"meetingKey"`
	StreamKey    string    `json:"streamKey"`
	OperatorID   string    `json:"operatorId,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	JoinedAt     time.Time `json:"joinedAt,omitempty"`
	Stopping     bool      `json:"stopping"`
	FirstSignal  bool      `json:"firstSignal"`
	Segments     int64     `json:"segments"`
	LastSeq      int64     `json:"lastSeq"`
	Events       int64     `json:"participantEvents"`
	Participants int       `json:"knownParticipants"`
}

// Transcript is the outcome of accepting one transcript callback.
type Transcript struct {
	SeqNo        int64
	SpeakerLabel string
	First        bool
}

func New(meetingKey, streamKey, operatorID string, conn Conn) *Session {
	return &Session{
		MeetingKey: meetingKey,
		StreamKey:  streamKey,
		OperatorID: operatorID,
		StartedAt:  time.Now().UTC(),
		conn:       conn,
		names:      make(map[string]string),
	}
}

func (s *Session) Conn() Conn {
	return s.conn
}

// MarkStopping sets the stopping flag. It reports whether this call set it.
func (s *Session) MarkStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.stopping = true
	return true
}

func (s *Session) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Session) FirstSignalReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstSignal
}

func (s *Session) MarkJoined(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinedAt.IsZero() {
		s.joinedAt = at.UTC()
	}
}

func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.joinedAt.IsZero()
}

// NextSeq advances the segment counter. The first value is 1.
func (s *Session) NextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeqLocked()
}

func (s *Session) nextSeqLocked() int64 {
	s.seq++
	return s.seq
}

// SeedSeq raises the segment counter to at least n so the next segment is
// numbered after segments an earlier session already emitted for the meeting.
func (s *Session) SeedSeq(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.seq {
		s.seq = n
	}
}

// Seal stops the session from numbering further segments and returns the last
// sequence number it assigned.
func (s *Session) Seal() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	return s.seq
}

// AcceptTranscript records the arrival of a transcript chunk: it flips the
// first-signal flag, learns the speaker's name and assigns the next sequence
// number, all under one lock so a concurrent participant batch observes either
// none or all of it. It reports false once the session is stopping or sealed.
func (s *Session) AcceptTranscript(speakerID, speakerName string) (Transcript, bool) {
	speakerID = strings.TrimSpace(speakerID)
	speakerName = strings.TrimSpace(speakerName)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.sealed {
		return Transcript{}, false
	}

	first := !s.firstSignal
	s.firstSignal = true
	if speakerID != "" && speakerName != "" {
		s.names[speakerID] = speakerName
	}

	label := speakerName
	if label == "" && speakerID != "" {
		label = s.names[speakerID]
	}
	if label == "" {
		if speakerID != "" {
			label = fmt.Sprintf("Speaker %s", speakerID)
		} else {
			label = "Speaker"
		}
	}

	s.segments++
	return Transcript{SeqNo: s.nextSeqLocked(), SpeakerLabel: label, First: first}, true
}

// ResolveName returns the display name for a participant: the provided name,
// then the cached one, then a placeholder built from the id. Provided names
// are cached for later lookups.
func (s *Session) ResolveName(participantID, provided string) string {
	participantID = strings.TrimSpace(participantID)
	provided = strings.TrimSpace(provided)

	s.mu.Lock()
	defer s.mu.Unlock()

	if provided != "" {
		if participantID != "" {
			s.names[participantID] = provided
		}
		return provided
	}
	if participantID != "" {
		if cached := s.names[participantID]; cached != "" {
			return cached
		}
		return fmt.Sprintf("Participant %s", participantID)
	}
	return "Participant unknown"
}

func (s *Session) CachedName(participantID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.names[strings.TrimSpace(participantID)]
	return name, ok
}

func (s *Session) CountEvents(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCount += int64(n)
}

// Close releases the upstream connection exactly once. A panic inside the
// connection's Leave is reported as an error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				s.closeErr = fmt.Errorf("close connection for meeting %s: panic: %v", s.MeetingKey, r)
			}
		}()
		if s.conn == nil {
			return
		}
		if err := s.conn.Leave(); err != nil {
			s.closeErr = fmt.Errorf("close connection for meeting %s: %w", s.MeetingKey, err)
		}
	})
	return s.closeErr
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		MeetingKey:   s.MeetingKey,
		StreamKey:    s.StreamKey,
		OperatorID:   s.OperatorID,
		StartedAt:    s.StartedAt,
		JoinedAt:     s.joinedAt,
		Stopping:     s.stopping,
		FirstSignal:  s.firstSignal,
		Segments:     s.segments,
		LastSeq:      s.seq,
		Events:       s.eventCount,
		Participants: len(s.names),
	}
}
