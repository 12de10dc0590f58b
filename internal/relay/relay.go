package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/zoom/arlo/internal/observability"
	"github.com/zoom/arlo/internal/policy"
	"github.com/zoom/arlo/internal/protocol"
	"github.com/zoom/arlo/internal/rtms"
	"github.com/zoom/arlo/internal/session"
)

// ErrClosed is returned by Start once shutdown has begun.
var ErrClosed = errors.New("relay is shutting down")

// SequenceSource reports the highest sequence number already persisted for a
// meeting, so a meeting started again after a restart continues numbering.
type SequenceSource interface {
	LastSeq(ctx context.Context, meetingKey string) (int64, error)
}

// StartRequest carries the fields of a started webhook needed to connect.
type StartRequest struct {
	MeetingKey string
	StreamKey  string
	ServerURLs string
	OperatorID string
}

type Options struct {
	Registry  *session.Registry
	Connector rtms.Connector
	Fanout    *Fanout
	Sequences SequenceSource
	Metrics   *observability.Metrics
	Now       func() time.Time
}

// Relay connects meetings to the upstream stream and forwards what it
// receives to the fan-out.
type Relay struct {
	registry  *session.Registry
	connector rtms.Connector
	fanout    *Fanout
	sequences SequenceSource
	metrics   *observability.Metrics
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
}

func New(opts Options) *Relay {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	r := &Relay{
		registry:  opts.Registry,
		connector: opts.Connector,
		fanout:    opts.Fanout,
		sequences: opts.Sequences,
		metrics:   opts.Metrics,
		now:       now,
	}
	r.registry.SetExpireHook(r.expire)
	return r
}

// Start opens the upstream connection for a meeting. A second start for a
// meeting that is already relayed returns session.ErrAlreadyActive and leaves
// the existing connection alone. After shutdown has begun it returns ErrClosed.
func (r *Relay) Start(ctx context.Context, req StartRequest) error {
	key := strings.TrimSpace(req.MeetingKey)
	if key == "" {
		return session.ErrInvalidKey
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		log.Printf("rtms start refused meeting=%s, shutting down", key)
		r.sessionEvent("start_refused")
		return ErrClosed
	}
	conn := r.connector.NewConn()

	s, err := r.registry.Start(key, req.StreamKey, req.OperatorID, conn)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyActive) {
			log.Printf("rtms already connected meeting=%s, ignoring duplicate start", key)
			r.sessionEvent("duplicate_start")
		}
		return err
	}
	r.seedSequence(ctx, s)

	conn.OnTranscriptData(func(data []byte, ts int64, meta rtms.Metadata, user *rtms.User) {
		r.handleTranscript(s, data, ts, meta, user)
	})
	conn.OnParticipantEvent(func(kind string, ts int64, participants []rtms.Participant) {
		r.handleParticipants(s, kind, ts, participants)
	})
	conn.OnJoinConfirm(func(reason int) {
		r.handleJoinConfirm(s, reason)
	})
	conn.OnLeave(func(reason int) {
		r.handleLeave(s, reason)
	})

	operator := req.OperatorID
	if operator == "" {
		operator = "not provided"
	}
	log.Printf("starting rtms session meeting=%s stream=%s operator=%s", key, req.StreamKey, operator)

	if err := conn.Join(rtms.JoinParams{
		MeetingUUID: key,
		StreamID:    req.StreamKey,
		ServerURLs:  req.ServerURLs,
	}); err != nil {
		r.registry.Remove(key, s)
		s.MarkStopping()
		_ = s.Close()
		r.syncActive()
		r.sessionEvent("join_failed")
		log.Printf("rtms join failed meeting=%s: %v", key, err)
		return fmt.Errorf("join rtms stream for meeting %s: %w", key, err)
	}

	r.syncActive()
	r.sessionEvent("started")
	r.fanout.SubmitStatus(protocol.StatusNotice{
		MeetingKey: key,
		Status:     protocol.StatusStarted,
		OperatorID: req.OperatorID,
	})
	return nil
}

// Stop ends the relay for a meeting. The stopped notice is sent even when no
// session was active so downstream can settle the meeting.
func (r *Relay) Stop(meetingKey string) error {
	key := strings.TrimSpace(meetingKey)
	s, ok, err := r.registry.Stop(key)
	if ok {
		log.Printf("rtms session stopped meeting=%s segments=%d", key, s.Info().Segments)
		r.syncActive()
		r.sessionEvent("stopped")
	} else {
		log.Printf("rtms stop for meeting=%s with no active session", key)
	}
	if err != nil {
		log.Printf("rtms close failed meeting=%s: %v", key, err)
	}

	r.fanout.SubmitStatus(protocol.StatusNotice{MeetingKey: key, Status: protocol.StatusStopped})
	return err
}

// seedSequence continues numbering after segments persisted by an earlier run
// of the same meeting.
func (r *Relay) seedSequence(ctx context.Context, s *session.Session) {
	if r.sequences == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	last, err := r.sequences.LastSeq(ctx, s.MeetingKey)
	if err != nil {
		log.Printf("rtms last seq lookup failed meeting=%s: %v", s.MeetingKey, err)
		return
	}
	if last > 0 {
		s.SeedSeq(last)
		log.Printf("rtms resuming meeting=%s after seq=%d", s.MeetingKey, last)
	}
}

// close refuses further starts. Starts already past the check finish first.
func (r *Relay) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Relay) ActiveCount() int {
	return r.registry.ActiveCount()
}

func (r *Relay) Sessions() []session.Info {
	return r.registry.Snapshot()
}

func (r *Relay) handleTranscript(s *session.Session, data []byte, ts int64, meta rtms.Metadata, user *rtms.User) {
	if !utf8.Valid(data) {
		log.Printf("dropping transcript with invalid utf-8 meeting=%s bytes=%d", s.MeetingKey, len(data))
		r.sessionEvent("transcript_invalid")
		return
	}
	text := string(data)

	speakerID, speakerName := meta.UserID, meta.UserName
	if user != nil {
		speakerID, speakerName = user.UserID, user.UserName
	}
	speakerID = strings.TrimSpace(speakerID)

	accepted, ok := s.AcceptTranscript(speakerID, speakerName)
	if !ok {
		return
	}
	if accepted.First {
		log.Printf("first transcript received meeting=%s, later joins are real joins", s.MeetingKey)
	}

	ms := ts
	if ms <= 0 {
		ms = r.now().UnixMilli()
	}
	if speakerID == "" {
		speakerID = protocol.UnknownSpeakerID
	}
	seg := protocol.TranscriptSegment{
		MeetingKey:   s.MeetingKey,
		SpeakerID:    speakerID,
		SpeakerLabel: accepted.SpeakerLabel,
		Text:         text,
		StartMs:      ms,
		EndMs:        ms,
		SeqNo:        accepted.SeqNo,
	}

	if r.metrics != nil {
		r.metrics.Segments.Inc()
	}
	log.Printf("segment meeting=%s seq=%d speaker=%q text=%q", s.MeetingKey, seg.SeqNo, seg.SpeakerLabel, policy.LogPreview(text))
	r.fanout.SubmitSegment(seg)
}

func (r *Relay) handleParticipants(s *session.Session, kind string, ts int64, participants []rtms.Participant) {
	events, suppressed := Classify(s, kind, ts, participants, r.now())
	if suppressed {
		log.Printf("suppressing leave events during shutdown meeting=%s count=%d", s.MeetingKey, len(participants))
		return
	}
	if len(events) == 0 {
		return
	}

	s.CountEvents(len(events))
	if r.metrics != nil {
		for _, ev := range events {
			r.metrics.ParticipantEvents.WithLabelValues(string(ev.EventType)).Inc()
		}
	}
	log.Printf("participant events meeting=%s kind=%s type=%s count=%d", s.MeetingKey, kind, events[0].EventType, len(events))
	r.fanout.SubmitParticipantEvents(s.MeetingKey, events)
}

func (r *Relay) handleJoinConfirm(s *session.Session, reason int) {
	s.MarkJoined(r.now())
	r.sessionEvent("joined")
	log.Printf("rtms joined meeting=%s reason=%d", s.MeetingKey, reason)
}

// handleLeave runs when the upstream connection ends, whether we asked for it
// or not. Only an unrequested end produces a stopped notice.
func (r *Relay) handleLeave(s *session.Session, reason int) {
	removed := r.registry.Remove(s.MeetingKey, s)
	if !s.MarkStopping() {
		log.Printf("rtms connection closed meeting=%s reason=%d", s.MeetingKey, reason)
		return
	}
	_ = s.Close()
	if removed {
		r.syncActive()
	}
	r.sessionEvent("upstream_ended")
	log.Printf("rtms connection ended by upstream meeting=%s reason=%d", s.MeetingKey, reason)
	r.fanout.SubmitStatus(protocol.StatusNotice{MeetingKey: s.MeetingKey, Status: protocol.StatusStopped})
}

func (r *Relay) expire(s *session.Session) {
	log.Printf("rtms join not confirmed in time meeting=%s started_at=%s", s.MeetingKey, s.StartedAt.Format(time.RFC3339))
	r.syncActive()
	r.sessionEvent("join_timeout")
	r.fanout.SubmitStatus(protocol.StatusNotice{MeetingKey: s.MeetingKey, Status: protocol.StatusStopped})
}

func (r *Relay) syncActive() {
	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(r.registry.ActiveCount()))
	}
}

func (r *Relay) sessionEvent(event string) {
	if r.metrics != nil {
		r.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}
