package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zoom/arlo/internal/protocol"
)

// InMemoryStore keeps relay output in process for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	segments map[string]map[int64]protocol.TranscriptSegment
	events   map[string][]StoredEvent
	statuses map[string][]StoredStatus
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		segments: make(map[string]map[int64]protocol.TranscriptSegment),
		events:   make(map[string][]StoredEvent),
		statuses: make(map[string][]StoredStatus),
	}
}

func (s *InMemoryStore) SaveSegment(_ context.Context, seg protocol.TranscriptSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySeq, ok := s.segments[seg.MeetingKey]
	if !ok {
		bySeq = make(map[int64]protocol.TranscriptSegment)
		s.segments[seg.MeetingKey] = bySeq
	}
	if _, exists := bySeq[seg.SeqNo]; exists {
		return nil
	}
	bySeq[seg.SeqNo] = seg
	return nil
}

func (s *InMemoryStore) SaveParticipantEvents(_ context.Context, meetingKey string, events []protocol.ParticipantEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.events[meetingKey] = append(s.events[meetingKey], StoredEvent{
			ID:               uuid.NewString(),
			ParticipantEvent: ev,
			CreatedAt:        now,
		})
	}
	return nil
}

func (s *InMemoryStore) SaveStatus(_ context.Context, notice protocol.StatusNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[notice.MeetingKey] = append(s.statuses[notice.MeetingKey], StoredStatus{
		ID:           uuid.NewString(),
		StatusNotice: notice,
		CreatedAt:    time.Now().UTC(),
	})
	return nil
}

func (s *InMemoryStore) ListSegments(_ context.Context, meetingKey string, afterSeq int64, limit int) ([]protocol.TranscriptSegment, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	bySeq := s.segments[meetingKey]
	out := make([]protocol.TranscriptSegment, 0, len(bySeq))
	for seq, seg := range bySeq {
		if seq > afterSeq {
			out = append(out, seg)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SeqNo < out[j].SeqNo })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) LastSeq(_ context.Context, meetingKey string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last int64
	for seq := range s.segments[meetingKey] {
		if seq > last {
			last = seq
		}
	}
	return last, nil
}

// ParticipantEvents returns the stored events for a meeting in arrival order.
func (s *InMemoryStore) ParticipantEvents(meetingKey string) []StoredEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredEvent, len(s.events[meetingKey]))
	copy(out, s.events[meetingKey])
	return out
}

func (s *InMemoryStore) Statuses(meetingKey string) []StoredStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredStatus, len(s.statuses[meetingKey]))
	copy(out, s.statuses[meetingKey])
	return out
}

func (s *InMemoryStore) Close() error { return nil }
