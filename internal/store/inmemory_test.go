package store

import (
	"context"
	"testing"

	"github.com/zoom/arlo/internal/protocol"
)

func segment(meetingKey string, seq int64, text string) protocol.TranscriptSegment {
	return protocol.TranscriptSegment{
		MeetingKey:   meetingKey,
		SpeakerID:    "1",
		SpeakerLabel: "Ann",
		Text:         text,
		StartMs:      seq * 1000,
		EndMs:        seq * 1000,
		SeqNo:        seq,
	}
}

func TestInMemorySaveSegmentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	if err := s.SaveSegment(ctx, segment("m1", 1, "first")); err != nil {
		t.Fatalf("SaveSegment() error = %v", err)
	}
	if err := s.SaveSegment(ctx, segment("m1", 1, "replayed")); err != nil {
		t.Fatalf("repeated SaveSegment() error = %v", err)
	}

	got, err := s.ListSegments(ctx, "m1", 0, 0)
	if err != nil {
		t.Fatalf("ListSegments() error = %v", err)
	}
	if len(got) != 1 || got[0].Text != "first" {
		t.Fatalf("segments = %+v, want the first write only", got)
	}
}

func TestInMemoryListSegmentsCursor(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for _, seq := range []int64{3, 1, 5, 2, 4} {
		if err := s.SaveSegment(ctx, segment("m1", seq, "t")); err != nil {
			t.Fatalf("SaveSegment(%d) error = %v", seq, err)
		}
	}
	_ = s.SaveSegment(ctx, segment("m2", 1, "other meeting"))

	page, err := s.ListSegments(ctx, "m1", 1, 2)
	if err != nil {
		t.Fatalf("ListSegments() error = %v", err)
	}
	if len(page) != 2 || page[0].SeqNo != 2 || page[1].SeqNo != 3 {
		t.Fatalf("page = %+v, want seq 2,3", page)
	}

	rest, _ := s.ListSegments(ctx, "m1", page[len(page)-1].SeqNo, 10)
	if len(rest) != 2 || rest[0].SeqNo != 4 || rest[1].SeqNo != 5 {
		t.Fatalf("rest = %+v, want seq 4,5", rest)
	}

	none, _ := s.ListSegments(ctx, "missing", 0, 10)
	if len(none) != 0 {
		t.Fatalf("unknown meeting returned %d segments", len(none))
	}
}

func TestInMemoryParticipantEventsAndStatus(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	events := []protocol.ParticipantEvent{
		{MeetingKey: "m1", EventType: protocol.EventInitialRoster, ParticipantID: "1", ParticipantName: "Ann"},
		{MeetingKey: "m1", EventType: protocol.EventInitialRoster, ParticipantID: "2", ParticipantName: "Bob"},
	}
	if err := s.SaveParticipantEvents(ctx, "m1", events); err != nil {
		t.Fatalf("SaveParticipantEvents() error = %v", err)
	}
	if err := s.SaveParticipantEvents(ctx, "m1", nil); err != nil {
		t.Fatalf("SaveParticipantEvents(nil) error = %v", err)
	}
	stored := s.ParticipantEvents("m1")
	if len(stored) != 2 || stored[0].ParticipantName != "Ann" || stored[1].ParticipantName != "Bob" {
		t.Fatalf("stored events = %+v", stored)
	}
	if stored[0].ID == "" || stored[0].ID == stored[1].ID {
		t.Fatalf("events must get distinct ids: %q %q", stored[0].ID, stored[1].ID)
	}

	if err := s.SaveStatus(ctx, protocol.StatusNotice{MeetingKey: "m1", Status: protocol.StatusStarted, OperatorID: "op"}); err != nil {
		t.Fatalf("SaveStatus() error = %v", err)
	}
	statuses := s.Statuses("m1")
	if len(statuses) != 1 || statuses[0].Status != protocol.StatusStarted || statuses[0].OperatorID != "op" {
		t.Fatalf("statuses = %+v", statuses)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{in: 0, want: DefaultListLimit},
		{in: -3, want: DefaultListLimit},
		{in: 25, want: 25},
		{in: MaxListLimit + 1, want: MaxListLimit},
	}
	for _, tc := range tests {
		if got := clampLimit(tc.in); got != tc.want {
			t.Fatalf("clampLimit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestNewStoreDefaultsToMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", s)
	}
}

func TestInMemoryLastSeq(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	if last, err := s.LastSeq(ctx, "m1"); err != nil || last != 0 {
		t.Fatalf("LastSeq() on empty store = %d, %v; want 0", last, err)
	}
	for _, seq := range []int64{2, 5, 3} {
		_ = s.SaveSegment(ctx, segment("m1", seq, "x"))
	}
	_ = s.SaveSegment(ctx, segment("m2", 9, "x"))
	if last, _ := s.LastSeq(ctx, "m1"); last != 5 {
		t.Fatalf("LastSeq() = %d, want 5", last)
	}
}
