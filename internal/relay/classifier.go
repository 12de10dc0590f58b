package relay

import (
	"strings"
	"time"

	"github.com/zoom/arlo/internal/protocol"
	"github.com/zoom/arlo/internal/rtms"
	"github.com/zoom/arlo/internal/session"
)

// RosterBeforeFirstTranscript reports joins delivered before a meeting's first
// transcript chunk as initial_roster. The upstream announces everyone already
// present as a join right after connecting, and the first transcript is the
// only boundary it offers between that snapshot and real arrivals.
const RosterBeforeFirstTranscript = true

// Classify turns one upstream participant callback into relay events. Names
// are resolved and cached for every participant first; a leave batch delivered
// while the session is stopping is then suppressed entirely and reported
// through the second return value. Output order matches input order.
func Classify(s *session.Session, kind string, ts int64, participants []rtms.Participant, now time.Time) ([]protocol.ParticipantEvent, bool) {
	type resolved struct{ id, name string }
	people := make([]resolved, 0, len(participants))
	for _, p := range participants {
		id := strings.TrimSpace(p.ParticipantID)
		if id == "" {
			id = strings.TrimSpace(p.UserID)
		}
		provided := strings.TrimSpace(p.UserName)
		if provided == "" {
			provided = strings.TrimSpace(p.Name)
		}
		people = append(people, resolved{id: id, name: s.ResolveName(id, provided)})
	}

	ek := rtms.ParseEventKind(kind)
	if ek == rtms.KindLeave && s.Stopping() {
		return nil, true
	}

	firstSignal := s.FirstSignalReceived()
	if ts <= 0 {
		ts = now.UnixMilli()
	}

	events := make([]protocol.ParticipantEvent, 0, len(people))
	for _, p := range people {
		ev := protocol.ParticipantEvent{
			MeetingKey:      s.MeetingKey,
			EventType:       eventType(ek, firstSignal),
			ParticipantID:   p.id,
			ParticipantName: p.name,
			Timestamp:       ts,
		}
		if ev.EventType == protocol.EventOther {
			ev.RawKind = kind
		}
		events = append(events, ev)
	}
	return events, false
}

func eventType(kind rtms.EventKind, firstSignal bool) protocol.EventType {
	switch kind {
	case rtms.KindJoin:
		if RosterBeforeFirstTranscript && !firstSignal {
			return protocol.EventInitialRoster
		}
		return protocol.EventJoined
	case rtms.KindLeave:
		return protocol.EventLeft
	default:
		return protocol.EventOther
	}
}
