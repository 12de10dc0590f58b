package rtms

import "strings"

// EventKind is the closed set of participant event kinds the relay acts on.
type EventKind int

const (
	KindOther EventKind = iota
	KindJoin
	KindLeave
)

func (k EventKind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	default:
		return "other"
	}
}

// ParseEventKind maps provider kind strings, which vary across SDK versions
// and event sources, onto EventKind.
func ParseEventKind(raw string) EventKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "join", "user_join", "participant_join", "participant.joined":
		return KindJoin
	case "leave", "user_leave", "participant_leave", "participant.left":
		return KindLeave
	default:
		return KindOther
	}
}
