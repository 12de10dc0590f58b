package store

import (
	"context"
	"time"

	"github.com/zoom/arlo/internal/protocol"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// StoredEvent is a participant event as persisted, with its assigned id.
type StoredEvent struct {
	ID string `json:"id"`
	protocol.ParticipantEvent
	CreatedAt time.Time `json:"createdAt"`
}

// StoredStatus is one lifecycle notice as persisted.
type StoredStatus struct {
	ID string `json:"id"`
	protocol.StatusNotice
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists relay output. SaveSegment is idempotent on
// (meetingKey, seqNo): a repeated save of the same pair is a no-op.
type Store interface {
	SaveSegment(ctx context.Context, seg protocol.TranscriptSegment) error
	SaveParticipantEvents(ctx context.Context, meetingKey string, events []protocol.ParticipantEvent) error
	SaveStatus(ctx context.Context, notice protocol.StatusNotice) error
	// ListSegments returns segments with seqNo > afterSeq in ascending order.
	ListSegments(ctx context.Context, meetingKey string, afterSeq int64, limit int) ([]protocol.TranscriptSegment, error)
	// LastSeq is the highest stored seqNo for a meeting, 0 when none.
	LastSeq(ctx context.Context, meetingKey string) (int64, error)
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
