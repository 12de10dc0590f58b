package broadcast

import (
	"context"
	"errors"

	"github.com/zoom/arlo/internal/protocol"
)

// Broadcaster delivers relay output to a downstream collaborator.
type Broadcaster interface {
	BroadcastSegment(ctx context.Context, seg protocol.TranscriptSegment) error
	BroadcastParticipantEvents(ctx context.Context, meetingKey string, events []protocol.ParticipantEvent) error
	BroadcastStatus(ctx context.Context, notice protocol.StatusNotice) error
}

// Multi fans one call out to several broadcasters. Every member is called;
// failures are joined.
type Multi []Broadcaster

func NewMulti(members ...Broadcaster) Multi {
	out := make(Multi, 0, len(members))
	for _, m := range members {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (m Multi) BroadcastSegment(ctx context.Context, seg protocol.TranscriptSegment) error {
	var errs []error
	for _, b := range m {
		if err := b.BroadcastSegment(ctx, seg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) BroadcastParticipantEvents(ctx context.Context, meetingKey string, events []protocol.ParticipantEvent) error {
	var errs []error
	for _, b := range m {
		if err := b.BroadcastParticipantEvents(ctx, meetingKey, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) BroadcastStatus(ctx context.Context, notice protocol.StatusNotice) error {
	var errs []error
	for _, b := range m {
		if err := b.BroadcastStatus(ctx, notice); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
