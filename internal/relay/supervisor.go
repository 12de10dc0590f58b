package relay

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/zoom/arlo/internal/protocol"
	"github.com/zoom/arlo/internal/session"
)

// Supervisor owns process-level lifecycle: the join-timeout janitor while
// running and the orderly teardown of every session on shutdown.
type Supervisor struct {
	relay    *Relay
	registry *session.Registry
	fanout   *Fanout
}

func NewSupervisor(r *Relay) *Supervisor {
	return &Supervisor{relay: r, registry: r.registry, fanout: r.fanout}
}

// Start runs the join-timeout janitor until ctx ends.
func (s *Supervisor) Start(ctx context.Context, interval time.Duration) {
	s.registry.StartJanitor(ctx, interval)
}

// Shutdown refuses new sessions, stops every active session, tells downstream
// each one stopped and drains the fan-out until ctx ends. A failing session does not prevent the
// others from being stopped.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.relay.close()
	stopped, errs := s.registry.StopAll()
	for _, err := range errs {
		log.Printf("rtms shutdown close failed: %v", err)
	}
	for _, sess := range stopped {
		s.relay.sessionEvent("stopped")
		s.fanout.SubmitStatus(protocol.StatusNotice{MeetingKey: sess.MeetingKey, Status: protocol.StatusStopped})
	}
	s.relay.syncActive()
	log.Printf("rtms shutdown stopped=%d failed=%d", len(stopped), len(errs))

	if err := s.fanout.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
