package broadcast

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zoom/arlo/internal/observability"
	"github.com/zoom/arlo/internal/protocol"
)

const (
	defaultSubscriberBuffer = 64
	liveReadTimeout         = 120 * time.Second
	livePingInterval        = 30 * time.Second
	liveWriteTimeout        = 10 * time.Second
)

// Subscriber is one live viewer of a meeting.
type Subscriber struct {
	ID         string
	MeetingKey string

	send      chan protocol.LiveFrame
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscriber) Frames() <-chan protocol.LiveFrame {
	return s.send
}

// Done is closed when the subscriber is removed from the hub, either on
// Unsubscribe or because it fell behind.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Hub pushes relay output to in-process websocket viewers keyed by meeting.
// Publishing never blocks: a subscriber whose buffer is full is dropped.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[string]*Subscriber
	buffer  int
	metrics *observability.Metrics
}

func NewHub(buffer int, metrics *observability.Metrics) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:    make(map[string]map[string]*Subscriber),
		buffer:  buffer,
		metrics: metrics,
	}
}

func (h *Hub) Subscribe(meetingKey string) *Subscriber {
	sub := &Subscriber{
		ID:         uuid.NewString(),
		MeetingKey: meetingKey,
		send:       make(chan protocol.LiveFrame, h.buffer),
		done:       make(chan struct{}),
	}
	h.mu.Lock()
	byID, ok := h.subs[meetingKey]
	if !ok {
		byID = make(map[string]*Subscriber)
		h.subs[meetingKey] = byID
	}
	byID[sub.ID] = sub
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.LiveSubscribers.Inc()
	}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.remove(sub)
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	removed := false
	if byID, ok := h.subs[sub.MeetingKey]; ok {
		if _, ok := byID[sub.ID]; ok {
			delete(byID, sub.ID)
			removed = true
		}
		if len(byID) == 0 {
			delete(h.subs, sub.MeetingKey)
		}
	}
	h.mu.Unlock()

	sub.close()
	if removed && h.metrics != nil {
		h.metrics.LiveSubscribers.Dec()
	}
}

// Count returns the number of viewers of meetingKey.
func (h *Hub) Count(meetingKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[meetingKey])
}

func (h *Hub) publish(frame protocol.LiveFrame) {
	var slow []*Subscriber
	h.mu.RLock()
	for _, sub := range h.subs[frame.MeetingKey] {
		select {
		case sub.send <- frame:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		log.Printf("live subscriber dropped meeting=%s subscriber=%s reason=buffer_full", sub.MeetingKey, sub.ID)
		h.remove(sub)
	}
}

func (h *Hub) BroadcastSegment(_ context.Context, seg protocol.TranscriptSegment) error {
	h.publish(protocol.SegmentFrame(seg))
	return nil
}

func (h *Hub) BroadcastParticipantEvents(_ context.Context, meetingKey string, events []protocol.ParticipantEvent) error {
	h.publish(protocol.ParticipantFrame(meetingKey, events))
	return nil
}

func (h *Hub) BroadcastStatus(_ context.Context, notice protocol.StatusNotice) error {
	h.publish(protocol.StatusFrame(notice))
	return nil
}

// ServeConn streams frames for meetingKey to an upgraded websocket until the
// client goes away, ctx ends, or the subscriber is dropped. The only message
// a viewer may send is a ping.
func (h *Hub) ServeConn(ctx context.Context, conn *websocket.Conn, meetingKey string) {
	sub := h.Subscribe(meetingKey)
	defer h.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		ticker := time.NewTicker(livePingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"),
					time.Now().Add(time.Second))
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout)); err != nil {
					return
				}
			case frame := <-sub.send:
				_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(liveReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(liveReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(liveReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		if _, err := protocol.ParseClientMessage(data); err != nil {
			continue
		}
		select {
		case sub.send <- protocol.LiveFrame{Type: protocol.TypePong, MeetingKey: meetingKey}:
		default:
		}
	}

	cancel()
	<-writerDone
}
