package relay

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/zoom/arlo/internal/broadcast"
	"github.com/zoom/arlo/internal/observability"
	"github.com/zoom/arlo/internal/protocol"
	"github.com/zoom/arlo/internal/store"
)

const (
	SinkBroadcast = "broadcast"
	SinkStore     = "store"
)

var ErrFanoutClosed = errors.New("fanout closed")

type FanoutOptions struct {
	QueueSize   int
	Workers     int
	CallTimeout time.Duration
	Broadcaster broadcast.Broadcaster
	Store       store.Store
	Metrics     *observability.Metrics
}

type job struct {
	sink       string
	kind       string
	meetingKey string
	call       func(ctx context.Context) error
}

// Fanout delivers relay output to the downstream sinks off the ingestion
// path. Jobs are sharded by meeting key so one meeting's output keeps its
// order, and Submit never blocks: a full shard drops the job.
type Fanout struct {
	shards      []chan job
	wg          sync.WaitGroup
	callTimeout time.Duration
	broadcaster broadcast.Broadcaster
	store       store.Store
	metrics     *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func NewFanout(opts FanoutOptions) *Fanout {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	perShard := queueSize / workers
	if perShard < 1 {
		perShard = 1
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fanout{
		shards:      make([]chan job, workers),
		callTimeout: callTimeout,
		broadcaster: opts.Broadcaster,
		store:       opts.Store,
		metrics:     opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := range f.shards {
		f.shards[i] = make(chan job, perShard)
		f.wg.Add(1)
		go f.worker(i, f.shards[i])
	}
	f.metrics.SetQueueSource(f.QueueStats)
	return f
}

// QueueStats reports the current backlog of every shard.
func (f *Fanout) QueueStats() []observability.QueueStats {
	out := make([]observability.QueueStats, 0, len(f.shards))
	for i, q := range f.shards {
		out = append(out, observability.QueueStats{Shard: i, Depth: len(q), Capacity: cap(q)})
	}
	return out
}

func (f *Fanout) SubmitSegment(seg protocol.TranscriptSegment) {
	if f.broadcaster != nil {
		f.submit(job{sink: SinkBroadcast, kind: "segment", meetingKey: seg.MeetingKey, call: func(ctx context.Context) error {
			return f.broadcaster.BroadcastSegment(ctx, seg)
		}})
	}
	if f.store != nil {
		f.submit(job{sink: SinkStore, kind: "segment", meetingKey: seg.MeetingKey, call: func(ctx context.Context) error {
			return f.store.SaveSegment(ctx, seg)
		}})
	}
}

func (f *Fanout) SubmitParticipantEvents(meetingKey string, events []protocol.ParticipantEvent) {
	if len(events) == 0 {
		return
	}
	if f.broadcaster != nil {
		f.submit(job{sink: SinkBroadcast, kind: "participant_events", meetingKey: meetingKey, call: func(ctx context.Context) error {
			return f.broadcaster.BroadcastParticipantEvents(ctx, meetingKey, events)
		}})
	}
	if f.store != nil {
		f.submit(job{sink: SinkStore, kind: "participant_events", meetingKey: meetingKey, call: func(ctx context.Context) error {
			return f.store.SaveParticipantEvents(ctx, meetingKey, events)
		}})
	}
}

func (f *Fanout) SubmitStatus(notice protocol.StatusNotice) {
	if f.broadcaster != nil {
		f.submit(job{sink: SinkBroadcast, kind: "status", meetingKey: notice.MeetingKey, call: func(ctx context.Context) error {
			return f.broadcaster.BroadcastStatus(ctx, notice)
		}})
	}
	if f.store != nil {
		f.submit(job{sink: SinkStore, kind: "status", meetingKey: notice.MeetingKey, call: func(ctx context.Context) error {
			return f.store.SaveStatus(ctx, notice)
		}})
	}
}

func (f *Fanout) submit(j job) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		log.Printf("dispatch dropped sink=%s kind=%s meeting=%s reason=closed", j.sink, j.kind, j.meetingKey)
		f.metrics.ObserveDropped(j.sink)
		return false
	}
	idx := f.shardFor(j.meetingKey)
	select {
	case f.shards[idx] <- j:
		f.metrics.ObserveQueueDepth(idx, len(f.shards[idx]))
		return true
	default:
		log.Printf("dispatch dropped sink=%s kind=%s meeting=%s reason=queue_full", j.sink, j.kind, j.meetingKey)
		f.metrics.ObserveDropped(j.sink)
		return false
	}
}

func (f *Fanout) shardFor(meetingKey string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(meetingKey))
	return int(h.Sum32() % uint32(len(f.shards)))
}

func (f *Fanout) worker(shard int, queue <-chan job) {
	defer f.wg.Done()
	for j := range queue {
		f.metrics.ObserveQueueDepth(shard, len(queue))
		f.run(j)
	}
}

func (f *Fanout) run(j job) {
	ctx, cancel := context.WithTimeout(f.ctx, f.callTimeout)
	defer cancel()

	start := time.Now()
	err := f.call(ctx, j)
	f.metrics.ObserveDispatch(j.sink, time.Since(start), err)
	if err != nil {
		log.Printf("dispatch failed sink=%s kind=%s meeting=%s: %v", j.sink, j.kind, j.meetingKey, err)
	}
}

func (f *Fanout) call(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("sink panic")
			log.Printf("dispatch panic sink=%s kind=%s meeting=%s: %v", j.sink, j.kind, j.meetingKey, r)
		}
	}()
	return j.call(ctx)
}

// Close stops accepting work and waits for queued jobs to finish. When ctx
// ends first, in-flight calls are cancelled and ctx's error is returned.
func (f *Fanout) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, q := range f.shards {
		close(q)
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.cancel()
		return nil
	case <-ctx.Done():
		f.cancel()
		<-done
		return ctx.Err()
	}
}
