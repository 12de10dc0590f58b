package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	leaves int
	err    error
	panics bool
}

func (c *fakeConn) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves++
	if c.panics {
		panic("socket already gone")
	}
	return c.err
}

func (c *fakeConn) leaveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaves
}

func TestRegistryStartRejectsDuplicate(t *testing.T) {
	r := NewRegistry(time.Minute)
	first := &fakeConn{}
	s, err := r.Start("m1", "s1", "op", first)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.MeetingKey != "m1" || s.StreamKey != "s1" || s.OperatorID != "op" {
		t.Fatalf("unexpected session identity: %+v", s.Info())
	}

	if _, err := r.Start("m1", "s2", "", &fakeConn{}); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("duplicate Start() error = %v, want ErrAlreadyActive", err)
	}
	got, ok := r.Get("m1")
	if !ok || got != s {
		t.Fatalf("Get() returned %v, %v; want the original session", got, ok)
	}
	if got.StreamKey != "s1" {
		t.Fatalf("StreamKey = %q, want s1", got.StreamKey)
	}
	if first.leaveCount() != 0 {
		t.Fatalf("original connection closed by duplicate start")
	}
	if _, err := r.Start("", "s1", "", nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Start(\"\") error = %v, want ErrInvalidKey", err)
	}
}

func TestRegistryConcurrentStartHasOneWinner(t *testing.T) {
	r := NewRegistry(time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Start("m1", "s1", "", &fakeConn{}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", r.ActiveCount())
	}
}

func TestRegistryStopIsIdempotent(t *testing.T) {
	r := NewRegistry(time.Minute)
	conn := &fakeConn{}
	if _, err := r.Start("m1", "s1", "", conn); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s, ok, err := r.Stop("m1")
	if !ok || err != nil {
		t.Fatalf("Stop() = %v, %v; want stopped without error", ok, err)
	}
	if !s.Stopping() {
		t.Fatalf("session not marked stopping")
	}
	if _, ok, _ := r.Stop("m1"); ok {
		t.Fatalf("second Stop() reported a session")
	}
	if _, ok, _ := r.Stop("never-started"); ok {
		t.Fatalf("Stop() on unknown key reported a session")
	}
	if conn.leaveCount() != 1 {
		t.Fatalf("Leave calls = %d, want 1", conn.leaveCount())
	}
	if _, ok := r.Get("m1"); ok {
		t.Fatalf("session still registered after Stop()")
	}
}

func TestRegistryStopReportsCloseFailure(t *testing.T) {
	r := NewRegistry(time.Minute)
	if _, err := r.Start("m1", "s1", "", &fakeConn{err: errors.New("already closed")}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_, ok, err := r.Stop("m1")
	if !ok || err == nil {
		t.Fatalf("Stop() = %v, %v; want stopped with error", ok, err)
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", r.ActiveCount())
	}
}

func TestRegistryRemoveOnlyMatchingSession(t *testing.T) {
	r := NewRegistry(time.Minute)
	old, _ := r.Start("m1", "s1", "", &fakeConn{})
	if _, _, err := r.Stop("m1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	fresh, err := r.Start("m1", "s2", "", &fakeConn{})
	if err != nil {
		t.Fatalf("restart error = %v", err)
	}

	if r.Remove("m1", old) {
		t.Fatalf("Remove() with stale session removed the fresh one")
	}
	if got, _ := r.Get("m1"); got != fresh {
		t.Fatalf("Get() = %v, want fresh session", got)
	}
	if !r.Remove("m1", fresh) {
		t.Fatalf("Remove() with current session returned false")
	}
}

func TestRegistryStopAllIsolatesFailures(t *testing.T) {
	r := NewRegistry(time.Minute)
	good := &fakeConn{}
	bad := &fakeConn{err: errors.New("boom")}
	panicky := &fakeConn{panics: true}
	for key, conn := range map[string]*fakeConn{"a": good, "b": bad, "c": panicky} {
		if _, err := r.Start(key, "s-"+key, "", conn); err != nil {
			t.Fatalf("Start(%s) error = %v", key, err)
		}
	}

	stopped, errs := r.StopAll()
	if len(stopped) != 3 {
		t.Fatalf("stopped = %d, want 3", len(stopped))
	}
	if len(errs) != 2 {
		t.Fatalf("errors = %d (%v), want 2", len(errs), errs)
	}
	for _, s := range stopped {
		if !s.Stopping() {
			t.Fatalf("session %s not marked stopping", s.MeetingKey)
		}
	}
	if good.leaveCount() != 1 || bad.leaveCount() != 1 || panicky.leaveCount() != 1 {
		t.Fatalf("each connection must be closed once")
	}
	if r.ActiveCount() != 0 || len(r.Keys()) != 0 {
		t.Fatalf("registry not empty after StopAll()")
	}
}

func TestRegistryJanitorReapsUnjoined(t *testing.T) {
	r := NewRegistry(30 * time.Millisecond)
	expired := make(chan string, 2)
	r.SetExpireHook(func(s *Session) { expired <- s.MeetingKey })

	stuck := &fakeConn{}
	if _, err := r.Start("stuck", "s1", "", stuck); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	live, err := r.Start("live", "s2", "", &fakeConn{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	live.MarkJoined(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case key := <-expired:
		if key != "stuck" {
			t.Fatalf("expired %q, want stuck", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor did not reap the unjoined session")
	}
	if _, ok := r.Get("stuck"); ok {
		t.Fatalf("stuck session still registered")
	}
	if _, ok := r.Get("live"); !ok {
		t.Fatalf("joined session was reaped")
	}
	if stuck.leaveCount() != 1 {
		t.Fatalf("stuck connection Leave calls = %d, want 1", stuck.leaveCount())
	}
}

func TestRegistryKeysSorted(t *testing.T) {
	r := NewRegistry(time.Minute)
	for _, key := range []string{"c", "a", "b"} {
		if _, err := r.Start(key, "", "", nil); err != nil {
			t.Fatalf("Start(%s) error = %v", key, err)
		}
	}
	keys := r.Keys()
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("Keys() = %v, want [a b c]", keys)
	}
	if infos := r.Snapshot(); len(infos) != 3 || infos[0].MeetingKey != "a" {
		t.Fatalf("Snapshot() = %+v", infos)
	}
}

func TestRegistryRestartContinuesSequence(t *testing.T) {
	r := NewRegistry(time.Minute)
	first, err := r.Start("m1", "s1", "", &fakeConn{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first.AcceptTranscript("1", "Ann")
	first.AcceptTranscript("1", "Ann")
	if _, _, err := r.Stop("m1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, ok := first.AcceptTranscript("1", "Ann"); ok {
		t.Fatalf("stopped session still numbers segments")
	}

	second, err := r.Start("m1", "s2", "", &fakeConn{})
	if err != nil {
		t.Fatalf("restart Start() error = %v", err)
	}
	tr, ok := second.AcceptTranscript("1", "Ann")
	if !ok || tr.SeqNo != 3 {
		t.Fatalf("restarted SeqNo = %d (%v), want 3", tr.SeqNo, ok)
	}

	// A session removed on upstream end is sealed the same way.
	if !r.Remove("m1", second) {
		t.Fatalf("Remove() = false")
	}
	third, _ := r.Start("m1", "s3", "", &fakeConn{})
	if tr, _ := third.AcceptTranscript("", ""); tr.SeqNo != 4 {
		t.Fatalf("SeqNo after Remove = %d, want 4", tr.SeqNo)
	}

	other, _ := r.Start("m2", "s1", "", &fakeConn{})
	if tr, _ := other.AcceptTranscript("", ""); tr.SeqNo != 1 {
		t.Fatalf("other meeting SeqNo = %d, want 1", tr.SeqNo)
	}
}
