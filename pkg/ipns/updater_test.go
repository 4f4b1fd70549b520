package ipns

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakePublisher records publish calls and can fail on demand.
type fakePublisher struct {
	mu    sync.Mutex
	calls []string // "key cid"
	errs  map[string]error
	delay time.Duration
}

func (f *fakePublisher) NamePublish(ctx context.Context, key, cid string, lifetime, ttl time.Duration) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, key+" "+cid)
	err := f.errs[key]
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "peer-" + key, nil
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// TestSubmitAndWait tests the happy path outcome
func TestSubmitAndWait(t *testing.T) {
	pub := &fakePublisher{}
	u := NewUpdater(pub, 2, time.Minute)
	u.Start()
	defer u.Stop(time.Second)

	fl := u.Submit("example.com", "QmNew")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := fl.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Err != nil {
		t.Fatalf("outcome err = %v", out.Err)
	}
	if out.PeerID != "peer-example.com" || out.Cid != "QmNew" {
		t.Errorf("outcome = %+v", out)
	}
}

// TestSubmitCoalesces tests that a key in flight gets one publish
func TestSubmitCoalesces(t *testing.T) {
	pub := &fakePublisher{delay: 100 * time.Millisecond}
	u := NewUpdater(pub, 2, 50*time.Millisecond)
	u.Start()
	defer u.Stop(time.Second)

	first := u.Submit("example.com", "QmA")
	second := u.Submit("example.com", "QmB")
	if first != second {
		t.Fatal("second submit did not coalesce onto the in-flight publish")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := first.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := pub.callCount(); n != 1 {
		t.Errorf("publish calls = %d, want 1", n)
	}

	// After the flight completes a new submit starts a fresh one.
	third := u.Submit("example.com", "QmC")
	if third == first {
		t.Error("completed flight reused")
	}
	if _, err := third.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

// TestFailureOutcome tests that non-transient errors surface without retry
func TestFailureOutcome(t *testing.T) {
	bad := errors.New("key not found")
	pub := &fakePublisher{errs: map[string]error{"broken": bad}}
	u := NewUpdater(pub, 1, time.Minute)
	u.Start()
	defer u.Stop(time.Second)

	fl := u.Submit("broken", "QmX")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := fl.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !errors.Is(out.Err, bad) {
		t.Errorf("outcome err = %v, want %v", out.Err, bad)
	}
	if n := pub.callCount(); n != 1 {
		t.Errorf("publish calls = %d, want 1 (no retry on non-transient failure)", n)
	}
}

// TestCooldownDoesNotStallOtherKeys tests that a key waiting out its
// cooldown leaves the worker free for other keys
func TestCooldownDoesNotStallOtherKeys(t *testing.T) {
	pub := &fakePublisher{}
	u := NewUpdater(pub, 1, time.Minute)
	u.Start()
	defer u.Stop(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := u.Submit("hot.example", "QmA")
	if _, err := first.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// This one now sits in its cooldown window.
	held := u.Submit("hot.example", "QmB")

	other := u.Submit("other.example", "QmC")
	out, err := other.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.Err != nil {
		t.Fatalf("outcome err = %v", out.Err)
	}

	select {
	case <-held.done:
		t.Error("cooled-down publish completed before its window elapsed")
	default:
	}
}

// TestIndependentKeysRunConcurrently tests that distinct keys do not serialize
func TestIndependentKeysRunConcurrently(t *testing.T) {
	var inflight, peak int64
	pub := &concurrencyTracker{inflight: &inflight, peak: &peak}
	u := NewUpdater(pub, 4, time.Minute)
	u.Start()
	defer u.Stop(time.Second)

	flights := []*Flight{
		u.Submit("a.example", "QmA"),
		u.Submit("b.example", "QmB"),
		u.Submit("c.example", "QmC"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, fl := range flights {
		if _, err := fl.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if atomic.LoadInt64(&peak) < 2 {
		t.Errorf("peak concurrency = %d, want at least 2", peak)
	}
}

type concurrencyTracker struct {
	inflight *int64
	peak     *int64
}

func (p *concurrencyTracker) NamePublish(ctx context.Context, key, cid string, lifetime, ttl time.Duration) (string, error) {
	n := atomic.AddInt64(p.inflight, 1)
	for {
		old := atomic.LoadInt64(p.peak)
		if n <= old || atomic.CompareAndSwapInt64(p.peak, old, n) {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	atomic.AddInt64(p.inflight, -1)
	return "peer", nil
}
