package ipns

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/truthgate/truthgate/pkg/log"
	"github.com/truthgate/truthgate/pkg/metrics"
	"github.com/truthgate/truthgate/pkg/node"
)

const (
	// DefaultWorkers bounds concurrent publishes.
	DefaultWorkers = 4
	// DefaultCooldown is the minimum gap between successful publishes
	// of the same key.
	DefaultCooldown = 10 * time.Minute

	publishLifetime = 24 * time.Hour
	publishTTL      = time.Minute
	maxAttempts     = 5
)

// Publisher is the slice of the node client the updater needs.
type Publisher interface {
	NamePublish(ctx context.Context, key, cid string, lifetime, ttl time.Duration) (string, error)
}

// Outcome is the terminal result of one publish request.
type Outcome struct {
	Key    string
	Cid    string
	PeerID string
	Err    error
}

// Flight tracks one in-progress publish. Requests for a key already in
// flight coalesce onto the same Flight.
type Flight struct {
	done    chan struct{}
	outcome Outcome
}

// Wait blocks until the publish reaches a terminal state or ctx ends.
func (f *Flight) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type request struct {
	key    string
	cid    string
	flight *Flight
}

// Updater is the bounded-concurrency IPNS publish pool with per-key
// cooldown and at-most-one-in-flight-per-key semantics.
type Updater struct {
	node     Publisher
	workers  int
	cooldown time.Duration
	logger   zerolog.Logger

	queue chan *request

	mu          sync.Mutex
	inflight    map[string]*Flight
	lastSuccess map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewUpdater creates an updater over the given publisher.
func NewUpdater(n Publisher, workers int, cooldown time.Duration) *Updater {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Updater{
		node:        n,
		workers:     workers,
		cooldown:    cooldown,
		logger:      log.WithComponent("ipns"),
		queue:       make(chan *request, 64),
		inflight:    make(map[string]*Flight),
		lastSuccess: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the worker pool.
func (u *Updater) Start() {
	for i := 0; i < u.workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
}

// Stop signals shutdown and drains in-flight publishes up to the grace
// period.
func (u *Updater) Stop(grace time.Duration) {
	close(u.stopCh)
	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		u.logger.Warn().Msg("shutdown grace period elapsed with publishes in flight")
	}
}

// Submit queues a publish for the key, coalescing onto an existing
// in-flight publish of the same key.
func (u *Updater) Submit(key, cid string) *Flight {
	u.mu.Lock()
	if fl, ok := u.inflight[key]; ok {
		u.mu.Unlock()
		return fl
	}
	fl := &Flight{done: make(chan struct{})}
	u.inflight[key] = fl
	u.mu.Unlock()

	select {
	case u.queue <- &request{key: key, cid: cid, flight: fl}:
	case <-u.stopCh:
		u.finish(key, fl, Outcome{Key: key, Cid: cid, Err: context.Canceled})
	}
	return fl
}

func (u *Updater) worker() {
	defer u.wg.Done()
	for {
		select {
		case req := <-u.queue:
			u.process(req)
		case <-u.stopCh:
			// Drain whatever is already queued, then exit.
			select {
			case req := <-u.queue:
				u.process(req)
			default:
				return
			}
		}
	}
}

func (u *Updater) process(req *request) {
	// Honor the per-key cooldown without parking a worker on it: the
	// request goes back on the queue once the cooldown elapses.
	if wait := u.cooldownRemaining(req.key); wait > 0 {
		u.requeueAfter(req, wait)
		return
	}

	bo := &backoff.Backoff{Min: 2 * time.Second, Max: u.cooldown, Factor: 2, Jitter: true}
	var peerID string
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		peerID, err = u.node.NamePublish(ctx, req.key, req.cid, publishLifetime, publishTTL)
		cancel()
		if err == nil || !node.IsTransient(err) {
			break
		}
		wait := bo.Duration()
		u.logger.Warn().Err(err).Str("key", req.key).Int("attempt", attempt).Dur("backoff", wait).Msg("publish retry")
		select {
		case <-time.After(wait):
		case <-u.stopCh:
			u.finish(req.key, req.flight, Outcome{Key: req.key, Cid: req.cid, Err: context.Canceled})
			return
		}
	}

	outcome := Outcome{Key: req.key, Cid: req.cid, PeerID: peerID, Err: err}
	if err == nil {
		metrics.IpnsPublishes.WithLabelValues("ok").Inc()
		u.mu.Lock()
		u.lastSuccess[req.key] = time.Now()
		u.mu.Unlock()
		u.logger.Info().Str("key", req.key).Str("cid", req.cid).Msg("published")
	} else {
		metrics.IpnsPublishes.WithLabelValues("error").Inc()
		u.logger.Error().Err(err).Str("key", req.key).Str("cid", req.cid).Msg("publish failed")
	}
	u.finish(req.key, req.flight, outcome)
}

// requeueAfter re-enqueues a cooled-down request once its wait elapses.
func (u *Updater) requeueAfter(req *request, wait time.Duration) {
	time.AfterFunc(wait, func() {
		select {
		case u.queue <- req:
		case <-u.stopCh:
			u.finish(req.key, req.flight, Outcome{Key: req.key, Cid: req.cid, Err: context.Canceled})
		}
	})
}

func (u *Updater) cooldownRemaining(key string) time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	last, ok := u.lastSuccess[key]
	if !ok {
		return 0
	}
	remaining := u.cooldown - time.Since(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (u *Updater) finish(key string, fl *Flight, outcome Outcome) {
	u.mu.Lock()
	if u.inflight[key] == fl {
		delete(u.inflight, key)
	}
	u.mu.Unlock()
	fl.outcome = outcome
	close(fl.done)
}
