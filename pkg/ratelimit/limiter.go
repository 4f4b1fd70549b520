package ratelimit

import (
	"encoding/json"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/log"
	"github.com/truthgate/truthgate/pkg/metrics"
	"github.com/truthgate/truthgate/pkg/storage"
	"github.com/truthgate/truthgate/pkg/types"
)

// BucketFormat renders a UTC minute bucket as yyyyMMddHHmm.
const BucketFormat = "200601021504"

// Decision is the limiter's verdict for one request.
type Decision struct {
	Allow      bool
	Status     int // 403 or 429 when not allowed
	RetryAfter int // seconds; set on the 429 boundary
	Reason     string
}

var allow = Decision{Allow: true}

// ipCounters is one per-IP minute accumulator. Fields are mutated with
// atomics on the request path and read by the flusher.
type ipCounters struct {
	publicCalls        int64
	adminBadKeyCalls   int64
	adminGoodKeyCalls  int64
	gatewayCalls       int64
	gatewayOverageUsed int64
}

// Limiter implements the adaptive rate limiter: minute-bucket counters,
// tiered public limits, gateway overage, TLS-churn detection, bans,
// whitelists, and write-behind persistence.
type Limiter struct {
	opts   config.RateLimitConfig
	store  storage.Store
	logger zerolog.Logger

	// listMu guards bans and whitelists. Mutations write through to the
	// store; reads on the request path take the read lock only.
	listMu     sync.RWMutex
	bans       []*types.BanRecord
	whitelists []*types.WhitelistRecord

	// countersMu guards the two-level counter maps; the counters
	// themselves are atomics.
	countersMu sync.RWMutex
	perIP      map[string]map[string]*ipCounters // ip -> bucket -> counters
	global     map[string]*int64                 // bucket -> total

	// badKeyMu guards the 24h admin bad-key and ban-event windows.
	badKeyMu  sync.Mutex
	badKeys   map[string][]time.Time
	banEvents map[string][]time.Time

	churnMu sync.Mutex
	churn   map[string]*churnWindow

	nowFn  func() time.Time
	stopCh chan struct{}
}

// NewLimiter creates a limiter over the given store.
func NewLimiter(opts config.RateLimitConfig, store storage.Store) *Limiter {
	return &Limiter{
		opts:      opts,
		store:     store,
		logger:    log.WithComponent("ratelimit"),
		perIP:     make(map[string]map[string]*ipCounters),
		global:    make(map[string]*int64),
		badKeys:   make(map[string][]time.Time),
		banEvents: make(map[string][]time.Time),
		churn:     make(map[string]*churnWindow),
		nowFn:     time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start loads persisted bans/whitelists and launches the flusher and
// purge workers.
func (l *Limiter) Start() error {
	bans, err := l.store.ListBans()
	if err != nil {
		return err
	}
	wls, err := l.store.ListWhitelists()
	if err != nil {
		return err
	}
	l.listMu.Lock()
	l.bans = bans
	l.whitelists = wls
	l.listMu.Unlock()
	l.updateBanGauges()

	flushEvery := time.Duration(l.opts.FlushIntervalSeconds) * time.Second
	flushTicker := time.NewTicker(flushEvery)
	purgeTicker := time.NewTicker(10 * time.Minute)
	go func() {
		for {
			select {
			case <-flushTicker.C:
				if err := l.Flush(); err != nil {
					// Fail open for counters: the request path never
					// blocks on persistence.
					l.logger.Error().Err(err).Msg("counter flush failed")
				}
			case <-purgeTicker.C:
				l.purge()
			case <-l.stopCh:
				flushTicker.Stop()
				purgeTicker.Stop()
				return
			}
		}
	}()
	return nil
}

// Stop stops the background workers after a final flush.
func (l *Limiter) Stop() {
	close(l.stopCh)
	if err := l.Flush(); err != nil {
		l.logger.Error().Err(err).Msg("final flush failed")
	}
}

func (l *Limiter) now() time.Time {
	return l.nowFn()
}

func (l *Limiter) bucketNow() string {
	return l.now().UTC().Format(BucketFormat)
}

func (l *Limiter) counters(ip, bucket string) *ipCounters {
	l.countersMu.RLock()
	byBucket, ok := l.perIP[ip]
	if ok {
		if c, ok := byBucket[bucket]; ok {
			l.countersMu.RUnlock()
			return c
		}
	}
	l.countersMu.RUnlock()

	l.countersMu.Lock()
	defer l.countersMu.Unlock()
	byBucket, ok = l.perIP[ip]
	if !ok {
		byBucket = make(map[string]*ipCounters)
		l.perIP[ip] = byBucket
	}
	c, ok := byBucket[bucket]
	if !ok {
		c = &ipCounters{}
		byBucket[bucket] = c
	}
	return c
}

func (l *Limiter) globalCounter(bucket string) *int64 {
	l.countersMu.RLock()
	if c, ok := l.global[bucket]; ok {
		l.countersMu.RUnlock()
		return c
	}
	l.countersMu.RUnlock()

	l.countersMu.Lock()
	defer l.countersMu.Unlock()
	c, ok := l.global[bucket]
	if !ok {
		c = new(int64)
		l.global[bucket] = c
	}
	return c
}

// publicBudget returns the per-IP minute budget given the current global
// minute total. Tiers are sorted ascending; the last crossed tier wins.
func (l *Limiter) publicBudget(globalTotal int64) int64 {
	budget := l.opts.PublicTiers[0].NewPerMinute
	for _, t := range l.opts.PublicTiers {
		if globalTotal >= t.Threshold {
			budget = t.NewPerMinute
		}
	}
	return budget
}

// CheckPublic admits or rejects one public-limited call. Precedence:
// whitelist, then ban, then budget.
func (l *Limiter) CheckPublic(ip string) Decision {
	if l.IsWhitelisted(ip) {
		return allow
	}
	if banned, _ := l.BanFor(ip, types.ScopePublic); banned {
		metrics.RateLimited.WithLabelValues("public").Inc()
		return Decision{Status: 403, Reason: "banned"}
	}

	bucket := l.bucketNow()
	gc := l.globalCounter(bucket)
	budget := l.publicBudget(atomic.LoadInt64(gc))

	// Counters record admitted requests only; a rejected call leaves
	// both the per-IP and global totals untouched.
	c := l.counters(ip, bucket)
	if atomic.LoadInt64(&c.publicCalls) >= budget {
		metrics.RateLimited.WithLabelValues("public").Inc()
		// Boundary crossing: ban, answer 429 with Retry-After. Requests
		// during the ban never reach this point.
		l.addSoftBan(ip, types.ScopePublic, "public_budget_exceeded",
			time.Duration(l.opts.PublicBanMinutes)*time.Minute)
		return Decision{Status: 429, RetryAfter: l.opts.PublicBanMinutes * 60, Reason: "budget exceeded"}
	}
	atomic.AddInt64(&c.publicCalls, 1)
	atomic.AddInt64(gc, 1)
	return allow
}

// CheckGateway admits or rejects one content-proxy call. Authenticated
// callers are exempt and may earn an auto-whitelist.
func (l *Limiter) CheckGateway(ip string, authed bool) Decision {
	if authed {
		if l.opts.AutoWhitelistAuthedIPs && !l.IsWhitelisted(ip) {
			l.addAutoWhitelist(ip)
		}
		return allow
	}
	if l.IsWhitelisted(ip) {
		return allow
	}
	if banned, _ := l.BanFor(ip, types.ScopeGateway); banned {
		metrics.RateLimited.WithLabelValues("gateway").Inc()
		return Decision{Status: 403, Reason: "banned"}
	}

	bucket := l.bucketNow()
	c := l.counters(ip, bucket)
	if atomic.LoadInt64(&c.gatewayCalls) < l.opts.GatewayFreePerMinute {
		atomic.AddInt64(&c.gatewayCalls, 1)
		atomic.AddInt64(l.globalCounter(bucket), 1)
		return allow
	}

	// Free budget exhausted: draw from the hourly sliding overage.
	// Counters move only for admitted requests.
	if l.overageUsedLastHour(ip) < l.opts.GatewayOveragePerHour {
		atomic.AddInt64(&c.gatewayCalls, 1)
		atomic.AddInt64(&c.gatewayOverageUsed, 1)
		atomic.AddInt64(l.globalCounter(bucket), 1)
		return allow
	}

	metrics.RateLimited.WithLabelValues("gateway").Inc()
	l.addSoftBan(ip, types.ScopeGateway, "gateway_budget_exceeded",
		time.Duration(l.opts.GatewayBanMinutes)*time.Minute)
	return Decision{Status: 403, Reason: "budget exceeded"}
}

// overageUsedLastHour sums gatewayOverageUsed across the sliding hour.
func (l *Limiter) overageUsedLastHour(ip string) int64 {
	l.countersMu.RLock()
	byBucket, ok := l.perIP[ip]
	l.countersMu.RUnlock()
	if !ok {
		return 0
	}
	var total int64
	now := l.now().UTC()
	for i := 0; i < 60; i++ {
		bucket := now.Add(-time.Duration(i) * time.Minute).Format(BucketFormat)
		l.countersMu.RLock()
		c, ok := byBucket[bucket]
		l.countersMu.RUnlock()
		if ok {
			total += atomic.LoadInt64(&c.gatewayOverageUsed)
		}
	}
	return total
}

// NoteAdminBadKey records a failed admin key presentation and returns
// whether the IP is now banned on the admin surface.
func (l *Limiter) NoteAdminBadKey(ip string) bool {
	bucket := l.bucketNow()
	c := l.counters(ip, bucket)
	atomic.AddInt64(&c.adminBadKeyCalls, 1)

	now := l.now()
	cutoff := now.Add(-24 * time.Hour)

	l.badKeyMu.Lock()
	times := append(pruneTimes(l.badKeys[ip], cutoff), now)
	l.badKeys[ip] = times
	crossed := int64(len(times)) >= l.opts.AdminBadKeyThreshold
	var factor int
	var promote bool
	if crossed {
		l.badKeys[ip] = nil // reset the window on each crossing
		events := append(pruneTimes(l.banEvents[ip], cutoff), now)
		l.banEvents[ip] = events
		factor, promote = l.escalation(len(events))
	}
	l.badKeyMu.Unlock()

	if !crossed {
		return false
	}

	duration := time.Duration(l.opts.AdminBanMinutes) * time.Minute * time.Duration(factor)
	if promote {
		l.addTrueBan(ip, types.ScopeAdmin, "admin_bad_key_escalated")
	} else {
		l.addSoftBan(ip, types.ScopeAdmin, "admin_bad_key_threshold", duration)
	}
	return true
}

// escalation returns the duration multiplier for the nth admin ban in
// 24h, and whether to promote to a true ban. Escalation is off unless
// factors are configured.
func (l *Limiter) escalation(nthEvent int) (factor int, promote bool) {
	factors := l.opts.EscalationFactors
	if len(factors) == 0 || nthEvent <= 1 {
		return 1, false
	}
	idx := nthEvent - 2
	if idx >= len(factors) {
		return factors[len(factors)-1], true
	}
	return factors[idx], false
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// NoteAdminGoodKey records a grace refresh for a valid admin key call.
// The grace table is schema-reserved and never consulted for admission.
func (l *Limiter) NoteAdminGoodKey(ip, keyHash string) {
	bucket := l.bucketNow()
	c := l.counters(ip, bucket)
	atomic.AddInt64(&c.adminGoodKeyCalls, 1)

	rec := &types.GraceRecord{
		IP:         ip,
		KeyHash:    keyHash,
		ExpiresUTC: l.now().Add(24 * time.Hour).UTC(),
	}
	if err := l.store.PutGrace(rec); err != nil {
		l.logger.Debug().Err(err).Msg("grace write failed")
	}
}

// Flush persists the in-memory accumulators. Idempotent: flushing twice
// with no intervening requests writes identical state.
func (l *Limiter) Flush() error {
	type ipSnap struct {
		ip, bucket string
		c          *ipCounters
	}
	var snaps []ipSnap
	var globals []types.GlobalCounterRecord

	l.countersMu.RLock()
	for ip, byBucket := range l.perIP {
		for bucket, c := range byBucket {
			snaps = append(snaps, ipSnap{ip, bucket, c})
		}
	}
	for bucket, c := range l.global {
		globals = append(globals, types.GlobalCounterRecord{Bucket: bucket, TotalCalls: atomic.LoadInt64(c)})
	}
	l.countersMu.RUnlock()

	for _, s := range snaps {
		rec := &types.IPCounterRecord{
			IP:                 s.ip,
			Bucket:             s.bucket,
			PublicCalls:        atomic.LoadInt64(&s.c.publicCalls),
			AdminBadKeyCalls:   atomic.LoadInt64(&s.c.adminBadKeyCalls),
			AdminGoodKeyCalls:  atomic.LoadInt64(&s.c.adminGoodKeyCalls),
			GatewayCalls:       atomic.LoadInt64(&s.c.gatewayCalls),
			GatewayOverageUsed: atomic.LoadInt64(&s.c.gatewayOverageUsed),
		}
		if err := l.store.PutIPCounter(rec); err != nil {
			return err
		}
	}
	for i := range globals {
		if err := l.store.PutGlobalCounter(&globals[i]); err != nil {
			return err
		}
	}
	return nil
}

// purge evicts expired bans, whitelists, stale churn windows, and
// counters older than retention.
func (l *Limiter) purge() {
	now := l.now()

	l.listMu.Lock()
	liveBans := l.bans[:0]
	for _, b := range l.bans {
		if b.ExpiresUTC.After(now) {
			liveBans = append(liveBans, b)
		} else if err := l.store.DeleteBan(b.ID); err != nil {
			l.logger.Debug().Err(err).Str("ban", b.ID).Msg("ban delete failed")
		}
	}
	l.bans = liveBans
	liveWLs := l.whitelists[:0]
	for _, w := range l.whitelists {
		if w.ExpiresUTC == nil || w.ExpiresUTC.After(now) {
			liveWLs = append(liveWLs, w)
		} else if err := l.store.DeleteWhitelist(w.ID); err != nil {
			l.logger.Debug().Err(err).Str("whitelist", w.ID).Msg("whitelist delete failed")
		}
	}
	l.whitelists = liveWLs
	l.listMu.Unlock()
	l.updateBanGauges()

	retention := time.Duration(l.opts.RetentionHours) * time.Hour
	limit := now.UTC().Add(-retention).Format(BucketFormat)
	l.countersMu.Lock()
	for ip, byBucket := range l.perIP {
		for bucket := range byBucket {
			if bucket < limit {
				delete(byBucket, bucket)
			}
		}
		if len(byBucket) == 0 {
			delete(l.perIP, ip)
		}
	}
	for bucket := range l.global {
		if bucket < limit {
			delete(l.global, bucket)
		}
	}
	l.countersMu.Unlock()
	if err := l.store.DeleteCountersBefore(limit); err != nil {
		l.logger.Error().Err(err).Msg("counter retention purge failed")
	}
	if err := l.store.DeleteGraceBefore(now); err != nil {
		l.logger.Debug().Err(err).Msg("grace purge failed")
	}

	l.churnMu.Lock()
	for ip, w := range l.churn {
		if now.Sub(w.windowStart) > 10*time.Minute {
			delete(l.churn, ip)
		}
	}
	l.churnMu.Unlock()
}

// Audit appends an administrative action to the audit trail.
func (l *Limiter) Audit(actor, action, target string, details any) {
	rec := &types.AuditRecord{
		ID:     uuid.New().String(),
		TS:     l.now().UTC(),
		Actor:  actor,
		Action: action,
		Target: target,
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			rec.DetailsJSON = string(data)
		}
	}
	if err := l.store.AppendAudit(rec); err != nil {
		l.logger.Debug().Err(err).Str("action", action).Msg("audit write failed")
	}
}

// ipv6Prefix64 returns the /64 prefix string for an IPv6 address, or ""
// for IPv4.
func ipv6Prefix64(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() != nil {
		return ""
	}
	v6 := parsed.To16()
	masked := v6.Mask(net.CIDRMask(64, 128))
	return masked.String() + "/64"
}

// normalizeIP strips a port or zone if present.
func normalizeIP(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if i := strings.IndexByte(ip, '%'); i >= 0 {
		ip = ip[:i]
	}
	return ip
}
