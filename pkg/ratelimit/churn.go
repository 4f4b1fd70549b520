package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/truthgate/truthgate/pkg/types"
)

// churnWindow observes one IP's TLS connection churn: many new
// connections per second with few requests per connection is the
// signature of handshake abuse.
type churnWindow struct {
	lim         *rate.Limiter
	windowStart time.Time
	newConns    int64
	requests    int64
	exceeded    bool
}

// RecordConnection notes a new TLS connection from ip and evaluates the
// window when it closes.
func (l *Limiter) RecordConnection(ip string) {
	ip = normalizeIP(ip)
	now := l.now()
	windowLen := time.Duration(l.opts.ChurnWindowSeconds) * time.Second

	l.churnMu.Lock()
	w, ok := l.churn[ip]
	if !ok {
		w = &churnWindow{
			lim:         rate.NewLimiter(rate.Limit(l.opts.ChurnNewConnPerSec), int(l.opts.ChurnNewConnPerSec)+1),
			windowStart: now,
		}
		l.churn[ip] = w
	}
	w.newConns++
	if !w.lim.Allow() {
		w.exceeded = true
	}

	var ban bool
	if now.Sub(w.windowStart) >= windowLen {
		ban = l.evaluateChurnLocked(w)
		w.windowStart = now
		w.newConns = 0
		w.requests = 0
		w.exceeded = false
	}
	l.churnMu.Unlock()

	if ban {
		l.addSoftBan(ip, types.ScopeGateway, "tls_churn",
			time.Duration(l.opts.GatewayBanMinutes)*time.Minute)
	}
}

// RecordRequest notes one request arriving over an existing connection.
func (l *Limiter) RecordRequest(ip string) {
	ip = normalizeIP(ip)
	l.churnMu.Lock()
	if w, ok := l.churn[ip]; ok {
		w.requests++
	}
	l.churnMu.Unlock()
}

// evaluateChurnLocked decides whether the closed window was abusive:
// the connection rate exceeded the threshold while the average requests
// per connection stayed below the floor.
func (l *Limiter) evaluateChurnLocked(w *churnWindow) bool {
	if !w.exceeded || w.newConns == 0 {
		return false
	}
	avg := float64(w.requests) / float64(w.newConns)
	return avg < l.opts.ChurnMinAvgReqPerConn
}
