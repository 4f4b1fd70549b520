package ratelimit

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/truthgate/truthgate/pkg/metrics"
	"github.com/truthgate/truthgate/pkg/types"
)

// IsWhitelisted reports whether the IP (or its /64 prefix) is covered by
// a live whitelist entry. Whitelists take precedence over everything.
func (l *Limiter) IsWhitelisted(ip string) bool {
	ip = normalizeIP(ip)
	prefix := ipv6Prefix64(ip)
	now := l.now()

	l.listMu.RLock()
	defer l.listMu.RUnlock()
	for _, w := range l.whitelists {
		if w.ExpiresUTC != nil && !w.ExpiresUTC.After(now) {
			continue
		}
		if w.IP != "" && w.IP == ip {
			return true
		}
		if w.IPv6Prefix != "" && prefix != "" && w.IPv6Prefix == prefix {
			return true
		}
	}
	return false
}

// BanFor returns the live ban covering the IP in the given scope, if
// any. Global-scope bans cover every surface.
func (l *Limiter) BanFor(ip string, scope types.BanScope) (bool, *types.BanRecord) {
	ip = normalizeIP(ip)
	prefix := ipv6Prefix64(ip)
	now := l.now()

	l.listMu.RLock()
	defer l.listMu.RUnlock()
	for _, b := range l.bans {
		if !b.ExpiresUTC.After(now) {
			continue
		}
		if b.Scope != scope && b.Scope != types.ScopeGlobal {
			continue
		}
		if b.IP != "" && b.IP == ip {
			return true, b
		}
		if b.IPv6Prefix != "" && prefix != "" && b.IPv6Prefix == prefix {
			return true, b
		}
	}
	return false, nil
}

func (l *Limiter) addSoftBan(ip string, scope types.BanScope, reason string, duration time.Duration) {
	l.addBan(&types.BanRecord{
		ID:         uuid.New().String(),
		IP:         normalizeIP(ip),
		Scope:      scope,
		Type:       types.BanSoft,
		ReasonCode: reason,
		CreatedUTC: l.now().UTC(),
		ExpiresUTC: l.now().Add(duration).UTC(),
	})
}

func (l *Limiter) addTrueBan(ip string, scope types.BanScope, reason string) {
	l.addBan(&types.BanRecord{
		ID:         uuid.New().String(),
		IP:         normalizeIP(ip),
		Scope:      scope,
		Type:       types.BanTrue,
		ReasonCode: reason,
		CreatedUTC: l.now().UTC(),
		ExpiresUTC: l.now().Add(10 * 365 * 24 * time.Hour).UTC(),
		IsTrueBan:  true,
	})
}

// addBan installs a ban unless an identical live one already covers the
// IP+scope. Bans are written through to the store on mutation.
func (l *Limiter) addBan(ban *types.BanRecord) {
	now := l.now()
	l.listMu.Lock()
	for _, b := range l.bans {
		if b.IP == ban.IP && b.Scope == ban.Scope && b.ExpiresUTC.After(now) {
			l.listMu.Unlock()
			return
		}
	}
	l.bans = append(l.bans, ban)
	l.listMu.Unlock()

	if err := l.store.PutBan(ban); err != nil {
		// Enforced from memory even if the write fails.
		l.logger.Error().Err(err).Str("ip", ban.IP).Msg("ban persist failed")
	}
	l.logger.Warn().
		Str("ip", ban.IP).
		Str("scope", string(ban.Scope)).
		Str("reason", ban.ReasonCode).
		Time("expires", ban.ExpiresUTC).
		Msg("ban added")
	l.updateBanGauges()
}

// BanIP installs a manual soft ban for an exact IP.
func (l *Limiter) BanIP(ip string, scope types.BanScope, reason string, duration time.Duration) {
	l.addSoftBan(ip, scope, reason, duration)
}

// AddPrefixBan installs a manual IPv6 /64 prefix ban.
func (l *Limiter) AddPrefixBan(prefix string, scope types.BanScope, reason string, duration time.Duration) {
	ban := &types.BanRecord{
		ID:         uuid.New().String(),
		IPv6Prefix: prefix,
		Scope:      scope,
		Type:       types.BanSoft,
		ReasonCode: reason,
		CreatedUTC: l.now().UTC(),
		ExpiresUTC: l.now().Add(duration).UTC(),
	}
	l.listMu.Lock()
	l.bans = append(l.bans, ban)
	l.listMu.Unlock()
	if err := l.store.PutBan(ban); err != nil {
		l.logger.Error().Err(err).Str("prefix", prefix).Msg("ban persist failed")
	}
	l.updateBanGauges()
}

// Unban clears all matching bans across scopes and resets the IP's
// current window counters.
func (l *Limiter) Unban(ip string) {
	ip = normalizeIP(ip)
	l.listMu.Lock()
	live := l.bans[:0]
	for _, b := range l.bans {
		if b.IP == ip {
			continue
		}
		live = append(live, b)
	}
	l.bans = live
	l.listMu.Unlock()

	if err := l.store.DeleteBansForIP(ip); err != nil {
		l.logger.Error().Err(err).Str("ip", ip).Msg("unban persist failed")
	}

	// Reset the current minute so the next request starts clean.
	bucket := l.bucketNow()
	l.countersMu.RLock()
	byBucket, ok := l.perIP[ip]
	if ok {
		if c, ok := byBucket[bucket]; ok {
			atomic.StoreInt64(&c.publicCalls, 0)
			atomic.StoreInt64(&c.gatewayCalls, 0)
			atomic.StoreInt64(&c.gatewayOverageUsed, 0)
			atomic.StoreInt64(&c.adminBadKeyCalls, 0)
		}
	}
	l.countersMu.RUnlock()

	l.badKeyMu.Lock()
	delete(l.badKeys, ip)
	delete(l.banEvents, ip)
	l.badKeyMu.Unlock()

	l.updateBanGauges()
}

// AddWhitelist installs a manual whitelist entry for an exact IP or an
// IPv6 /64 prefix (written as addr/64).
func (l *Limiter) AddWhitelist(ipOrPrefix, reason string, days int) *types.WhitelistRecord {
	wl := &types.WhitelistRecord{
		ID:         uuid.New().String(),
		Reason:     reason,
		CreatedUTC: l.now().UTC(),
	}
	if len(ipOrPrefix) > 3 && ipOrPrefix[len(ipOrPrefix)-3:] == "/64" {
		wl.IPv6Prefix = ipOrPrefix
	} else {
		wl.IP = normalizeIP(ipOrPrefix)
	}
	if days > 0 {
		exp := l.now().Add(time.Duration(days) * 24 * time.Hour).UTC()
		wl.ExpiresUTC = &exp
	}

	l.listMu.Lock()
	l.whitelists = append(l.whitelists, wl)
	l.listMu.Unlock()

	if err := l.store.PutWhitelist(wl); err != nil {
		l.logger.Error().Err(err).Str("ip", wl.IP).Msg("whitelist persist failed")
	}
	return wl
}

func (l *Limiter) addAutoWhitelist(ip string) {
	ip = normalizeIP(ip)
	exp := l.now().Add(time.Duration(l.opts.AutoWhitelistDays) * 24 * time.Hour).UTC()
	wl := &types.WhitelistRecord{
		ID:         uuid.New().String(),
		IP:         ip,
		Reason:     "authenticated gateway caller",
		CreatedUTC: l.now().UTC(),
		ExpiresUTC: &exp,
		Auto:       true,
	}
	l.listMu.Lock()
	l.whitelists = append(l.whitelists, wl)
	l.listMu.Unlock()
	if err := l.store.PutWhitelist(wl); err != nil {
		l.logger.Debug().Err(err).Str("ip", ip).Msg("auto-whitelist persist failed")
	}
}

// RemoveWhitelist clears all whitelist entries for an IP.
func (l *Limiter) RemoveWhitelist(ip string) {
	ip = normalizeIP(ip)
	l.listMu.Lock()
	live := l.whitelists[:0]
	for _, w := range l.whitelists {
		if w.IP == ip {
			continue
		}
		live = append(live, w)
	}
	l.whitelists = live
	l.listMu.Unlock()
	if err := l.store.DeleteWhitelistsForIP(ip); err != nil {
		l.logger.Error().Err(err).Str("ip", ip).Msg("whitelist delete failed")
	}
}

// ListBans returns the live bans.
func (l *Limiter) ListBans() []*types.BanRecord {
	now := l.now()
	l.listMu.RLock()
	defer l.listMu.RUnlock()
	out := make([]*types.BanRecord, 0, len(l.bans))
	for _, b := range l.bans {
		if b.ExpiresUTC.After(now) {
			out = append(out, b)
		}
	}
	return out
}

// ListWhitelists returns the live whitelist entries.
func (l *Limiter) ListWhitelists() []*types.WhitelistRecord {
	now := l.now()
	l.listMu.RLock()
	defer l.listMu.RUnlock()
	out := make([]*types.WhitelistRecord, 0, len(l.whitelists))
	for _, w := range l.whitelists {
		if w.ExpiresUTC == nil || w.ExpiresUTC.After(now) {
			out = append(out, w)
		}
	}
	return out
}

func (l *Limiter) updateBanGauges() {
	counts := map[types.BanScope]int{}
	now := l.now()
	l.listMu.RLock()
	for _, b := range l.bans {
		if b.ExpiresUTC.After(now) {
			counts[b.Scope]++
		}
	}
	l.listMu.RUnlock()
	for _, scope := range []types.BanScope{types.ScopeGlobal, types.ScopePublic, types.ScopeAdmin, types.ScopeGateway} {
		metrics.BansActive.WithLabelValues(string(scope)).Set(float64(counts[scope]))
	}
}
