package gateway

import (
	"net"
	"net/http"
	"strings"

	"golang.org/x/net/idna"

	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/types"
)

// DevHostHeader overrides the effective host outside production, so a
// developer can exercise domain mapping against localhost.
const DevHostHeader = "X-TruthGate-Host"

// EffectiveHost returns the canonical request host: the dev override
// when allowed, IDN converted to ASCII, lowercased, port stripped.
func EffectiveHost(r *http.Request, environment string) string {
	host := r.Host
	if environment != "production" {
		if v := r.Header.Get(DevHostHeader); v != "" {
			host = v
		} else if v := r.URL.Query().Get("tg-host"); v != "" {
			host = v
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	return strings.ToLower(host)
}

// FindBestDomainForHost returns the configured domain matching the host.
// An exact match wins; otherwise the longest configured domain the host
// is a subdomain of.
func FindBestDomainForHost(cfg *config.Config, host string) *types.EdgeDomain {
	if d := cfg.FindDomain(host); d != nil {
		return d
	}
	var best *types.EdgeDomain
	for i := range cfg.Domains {
		d := &cfg.Domains[i]
		if strings.HasSuffix(host, "."+d.Domain) {
			if best == nil || len(d.Domain) > len(best.Domain) {
				best = d
			}
		}
	}
	return best
}

// WildcardLabel extracts the leading label of an IPNS wildcard host
// (<label>.<base>), or "" when the host is not under the wildcard base.
func WildcardLabel(host, base string) string {
	if base == "" {
		return ""
	}
	if !strings.HasSuffix(host, "."+base) {
		return ""
	}
	label := strings.TrimSuffix(host, "."+base)
	if label == "" || strings.Contains(label, ".") {
		return ""
	}
	return label
}

// FindWildcardDomain matches a wildcard label against a domain's IPNS
// peer ID first, then its key name.
func FindWildcardDomain(cfg *config.Config, label string) *types.EdgeDomain {
	for i := range cfg.Domains {
		if cfg.Domains[i].IpnsPeerID == label {
			return &cfg.Domains[i]
		}
	}
	for i := range cfg.Domains {
		if cfg.Domains[i].IpnsKeyName == label {
			return &cfg.Domains[i]
		}
	}
	return nil
}

// looksLikeCid is a cheap shape check: base58btc v0 (Qm..., 46 chars) or
// base32 v1 (b..., lowercase alphanumeric).
func looksLikeCid(s string) bool {
	if len(s) == 46 && strings.HasPrefix(s, "Qm") {
		return true
	}
	if len(s) >= 46 && strings.HasPrefix(s, "b") {
		for _, r := range s {
			if !(r >= 'a' && r <= 'z' || r >= '2' && r <= '7') {
				return false
			}
		}
		return true
	}
	return false
}
