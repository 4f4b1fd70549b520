package gateway

import (
	"net/http"

	"github.com/truthgate/truthgate/pkg/auth"
	"github.com/truthgate/truthgate/pkg/proxy"
	"github.com/truthgate/truthgate/pkg/types"
)

// unauthorizedBody is the single 401 payload for the API surface. A
// missing key and an invalid key must be indistinguishable byte for
// byte, or the response becomes a key-validity oracle.
const unauthorizedBody = `{"error":"unauthorized"}` + "\n"

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `ApiKey realm="/api"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(unauthorizedBody))
}

// writeBanned answers a request from an IP under an admin-scope ban.
// A ban is not a credential failure, so the status is 403, not 401.
func writeBanned(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(`{"error":"forbidden"}` + "\n"))
}

// serveNodeAPI proxies /api/v0 to the node's API port for admin keys.
// Mapped site hosts never expose the API surface at all.
func (d *Dispatcher) serveNodeAPI(w http.ResponseWriter, r *http.Request, host, ip string) {
	cfg := d.cfg.Current()
	if FindBestDomainForHost(cfg, host) != nil {
		d.notFoundPage(w)
		countRequest("admin", http.StatusNotFound)
		return
	}

	if banned, _ := d.limiter.BanFor(ip, types.ScopeAdmin); banned {
		writeBanned(w)
		countRequest("admin", http.StatusForbidden)
		return
	}

	if key := auth.ExtractKey(r); key != "" && d.auth.VerifyAdminKey(key) {
		d.limiter.NoteAdminGoodKey(ip, auth.HashKey(key))
	} else if _, ok := d.auth.VerifyRequest(r); !ok {
		// Neither a valid key nor a logged-in browser session.
		d.limiter.NoteAdminBadKey(ip)
		writeUnauthorized(w)
		countRequest("admin", http.StatusUnauthorized)
		return
	}

	// The caller's credential never reaches the node; the internal
	// rotating key replaces it.
	r.Header.Set("Authorization", "Bearer "+d.auth.InternalKey())
	r.Header.Del("X-API-Key")
	query := r.URL.Query()
	query.Del("api_key")
	query.Del("key")

	target := "http://" + cfg.NodeAPIAddr + r.URL.Path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	res := proxy.Forward(w, r, d.httpc, proxy.Options{TargetURL: target})
	countRequest("admin", res.Status)
}

// adminKeyFromRequest authenticates an admin surface request, recording
// bad keys against the limiter. It returns the key hash for auditing.
func (d *Dispatcher) adminKeyFromRequest(w http.ResponseWriter, r *http.Request, ip string) (string, bool) {
	if banned, _ := d.limiter.BanFor(ip, types.ScopeAdmin); banned {
		writeBanned(w)
		countRequest("admin", http.StatusForbidden)
		return "", false
	}
	key := auth.ExtractKey(r)
	if key == "" || !d.auth.VerifyAdminKey(key) {
		d.limiter.NoteAdminBadKey(ip)
		writeUnauthorized(w)
		countRequest("admin", http.StatusUnauthorized)
		return "", false
	}
	d.limiter.NoteAdminGoodKey(ip, auth.HashKey(key))
	return auth.HashKey(key), true
}
