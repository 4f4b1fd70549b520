package gateway

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/truthgate/truthgate/pkg/auth"
	"github.com/truthgate/truthgate/pkg/cache"
	"github.com/truthgate/truthgate/pkg/certs"
	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/log"
	"github.com/truthgate/truthgate/pkg/metrics"
	"github.com/truthgate/truthgate/pkg/node"
	"github.com/truthgate/truthgate/pkg/publish"
	"github.com/truthgate/truthgate/pkg/ratelimit"
	"github.com/truthgate/truthgate/pkg/storage"
)

const (
	apiPrefix   = "/api/v0/"
	adminPrefix = "/api/truthgate/v1/"
)

// Dispatcher is the single entry point for every edge request. It
// classifies the request by path and host, applies the matching limiter
// surface, and routes to the right backend.
type Dispatcher struct {
	cfg     *config.Manager
	node    *node.Client
	cache   *cache.Cache
	auth    *auth.Service
	limiter *ratelimit.Limiter
	publish *publish.Service
	certs   *certs.Manager
	sampler *metrics.Sampler
	store   storage.Store
	httpc   *http.Client
	logger  zerolog.Logger
}

// Options wires the dispatcher's collaborators.
type Options struct {
	Config  *config.Manager
	Node    *node.Client
	Cache   *cache.Cache
	Auth    *auth.Service
	Limiter *ratelimit.Limiter
	Publish *publish.Service
	Certs   *certs.Manager
	Sampler *metrics.Sampler
	Store   storage.Store
}

// New creates the dispatcher.
func New(opts Options) *Dispatcher {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Dispatcher{
		cfg:     opts.Config,
		node:    opts.Node,
		cache:   opts.Cache,
		auth:    opts.Auth,
		limiter: opts.Limiter,
		publish: opts.Publish,
		certs:   opts.Certs,
		sampler: opts.Sampler,
		store:   opts.Store,
		httpc: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: log.WithComponent("gateway"),
	}
}

// clientIP returns the remote IP without port or zone.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return host
}

// isAuthed reports whether the request carries a live session or a valid
// admin key.
func (d *Dispatcher) isAuthed(r *http.Request) bool {
	if _, ok := d.auth.VerifyRequest(r); ok {
		return true
	}
	if k := auth.ExtractKey(r); k != "" && d.auth.VerifyAdminKey(k) {
		return true
	}
	return false
}

func countRequest(surface string, status int) {
	metrics.RequestsTotal.WithLabelValues(surface, fmt.Sprintf("%dxx", status/100)).Inc()
}

// ServeHTTP classifies and routes one request. Order matters: the ACME
// challenge path must work with no auth and no limits, the node API and
// admin surfaces sit behind keys, content paths behind the gateway
// limiter, and mapped hosts serve their site.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	d.limiter.RecordRequest(ip)

	path := r.URL.Path
	cfg := d.cfg.Current()
	host := EffectiveHost(r, cfg.Environment)

	switch {
	case strings.HasPrefix(path, certs.ChallengePathPrefix):
		d.certs.Challenges().ServeHTTP(w, r)

	case strings.HasPrefix(path, apiPrefix):
		d.serveNodeAPI(w, r, host, ip)

	case strings.HasPrefix(path, adminPrefix):
		d.serveAdmin(w, r, host, ip)

	case strings.HasPrefix(path, "/_acme/"):
		d.serveACMEAdmin(w, r, ip)

	case path == "/healthz":
		d.serveHealthz(w, r)

	case path == "/metrics":
		d.serveMetrics(w, r, ip)

	case path == "/login":
		d.serveLoginPage(w, r, ip)

	case path == "/auth/login" || path == "/auth/logout":
		d.serveAuth(w, r, ip)

	case strings.HasPrefix(path, "/ipfs/") || strings.HasPrefix(path, "/ipns/") || path == "/webui" || strings.HasPrefix(path, "/webui/"):
		d.serveContent(w, r, ip)

	default:
		if dom := FindBestDomainForHost(cfg, host); dom != nil {
			d.serveSite(w, r, dom, ip)
			return
		}
		if label := WildcardLabel(host, cfg.WildcardBase); label != "" {
			d.serveWildcard(w, r, label, ip)
			return
		}
		d.serveFallback(w, r, ip)
	}
}

// serveWildcard maps <label>.<wildcardBase> onto the matching domain's
// site. The content root comes from the domain's IPNS name, not the MFS
// folder, so a wildcard host shows what the name currently points to.
func (d *Dispatcher) serveWildcard(w http.ResponseWriter, r *http.Request, label, ip string) {
	dom := FindWildcardDomain(d.cfg.Current(), label)
	if dom == nil {
		writeNotFound(w, bodySiteNotFound)
		countRequest("gateway", http.StatusNotFound)
		return
	}

	authed := d.isAuthed(r)
	if dec := d.limiter.CheckGateway(ip, authed); !dec.Allow {
		d.writeLimited(w, dec.Status, dec.RetryAfter)
		countRequest("gateway", dec.Status)
		return
	}

	name := dom.IpnsPeerID
	if name == "" {
		name = dom.IpnsKeyName
	}
	if name == "" {
		writeNotFound(w, bodySiteNotFound)
		countRequest("gateway", http.StatusNotFound)
		return
	}
	res := d.serveSiteOnce(w, r, dom, d.ipnsSource(name), false)
	countRequest("gateway", res.Status)
}

// serveFallback handles unmapped hosts and unknown paths: authed callers
// browsing node content get Referer-based CID prefixing, browsers get
// the login page, everything else a 401.
func (d *Dispatcher) serveFallback(w http.ResponseWriter, r *http.Request, ip string) {
	authed := d.isAuthed(r)

	// A page served from /ipfs/<cid>/ references root-absolute assets;
	// bounce those back under the referring CID.
	if authed {
		if cid := refererCid(r.Header.Get("Referer")); cid != "" {
			target := "/ipfs/" + cid + r.URL.Path
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, target, http.StatusFound)
			countRequest("gateway", http.StatusFound)
			return
		}
		d.notFoundPage(w)
		countRequest("gateway", http.StatusNotFound)
		return
	}

	if isNavigational(r) {
		http.Redirect(w, r, "/login?returnUrl="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		countRequest("gateway", http.StatusFound)
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	countRequest("gateway", http.StatusUnauthorized)
}

// refererCid extracts the CID from a Referer pointing at /ipfs/<cid>/...
func refererCid(referer string) string {
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil {
		return ""
	}
	rest, ok := strings.CutPrefix(u.Path, "/ipfs/")
	if !ok {
		return ""
	}
	cid := rest
	if i := strings.IndexByte(cid, '/'); i >= 0 {
		cid = cid[:i]
	}
	if !looksLikeCid(cid) {
		return ""
	}
	return cid
}

// isNavigational reports whether the request looks like a browser
// navigation: GET with an Accept that prefers HTML and a path that does
// not name a file by extension.
func isNavigational(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return false
	}
	return !hasFileExtension(r.URL.Path)
}

func hasFileExtension(p string) bool {
	base := p
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	dot := strings.LastIndexByte(base, '.')
	return dot > 0 && dot < len(base)-1
}

func (d *Dispatcher) notFoundPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, "<!doctype html><html><head><title>Not Found</title></head><body><h1>404</h1><p>Nothing is published here.</p></body></html>")
}

func (d *Dispatcher) serveHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, _, err := d.node.FilesStat(ctx, "/"); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"degraded","node":"unreachable"}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// serveMetrics exposes the prometheus scrape endpoint to admin keys
// only.
func (d *Dispatcher) serveMetrics(w http.ResponseWriter, r *http.Request, ip string) {
	key := auth.ExtractKey(r)
	if key == "" || !d.auth.VerifyAdminKey(key) {
		d.limiter.NoteAdminBadKey(ip)
		writeUnauthorized(w)
		return
	}
	metrics.Handler().ServeHTTP(w, r)
}
