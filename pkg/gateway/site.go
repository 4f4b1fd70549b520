package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/metrics"
	"github.com/truthgate/truthgate/pkg/node"
	"github.com/truthgate/truthgate/pkg/proxy"
	"github.com/truthgate/truthgate/pkg/types"
)

// retryableStatus are upstream statuses that suggest the cached CID went
// stale underneath us.
func retryableStatus(status int) bool {
	return status == http.StatusBadRequest ||
		status == http.StatusNotFound ||
		status == http.StatusGone
}

// joinGatewayPath builds /ipfs/<cid>/<rest> with each segment escaped.
func joinGatewayPath(cid, rest string) string {
	p := "/ipfs/" + cid
	if rest != "" {
		segs := strings.Split(rest, "/")
		for i, s := range segs {
			segs[i] = url.PathEscape(s)
		}
		p += "/" + strings.Join(segs, "/")
	}
	return p
}

// Each refusal stage answers with its own 404 body so an operator can
// tell an unpublished site from an unpinned one from a plain path miss.
const (
	bodySiteNotFound = "Site not found"
	bodySiteNotLocal = "Site not available locally."
	bodyPathNotFound = "Not found."
)

func writeNotFound(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(body))
}

// siteSource yields the content root CID for one serving attempt and
// drops its cached resolution when a stale root is suspected.
type siteSource struct {
	resolve    func(ctx context.Context) (string, error)
	invalidate func(cid string)
}

// mfsSource roots a site at its MFS production folder.
func (d *Dispatcher) mfsSource(sitePath string) siteSource {
	return siteSource{
		resolve: func(ctx context.Context) (string, error) {
			return d.cache.ResolveMfsFolderToCid(ctx, sitePath)
		},
		invalidate: func(cid string) {
			d.cache.InvalidateMfs(sitePath)
			d.cache.InvalidateCid(cid)
		},
	}
}

// ipnsSource roots a site at whatever its IPNS name currently points to.
func (d *Dispatcher) ipnsSource(name string) siteSource {
	return siteSource{
		resolve: func(ctx context.Context) (string, error) {
			p, err := d.node.NameResolve(ctx, name)
			if err != nil {
				return "", err
			}
			cid := strings.TrimPrefix(p, "/ipfs/")
			if i := strings.IndexByte(cid, '/'); i >= 0 {
				cid = cid[:i]
			}
			return cid, nil
		},
		invalidate: func(cid string) {
			d.cache.InvalidateCid(cid)
		},
	}
}

// serveSite serves a mapped domain's published site from the node
// gateway, with case-insensitive path resolution, SPA fallback, and at
// most one retry after a stale-cache invalidation.
func (d *Dispatcher) serveSite(w http.ResponseWriter, r *http.Request, dom *types.EdgeDomain, ip string) {
	authed := d.isAuthed(r)
	if dec := d.limiter.CheckGateway(ip, authed); !dec.Allow {
		d.writeLimited(w, dec.Status, dec.RetryAfter)
		countRequest("gateway", dec.Status)
		return
	}

	res := d.serveSiteOnce(w, r, dom, d.mfsSource(config.SitePath(dom)), false)
	countRequest("gateway", res.Status)
}

// serveSiteOnce runs one resolve-and-forward pass. On a retryable proxy
// failure it invalidates the source's cache tags and recurses exactly
// once with retried set.
func (d *Dispatcher) serveSiteOnce(w http.ResponseWriter, r *http.Request, dom *types.EdgeDomain, src siteSource, retried bool) proxy.Result {
	ctx := r.Context()

	cid, err := src.resolve(ctx)
	if err != nil {
		if node.IsNotFound(err) {
			writeNotFound(w, bodySiteNotFound)
			return proxy.Result{Status: http.StatusNotFound}
		}
		d.logger.Warn().Err(err).Str("domain", dom.Domain).Msg("site resolve failed")
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return proxy.Result{Status: http.StatusBadGateway}
	}

	local, err := d.cache.IsCidLocal(ctx, cid)
	if err == nil && !local {
		d.logger.Warn().Str("domain", dom.Domain).Str("cid", cid).Msg("site cid not local")
		writeNotFound(w, bodySiteNotLocal)
		return proxy.Result{Status: http.StatusNotFound}
	}

	rest := strings.TrimPrefix(r.URL.Path, "/")
	canonical, found, err := d.resolveSitePath(ctx, cid, rest, isNavigational(r))
	if err != nil {
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return proxy.Result{Status: http.StatusBadGateway}
	}
	if !found {
		writeNotFound(w, bodyPathNotFound)
		return proxy.Result{Status: http.StatusNotFound}
	}

	target := d.node.GatewayBase() + joinGatewayPath(cid, canonical)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	// Buffer nothing here: on a retryable failure we must not have
	// already streamed bytes to the client, so probe first on retryable
	// paths via the recorder below only when this is the first attempt.
	if !retried {
		rec := newStatusProbe(w)
		res := proxy.Forward(rec, r, d.httpc, proxy.Options{TargetURL: target, FreshFetch: false})
		if !res.OK && retryableStatus(res.Status) && !rec.wrote {
			src.invalidate(cid)
			metrics.StaleRetries.Inc()
			d.logger.Info().Str("domain", dom.Domain).Int("status", res.Status).Msg("stale cache suspected, retrying once")
			return d.serveSiteOnce(w, r, dom, src, true)
		}
		rec.flush()
		return res
	}
	return proxy.Forward(w, r, d.httpc, proxy.Options{TargetURL: target, FreshFetch: true})
}

// resolveSitePath maps the request path onto the site's content:
// directory index for the root, an index.html probe for extensionless
// navigations, the path itself, then the SPA fallbacks.
func (d *Dispatcher) resolveSitePath(ctx context.Context, cid, rest string, navigational bool) (string, bool, error) {
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "index.html", true, nil
	}

	// Extensionless navigations usually address a folder route; its
	// index.html wins over an unlikely bare-name file.
	if navigational && !hasFileExtension(rest) {
		ok, canonical, err := d.cache.PathExists(ctx, cid, rest+"/index.html")
		if err != nil {
			return "", false, err
		}
		if ok {
			return canonical, true, nil
		}
	}

	ok, canonical, err := d.cache.PathExists(ctx, cid, rest)
	if err != nil {
		return "", false, err
	}
	if ok {
		return canonical, true, nil
	}

	// SPA fallback: unknown navigational routes land on the app shell.
	if navigational {
		for _, fallback := range []string{"index.html", "200.html"} {
			ok, canonical, err := d.cache.PathExists(ctx, cid, fallback)
			if err != nil {
				return "", false, err
			}
			if ok {
				return canonical, true, nil
			}
		}
	}
	return "", false, nil
}

// writeLimited answers a limiter rejection.
func (d *Dispatcher) writeLimited(w http.ResponseWriter, status, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	if status == 0 {
		status = http.StatusForbidden
	}
	http.Error(w, http.StatusText(status), status)
}

// statusProbe delays the response until the upstream status is known to
// be final, so a retryable failure can be replayed without having
// touched the client connection. Headers are buffered as well; nothing
// reaches the wire until the status is non-retryable or flush runs.
type statusProbe struct {
	w      http.ResponseWriter
	header http.Header
	status int
	wrote  bool
	body   []byte
}

func newStatusProbe(w http.ResponseWriter) *statusProbe {
	return &statusProbe{w: w, header: make(http.Header)}
}

func (p *statusProbe) Header() http.Header {
	if p.wrote {
		return p.w.Header()
	}
	return p.header
}

func (p *statusProbe) WriteHeader(status int) {
	p.status = status
	if retryableStatus(status) {
		// Hold everything; the caller may retry.
		return
	}
	p.commit()
}

func (p *statusProbe) Write(b []byte) (int, error) {
	if !p.wrote {
		if p.status == 0 {
			p.status = http.StatusOK
			p.commit()
		} else if retryableStatus(p.status) {
			p.body = append(p.body, b...)
			return len(b), nil
		}
	}
	return p.w.Write(b)
}

func (p *statusProbe) commit() {
	dst := p.w.Header()
	for name, values := range p.header {
		dst[name] = values
	}
	p.w.WriteHeader(p.status)
	p.wrote = true
}

// flush sends the held response when no retry happened.
func (p *statusProbe) flush() {
	if p.wrote || p.status == 0 {
		return
	}
	p.commit()
	if len(p.body) > 0 {
		p.w.Write(p.body)
	}
}
