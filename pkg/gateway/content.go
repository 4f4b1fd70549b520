package gateway

import (
	"net/http"
	"strings"

	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/node"
	"github.com/truthgate/truthgate/pkg/proxy"
)

// serveContent proxies /ipfs, /ipns, and /webui paths to the node
// gateway. Unauthenticated access is scoped to CIDs belonging to
// configured sites; everything else needs a session or key.
func (d *Dispatcher) serveContent(w http.ResponseWriter, r *http.Request, ip string) {
	authed := d.isAuthed(r)
	if dec := d.limiter.CheckGateway(ip, authed); !dec.Allow {
		d.writeLimited(w, dec.Status, dec.RetryAfter)
		countRequest("content", dec.Status)
		return
	}

	path := r.URL.Path
	switch {
	case path == "/webui" || strings.HasPrefix(path, "/webui/"):
		d.serveWebUI(w, r, authed)
	case strings.HasPrefix(path, "/ipfs/"):
		d.serveIpfs(w, r, authed)
	case strings.HasPrefix(path, "/ipns/"):
		d.serveIpns(w, r, authed)
	default:
		d.notFoundPage(w)
		countRequest("content", http.StatusNotFound)
	}
}

// serveWebUI redirects authenticated callers to the node's WebUI by its
// discovered CID; everyone else sees nothing.
func (d *Dispatcher) serveWebUI(w http.ResponseWriter, r *http.Request, authed bool) {
	if !authed {
		d.denyContent(w, r)
		return
	}
	cid, err := d.node.WebUICid(r.Context())
	if err != nil || cid == "" {
		http.Error(w, "WebUI unavailable", http.StatusBadGateway)
		countRequest("content", http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, "/ipfs/"+cid+"/", http.StatusFound)
	countRequest("content", http.StatusFound)
}

func (d *Dispatcher) serveIpfs(w http.ResponseWriter, r *http.Request, authed bool) {
	rest := strings.TrimPrefix(r.URL.Path, "/ipfs/")
	cid := rest
	if i := strings.IndexByte(cid, '/'); i >= 0 {
		cid = cid[:i]
	}
	if !looksLikeCid(cid) {
		d.notFoundPage(w)
		countRequest("content", http.StatusNotFound)
		return
	}
	if !authed && !d.cidBelongsToSite(r, cid) {
		d.denyContent(w, r)
		return
	}

	target := d.node.GatewayBase() + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	logical := strings.TrimPrefix(rest, cid)
	res := proxy.Forward(w, r, d.httpc, proxy.Options{
		TargetURL:          target,
		RewriteIndexForCid: true,
		BasePrefix:         "/ipfs/" + cid + "/",
		LogicalPath:        strings.TrimPrefix(logical, "/"),
	})
	countRequest("content", res.Status)
}

// serveIpns validates the name resolves before proxying, so the node
// never spends a DHT walk on garbage names.
func (d *Dispatcher) serveIpns(w http.ResponseWriter, r *http.Request, authed bool) {
	if !authed {
		d.denyContent(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/ipns/")
	name := rest
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		d.notFoundPage(w)
		countRequest("content", http.StatusNotFound)
		return
	}
	if _, err := d.node.NameResolve(r.Context(), name); err != nil {
		if node.IsNotFound(err) {
			d.notFoundPage(w)
			countRequest("content", http.StatusNotFound)
		} else {
			http.Error(w, "Bad gateway", http.StatusBadGateway)
			countRequest("content", http.StatusBadGateway)
		}
		return
	}

	target := d.node.GatewayBase() + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	res := proxy.Forward(w, r, d.httpc, proxy.Options{TargetURL: target})
	countRequest("content", res.Status)
}

// cidBelongsToSite reports whether an unauthenticated caller may fetch
// the CID: it must be a configured site's published root, or the site
// root of the requesting host.
func (d *Dispatcher) cidBelongsToSite(r *http.Request, cid string) bool {
	cfg := d.cfg.Current()
	for i := range cfg.Domains {
		if cfg.Domains[i].LastPublishedCid == cid {
			return true
		}
	}
	host := EffectiveHost(r, cfg.Environment)
	if dom := FindBestDomainForHost(cfg, host); dom != nil {
		if current, err := d.cache.ResolveMfsFolderToCid(r.Context(), config.SitePath(dom)); err == nil && current == cid {
			return true
		}
	}
	return false
}

// denyContent hides restricted content: browsers get the 404 page,
// API-style callers a 403.
func (d *Dispatcher) denyContent(w http.ResponseWriter, r *http.Request) {
	if isNavigational(r) {
		d.notFoundPage(w)
		countRequest("content", http.StatusNotFound)
		return
	}
	http.Error(w, "Forbidden", http.StatusForbidden)
	countRequest("content", http.StatusForbidden)
}
