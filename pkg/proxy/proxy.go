package proxy

import (
	"io"
	"net/http"
	"strings"

	"github.com/truthgate/truthgate/pkg/log"
)

// Hop-by-hop headers are never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"TE",
	"Trailer",
	"Upgrade",
}

// Conditional request headers stripped when the caller wants a fresh
// fetch from the node.
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
}

// Options control one forwarded request.
type Options struct {
	// TargetURL is the full upstream URL including query string.
	TargetURL string
	// FreshFetch strips conditional headers from the outbound request.
	FreshFetch bool
	// RewriteIndexForCid enables root-absolute URL rewriting on HTML
	// responses for index-like paths.
	RewriteIndexForCid bool
	// BasePrefix is prepended to root-absolute URLs when rewriting,
	// e.g. "/ipfs/<cid>/".
	BasePrefix string
	// LogicalPath is the request's path within the site, used to decide
	// whether the response is index-like.
	LogicalPath string
}

// Result is the proxy outcome the dispatcher classifies on.
type Result struct {
	OK     bool
	Status int
}

const copyBufferSize = 32 * 1024

// Forward streams one request to the upstream and the response back to
// the client. It never panics or returns an error past the caller: every
// failure path writes a deterministic status and reports it in Result.
func Forward(w http.ResponseWriter, r *http.Request, client *http.Client, opts Options) Result {
	outReq, err := buildOutbound(r, opts)
	if err != nil {
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return Result{OK: false, Status: http.StatusBadGateway}
	}

	resp, err := client.Do(outReq)
	if err != nil {
		logger := log.WithComponent("proxy")
		logger.Debug().Err(err).Str("target", opts.TargetURL).Msg("upstream request failed")
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return Result{OK: false, Status: http.StatusBadGateway}
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	appendCORS(w.Header())

	if opts.RewriteIndexForCid && isHTML(resp.Header) && isIndexLike(opts.LogicalPath) {
		return rewriteAndSend(w, resp, opts.BasePrefix)
	}

	w.WriteHeader(resp.StatusCode)
	buf := make([]byte, copyBufferSize)
	io.CopyBuffer(w, resp.Body, buf)
	return classify(resp.StatusCode)
}

func buildOutbound(r *http.Request, opts Options) (*http.Request, error) {
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, opts.TargetURL, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		outReq.ContentLength = r.ContentLength
	}

	for name, values := range r.Header {
		if name == "Host" || isHopByHop(name) {
			continue
		}
		if opts.FreshFetch && isConditional(name) {
			continue
		}
		for _, v := range values {
			outReq.Header.Add(name, v)
		}
	}
	return outReq, nil
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func isConditional(name string) bool {
	for _, h := range conditionalHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func appendCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
	h.Set("Access-Control-Allow-Headers", "*")
}

func isHTML(h http.Header) bool {
	ct := h.Get("Content-Type")
	return strings.Contains(ct, "text/html")
}

// isIndexLike reports whether the logical path addresses a site index:
// empty rest, a trailing slash, or index.html itself.
func isIndexLike(logical string) bool {
	if logical == "" || strings.HasSuffix(logical, "/") {
		return true
	}
	base := logical
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	return strings.EqualFold(base, "index.html")
}

// classify maps the upstream status onto the proxy outcome. Failure is
// any non-2xx status, with 404 and 410 called out because they drive the
// stale-cache retry.
func classify(status int) Result {
	ok := status/100 == 2 && status != http.StatusNotFound && status != http.StatusGone
	return Result{OK: ok, Status: status}
}
