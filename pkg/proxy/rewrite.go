package proxy

import (
	"bytes"
	"io"
	"net/http"
	"regexp"
	"strconv"
)

// rootURLPattern matches root-absolute URL attributes in HTML:
// href="/...", src="/...", action="/..." (single or double quotes), but
// not protocol-relative "//" references.
var rootURLPattern = regexp.MustCompile(`(href|src|action)=(["'])/([^/"'][^"']*)?(["'])`)

// RewriteRootURLs prefixes root-absolute href/src/action URLs with
// basePrefix so an SPA's absolute references resolve under the gateway.
// basePrefix must end with "/".
func RewriteRootURLs(body []byte, basePrefix string) []byte {
	prefix := []byte(basePrefix)
	return rootURLPattern.ReplaceAllFunc(body, func(m []byte) []byte {
		sub := rootURLPattern.FindSubmatch(m)
		// sub: [full, attr, quote, rest, quote]
		var out bytes.Buffer
		out.Write(sub[1])
		out.WriteByte('=')
		out.Write(sub[2])
		out.Write(prefix)
		out.Write(sub[3])
		out.Write(sub[4])
		return out.Bytes()
	})
}

// rewriteAndSend buffers an index HTML response, rewrites root-absolute
// URLs, and sends it with a corrected Content-Length. Index documents
// are small; everything else streams through untouched.
func rewriteAndSend(w http.ResponseWriter, resp *http.Response, basePrefix string) Result {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return Result{OK: false, Status: http.StatusBadGateway}
	}
	rewritten := RewriteRootURLs(body, basePrefix)
	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(resp.StatusCode)
	w.Write(rewritten)
	return classify(resp.StatusCode)
}
