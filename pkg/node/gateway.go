package node

import (
	"context"
	"io"
	"net/http"
	"strings"
)

// Head issues a HEAD for a gateway path like /ipfs/<cid>/<rest> and
// returns the status. fresh strips conditional caching on the probe.
func (c *Client) Head(ctx context.Context, gatewayPath string, fresh bool) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.gatewayBase+gatewayPath, nil)
	if err != nil {
		return 0, newError(KindProtocol, "gateway/head", 0, err.Error())
	}
	if fresh {
		req.Header.Set("Cache-Control", "no-cache")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, newError(KindTransient, "gateway/head", 0, err.Error())
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

// WebUICid discovers the CID backing the node's WebUI by HEADing /webui
// and reading X-Ipfs-Roots, X-Ipfs-Path, then ETag. Empty when the node
// exposes none of them.
func (c *Client) WebUICid(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.apiBase+"/webui", nil)
	if err != nil {
		return "", newError(KindProtocol, "webui", 0, err.Error())
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", newError(KindTransient, "webui", 0, err.Error())
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if roots := resp.Header.Get("X-Ipfs-Roots"); roots != "" {
		parts := strings.Split(roots, ",")
		return strings.TrimSpace(parts[0]), nil
	}
	if p := resp.Header.Get("X-Ipfs-Path"); p != "" {
		trimmed := strings.TrimPrefix(p, "/ipfs/")
		if i := strings.IndexByte(trimmed, '/'); i >= 0 {
			trimmed = trimmed[:i]
		}
		return trimmed, nil
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		return strings.Trim(etag, `W/"`), nil
	}
	return "", nil
}
