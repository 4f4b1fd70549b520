package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/node"
	"github.com/truthgate/truthgate/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// serveAdmin routes the management API. The two host-scoped lookup
// endpoints are public; everything else requires a valid admin key and
// mutations land in the audit trail.
func (d *Dispatcher) serveAdmin(w http.ResponseWriter, r *http.Request, host, ip string) {
	rest := strings.TrimPrefix(r.URL.Path, adminPrefix)
	segs := strings.Split(strings.Trim(rest, "/"), "/")

	if len(segs) == 1 && r.Method == http.MethodGet {
		switch segs[0] {
		case "GetDomainCid":
			d.servePublicLookup(w, r, host, ip, d.handleGetDomainCid)
			return
		case "GetDomainIpns":
			d.servePublicLookup(w, r, host, ip, d.handleGetDomainIpns)
			return
		}
	}

	keyHash, ok := d.adminKeyFromRequest(w, r, ip)
	if !ok {
		return
	}
	actor := keyHash[:12]

	status := http.StatusOK
	switch {
	case len(segs) >= 2 && segs[0] == "admin" && segs[1] == "import" && r.Method == http.MethodPost:
		status = d.handleImport(w, r, actor)
	case len(segs) == 3 && segs[0] == "admin" && segs[1] == "jobs" && r.Method == http.MethodGet:
		status = d.handleJobStatus(w, segs[2])
	case len(segs) == 3 && segs[0] == "admin":
		status = d.handleDomainAction(w, r, segs[1], segs[2], actor)
	case len(segs) == 2 && segs[0] == "ratelimit":
		status = d.handleRateLimit(w, r, segs[1], actor)
	case len(segs) == 3 && segs[0] == "acme":
		status = d.handleACME(w, r, segs[1], segs[2], actor)
	case len(segs) == 2 && segs[0] == "metrics":
		status = d.handleMetrics(w, segs[1])
	case len(segs) == 1 && segs[0] == "audit" && r.Method == http.MethodGet:
		status = d.handleAudit(w, r)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown endpoint"})
		status = http.StatusNotFound
	}
	countRequest("admin", status)
}

// servePublicLookup runs one of the unauthenticated host-scoped lookup
// endpoints under the public limiter.
func (d *Dispatcher) servePublicLookup(w http.ResponseWriter, r *http.Request, host, ip string, h func(http.ResponseWriter, *http.Request, string) int) {
	if dec := d.limiter.CheckPublic(ip); !dec.Allow {
		d.writeLimited(w, dec.Status, dec.RetryAfter)
		countRequest("public", dec.Status)
		return
	}
	countRequest("public", h(w, r, host))
}

// serveACMEAdmin exposes the /_acme/issue and /_acme/status shortcuts
// with the same auth and behavior as the versioned acme routes.
func (d *Dispatcher) serveACMEAdmin(w http.ResponseWriter, r *http.Request, ip string) {
	keyHash, ok := d.adminKeyFromRequest(w, r, ip)
	if !ok {
		return
	}
	segs := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/_acme/"), "/"), "/")
	if len(segs) != 2 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown endpoint"})
		countRequest("admin", http.StatusNotFound)
		return
	}
	countRequest("admin", d.handleACME(w, r, segs[0], segs[1], keyHash[:12]))
}

func (d *Dispatcher) findDomainOr404(w http.ResponseWriter, domain string) *types.EdgeDomain {
	dom := d.cfg.Current().FindDomain(strings.ToLower(domain))
	if dom == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown domain"})
	}
	return dom
}

func (d *Dispatcher) handleDomainAction(w http.ResponseWriter, r *http.Request, domain, action, actor string) int {
	dom := d.findDomainOr404(w, domain)
	if dom == nil {
		return http.StatusNotFound
	}
	switch {
	case action == "publish" && r.Method == http.MethodPost:
		return d.handlePublish(w, r, dom, actor)
	case action == "backup" && (r.Method == http.MethodGet || r.Method == http.MethodPost):
		return d.handleBackup(w, r, dom, actor)
	case action == "cid" && r.Method == http.MethodGet:
		return d.handleDomainCid(w, r, dom)
	case action == "ipns" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{
			"keyName": dom.IpnsKeyName,
			"peerId":  dom.IpnsPeerID,
		})
		return http.StatusOK
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "unsupported method"})
		return http.StatusMethodNotAllowed
	}
}

func (d *Dispatcher) handlePublish(w http.ResponseWriter, r *http.Request, dom *types.EdgeDomain, actor string) int {
	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "multipart body required"})
		return http.StatusBadRequest
	}
	job, err := d.publish.Ingest(r.Context(), dom, mr, r.URL.Query().Get("note"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return http.StatusBadRequest
	}
	d.limiter.Audit(actor, "publish", dom.Domain, map[string]string{"jobId": job.ID})
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID, "state": "queued"})
	return http.StatusAccepted
}

func (d *Dispatcher) handleJobStatus(w http.ResponseWriter, jobID string) int {
	st := d.publish.Status(jobID)
	if st == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown job"})
		return http.StatusNotFound
	}
	writeJSON(w, http.StatusOK, st)
	return http.StatusOK
}

// handleBackup answers both forms: GET with ?passphrase= and POST with
// a JSON body.
func (d *Dispatcher) handleBackup(w http.ResponseWriter, r *http.Request, dom *types.EdgeDomain, actor string) int {
	passphrase := r.URL.Query().Get("passphrase")
	if passphrase == "" && r.Method == http.MethodPost {
		var req struct {
			Passphrase string `json:"passphrase"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			passphrase = req.Passphrase
		}
	}
	if passphrase == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "passphrase required"})
		return http.StatusBadRequest
	}
	blob, err := d.publish.Backup(r.Context(), dom, passphrase)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return http.StatusInternalServerError
	}
	d.limiter.Audit(actor, "backup", dom.Domain, nil)
	writeJSON(w, http.StatusOK, blob)
	return http.StatusOK
}

func (d *Dispatcher) handleImport(w http.ResponseWriter, r *http.Request, actor string) int {
	var req struct {
		Blob        types.BackupBlob `json:"blob"`
		Passphrase  string           `json:"passphrase"`
		RestoreSite bool             `json:"restoreSite"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "blob and passphrase required"})
		return http.StatusBadRequest
	}
	if req.Passphrase == "" {
		req.Passphrase = r.URL.Query().Get("passphrase")
	}
	if req.Passphrase == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "blob and passphrase required"})
		return http.StatusBadRequest
	}
	dom, err := d.publish.Import(r.Context(), &req.Blob, req.Passphrase, req.RestoreSite)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return http.StatusBadRequest
	}
	d.limiter.Audit(actor, "import", dom.Domain, map[string]string{"keyName": dom.IpnsKeyName})
	writeJSON(w, http.StatusOK, dom)
	return http.StatusOK
}

// publishedRootCid returns the domain's current root, preferring the
// recorded publish over a live MFS resolution. On failure it writes the
// error response and returns its status; 0 means success.
func (d *Dispatcher) publishedRootCid(ctx context.Context, w http.ResponseWriter, dom *types.EdgeDomain) (string, int) {
	if dom.LastPublishedCid != "" {
		return dom.LastPublishedCid, 0
	}
	cid, err := d.cache.ResolveMfsFolderToCid(ctx, config.SitePath(dom))
	if err != nil {
		if node.IsNotFound(err) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "nothing published"})
			return "", http.StatusNotFound
		}
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return "", http.StatusBadGateway
	}
	return cid, 0
}

// handleDomainCid reports the domain's published root in both CID
// versions.
func (d *Dispatcher) handleDomainCid(w http.ResponseWriter, r *http.Request, dom *types.EdgeDomain) int {
	ctx := r.Context()
	cid, status := d.publishedRootCid(ctx, w, dom)
	if status != 0 {
		return status
	}

	out := map[string]string{"cid": cid}
	if v0, err := d.node.FormatCid(ctx, cid, 0, ""); err == nil {
		out["cidV0"] = v0
	}
	if v1, err := d.node.FormatCid(ctx, cid, 1, "base32"); err == nil {
		out["cidV1"] = v1
	}
	writeJSON(w, http.StatusOK, out)
	return http.StatusOK
}

// handleGetDomainCid answers the unauthenticated lookup for the site
// served on the request's Host.
func (d *Dispatcher) handleGetDomainCid(w http.ResponseWriter, r *http.Request, host string) int {
	dom := FindBestDomainForHost(d.cfg.Current(), host)
	if dom == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no site on this host"})
		return http.StatusNotFound
	}
	ctx := r.Context()
	cid, status := d.publishedRootCid(ctx, w, dom)
	if status != 0 {
		return status
	}

	out := map[string]string{"domain": dom.Domain, "cidv0": "", "cidv1": ""}
	if v0, err := d.node.FormatCid(ctx, cid, 0, ""); err == nil {
		out["cidv0"] = v0
	}
	if v1, err := d.node.FormatCid(ctx, cid, 1, "base32"); err == nil {
		out["cidv1"] = v1
	}
	writeJSON(w, http.StatusOK, out)
	return http.StatusOK
}

// handleGetDomainIpns answers the unauthenticated pointer lookup: the
// domain's IPNS identity, the published root, and the tgp pointer.
func (d *Dispatcher) handleGetDomainIpns(w http.ResponseWriter, r *http.Request, host string) int {
	dom := FindBestDomainForHost(d.cfg.Current(), host)
	if dom == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no site on this host"})
		return http.StatusNotFound
	}
	cid, status := d.publishedRootCid(r.Context(), w, dom)
	if status != 0 {
		return status
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"domain":       dom.Domain,
		"ipnsKeyName":  dom.IpnsKeyName,
		"ipnsPeerId":   dom.IpnsPeerID,
		"publishedCid": cid,
		"current":      "/ipfs/" + cid,
		"tgpPath":      config.TgpPath(dom),
	})
	return http.StatusOK
}

func (d *Dispatcher) handleRateLimit(w http.ResponseWriter, r *http.Request, action, actor string) int {
	switch {
	case action == "bans" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, d.limiter.ListBans())
		return http.StatusOK
	case action == "whitelists" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, d.limiter.ListWhitelists())
		return http.StatusOK
	case action == "whitelist" && r.Method == http.MethodPost:
		var req struct {
			IP     string `json:"ip"`
			Reason string `json:"reason"`
			Days   int    `json:"days"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "ip required"})
			return http.StatusBadRequest
		}
		wl := d.limiter.AddWhitelist(req.IP, req.Reason, req.Days)
		d.limiter.Audit(actor, "whitelist_add", req.IP, req)
		writeJSON(w, http.StatusOK, wl)
		return http.StatusOK
	case action == "unwhitelist" && r.Method == http.MethodPost:
		var req struct {
			IP string `json:"ip"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "ip required"})
			return http.StatusBadRequest
		}
		d.limiter.RemoveWhitelist(req.IP)
		d.limiter.Audit(actor, "whitelist_remove", req.IP, nil)
		writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
		return http.StatusOK
	case action == "ban" && r.Method == http.MethodPost:
		return d.handleManualBan(w, r, actor)
	case action == "unban" && r.Method == http.MethodPost:
		var req struct {
			IP string `json:"ip"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "ip required"})
			return http.StatusBadRequest
		}
		d.limiter.Unban(req.IP)
		d.limiter.Audit(actor, "unban", req.IP, nil)
		writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
		return http.StatusOK
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown endpoint"})
		return http.StatusNotFound
	}
}

func (d *Dispatcher) handleManualBan(w http.ResponseWriter, r *http.Request, actor string) int {
	var req struct {
		IP      string `json:"ip"`
		Prefix  string `json:"ipv6Prefix64"`
		Scope   string `json:"scope"`
		Minutes int    `json:"minutes"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.IP == "" && req.Prefix == "") {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "ip or ipv6Prefix64 required"})
		return http.StatusBadRequest
	}
	scope := types.BanScope(req.Scope)
	switch scope {
	case types.ScopeGlobal, types.ScopePublic, types.ScopeAdmin, types.ScopeGateway:
	case "":
		scope = types.ScopeGlobal
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown scope"})
		return http.StatusBadRequest
	}
	if req.Minutes <= 0 {
		req.Minutes = 60
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}
	duration := time.Duration(req.Minutes) * time.Minute
	if req.Prefix != "" {
		d.limiter.AddPrefixBan(req.Prefix, scope, reason, duration)
		d.limiter.Audit(actor, "ban_prefix", req.Prefix, req)
	} else {
		d.limiter.BanIP(req.IP, scope, reason, duration)
		d.limiter.Audit(actor, "ban_ip", req.IP, req)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"banned": true})
	return http.StatusOK
}

func (d *Dispatcher) handleACME(w http.ResponseWriter, r *http.Request, action, host string, actor string) int {
	host = strings.ToLower(host)
	switch {
	case action == "issue" && r.Method == http.MethodPost:
		if d.cfg.Current().FindDomain(host) == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown domain"})
			return http.StatusNotFound
		}
		d.certs.QueueIssue(host)
		d.limiter.Audit(actor, "cert_issue", host, nil)
		writeJSON(w, http.StatusAccepted, map[string]string{"host": host, "state": "queued"})
		return http.StatusAccepted
	case action == "status" && r.Method == http.MethodGet:
		exists, notAfter := d.certs.StatusFor(host)
		out := map[string]any{"host": host, "exists": exists}
		if exists {
			out["notAfter"] = notAfter
		}
		writeJSON(w, http.StatusOK, out)
		return http.StatusOK
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown endpoint"})
		return http.StatusNotFound
	}
}

func (d *Dispatcher) handleMetrics(w http.ResponseWriter, action string) int {
	switch action {
	case "samples":
		if d.sampler == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "sampler disabled"})
			return http.StatusNotFound
		}
		writeJSON(w, http.StatusOK, d.sampler.Ring().Snapshot())
		return http.StatusOK
	case "hot-threads":
		if d.sampler == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "sampler disabled"})
			return http.StatusNotFound
		}
		writeJSON(w, http.StatusOK, d.sampler.HotThreads())
		return http.StatusOK
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown endpoint"})
		return http.StatusNotFound
	}
}

func (d *Dispatcher) handleAudit(w http.ResponseWriter, r *http.Request) int {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := d.store.ListAudit(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return http.StatusInternalServerError
	}
	writeJSON(w, http.StatusOK, recs)
	return http.StatusOK
}
