package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/types"
)

// fakeSiteNode emulates the slice of the content node the gateway
// touches while serving sites: MFS stats, pin and block presence, IPNS
// resolution, directory listings, CID formatting, and gateway content.
type fakeSiteNode struct {
	mu       sync.Mutex
	mfs      map[string]string            // MFS folder -> cid
	ipns     map[string]string            // IPNS name -> cid
	sites    map[string]map[string]string // cid -> relative path -> body
	notLocal map[string]bool
	cidV0    string
	cidV1    string
}

func newFakeSiteNode() *fakeSiteNode {
	return &fakeSiteNode{
		mfs:      make(map[string]string),
		ipns:     make(map[string]string),
		sites:    make(map[string]map[string]string),
		notLocal: make(map[string]bool),
	}
}

func (f *fakeSiteNode) addSite(cid string, files map[string]string) {
	f.sites[cid] = files
}

func (f *fakeSiteNode) nodeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (f *fakeSiteNode) nodeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"Message": msg})
}

func (f *fakeSiteNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op, ok := strings.CutPrefix(r.URL.Path, "/api/v0/"); ok {
		f.serveAPI(w, r, op)
		return
	}
	f.serveContent(w, r)
}

func (f *fakeSiteNode) serveAPI(w http.ResponseWriter, r *http.Request, op string) {
	arg := r.URL.Query().Get("arg")
	switch op {
	case "files/stat":
		cid, ok := f.mfs[arg]
		if !ok {
			f.nodeError(w, http.StatusInternalServerError, "files/stat: file does not exist")
			return
		}
		f.nodeJSON(w, map[string]any{"Hash": cid, "Type": "directory"})
	case "pin/ls":
		if f.notLocal[arg] {
			f.nodeError(w, http.StatusInternalServerError, "path '"+arg+"' is not pinned")
			return
		}
		f.nodeJSON(w, map[string]any{"Keys": map[string]any{}})
	case "block/stat":
		if f.notLocal[arg] {
			f.nodeError(w, http.StatusNotFound, "blockservice: key not found")
			return
		}
		f.nodeJSON(w, map[string]any{"Key": arg, "Size": 1})
	case "name/resolve":
		cid, ok := f.ipns[arg]
		if !ok {
			f.nodeError(w, http.StatusInternalServerError, "could not resolve name: record does not exist")
			return
		}
		f.nodeJSON(w, map[string]string{"Path": "/ipfs/" + cid})
	case "ls":
		f.serveLs(w, arg)
	case "cid/format":
		if r.URL.Query().Get("v") == "0" {
			f.nodeJSON(w, map[string]string{"Formatted": f.cidV0})
			return
		}
		f.nodeJSON(w, map[string]string{"Formatted": f.cidV1})
	default:
		f.nodeError(w, http.StatusNotFound, "unknown command")
	}
}

func (f *fakeSiteNode) serveLs(w http.ResponseWriter, arg string) {
	target := strings.TrimPrefix(arg, "/ipfs/")
	cid, dir, _ := strings.Cut(target, "/")
	files, ok := f.sites[cid]
	if !ok {
		f.nodeError(w, http.StatusInternalServerError, "ls: file does not exist")
		return
	}
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	seen := make(map[string]bool)
	links := []map[string]string{}
	for p := range files {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		links = append(links, map[string]string{"Name": name})
	}
	f.nodeJSON(w, map[string]any{
		"Objects": []map[string]any{{"Links": links}},
	})
}

func (f *fakeSiteNode) serveContent(w http.ResponseWriter, r *http.Request) {
	rest, ok := strings.CutPrefix(r.URL.Path, "/ipfs/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	cid, p, _ := strings.Cut(rest, "/")
	body, ok := f.sites[cid][p]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write([]byte(body))
}

// siteTestDispatcher points both node endpoints at the fake and builds
// a dispatcher over it.
func siteTestDispatcher(t *testing.T, f *fakeSiteNode, cfg *config.Config) *Dispatcher {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	addr := strings.TrimPrefix(srv.URL, "http://")
	cfg.NodeAPIAddr = addr
	cfg.NodeGateway = addr
	return testDispatcher(t, cfg)
}

func fetchSite(t *testing.T, d *Dispatcher, host, path, ip, accept string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "http://"+host+path, nil)
	r.RemoteAddr = ip + ":40000"
	r.Header.Set("Accept", accept)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)
	return w
}

// TestSiteSpaFallbackPrefersIndex tests that an unknown navigational
// route lands on index.html even when 200.html is also published
func TestSiteSpaFallbackPrefersIndex(t *testing.T) {
	f := newFakeSiteNode()
	f.mfs["/production/sites/docs.example"] = "QmDocsRoot"
	f.addSite("QmDocsRoot", map[string]string{
		"index.html": "app shell",
		"200.html":   "static shell",
	})
	d := siteTestDispatcher(t, f, &config.Config{
		Environment: "production",
		Domains:     []types.EdgeDomain{{Domain: "docs.example", SiteFolderLeaf: "docs.example"}},
	})

	w := fetchSite(t, d, "docs.example", "/deep/route", "203.0.113.100", "text/html")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}
	if w.Body.String() != "app shell" {
		t.Errorf("body = %q, want the index.html shell", w.Body.String())
	}
}

// TestSiteSpaFallbackUses200Html tests the second fallback when no
// index.html exists
func TestSiteSpaFallbackUses200Html(t *testing.T) {
	f := newFakeSiteNode()
	f.mfs["/production/sites/static.example"] = "QmStaticRoot"
	f.addSite("QmStaticRoot", map[string]string{
		"200.html": "static shell",
	})
	d := siteTestDispatcher(t, f, &config.Config{
		Environment: "production",
		Domains:     []types.EdgeDomain{{Domain: "static.example", SiteFolderLeaf: "static.example"}},
	})

	w := fetchSite(t, d, "static.example", "/deep/route", "203.0.113.101", "text/html")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}
	if w.Body.String() != "static shell" {
		t.Errorf("body = %q, want the 200.html shell", w.Body.String())
	}
}

// TestSiteExtensionedPathSkipsFallback tests that a missing path naming
// a file by extension 404s instead of landing on the app shell, while
// the extensionless sibling route still falls back
func TestSiteExtensionedPathSkipsFallback(t *testing.T) {
	f := newFakeSiteNode()
	f.mfs["/production/sites/app.example"] = "QmAppRoot"
	f.addSite("QmAppRoot", map[string]string{
		"index.html": "app shell",
	})
	d := siteTestDispatcher(t, f, &config.Config{
		Environment: "production",
		Domains:     []types.EdgeDomain{{Domain: "app.example", SiteFolderLeaf: "app.example"}},
	})

	w := fetchSite(t, d, "app.example", "/missing/app.js", "203.0.113.102", "text/html")
	if w.Code != http.StatusNotFound {
		t.Fatalf("extensioned miss status = %d, want 404", w.Code)
	}
	if w.Body.String() != bodyPathNotFound {
		t.Errorf("extensioned miss body = %q, want %q", w.Body.String(), bodyPathNotFound)
	}

	w = fetchSite(t, d, "app.example", "/missing/route", "203.0.113.102", "text/html")
	if w.Code != http.StatusOK || w.Body.String() != "app shell" {
		t.Errorf("extensionless miss = %d %q, want the app shell", w.Code, w.Body.String())
	}
}

// TestSiteNotFoundBodies tests that each refusal stage answers with its
// own body: unpublished site, unpinned root, plain path miss
func TestSiteNotFoundBodies(t *testing.T) {
	f := newFakeSiteNode()
	f.mfs["/production/sites/gone.example"] = "QmGoneRoot"
	f.notLocal["QmGoneRoot"] = true
	f.mfs["/production/sites/live.example"] = "QmLiveRoot"
	f.addSite("QmLiveRoot", map[string]string{"index.html": "live home"})

	d := siteTestDispatcher(t, f, &config.Config{
		Environment: "production",
		Domains: []types.EdgeDomain{
			{Domain: "ghost.example", SiteFolderLeaf: "ghost.example"},
			{Domain: "gone.example", SiteFolderLeaf: "gone.example"},
			{Domain: "live.example", SiteFolderLeaf: "live.example"},
		},
	})

	cases := []struct {
		name string
		host string
		path string
		want string
	}{
		{"unpublished", "ghost.example", "/", bodySiteNotFound},
		{"root not local", "gone.example", "/", bodySiteNotLocal},
		{"path miss", "live.example", "/missing.txt", bodyPathNotFound},
	}
	for _, tc := range cases {
		w := fetchSite(t, d, tc.host, tc.path, "203.0.113.110", "text/html")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", tc.name, w.Code)
		}
		if w.Body.String() != tc.want {
			t.Errorf("%s: body = %q, want %q", tc.name, w.Body.String(), tc.want)
		}
	}
}

// TestWildcardHostServesIpnsRoot tests that <label>.<wildcardBase>
// serves what the domain's IPNS name points to, not the MFS folder
func TestWildcardHostServesIpnsRoot(t *testing.T) {
	const peerID = "k51qzi5uqu5dgutdk6i1ynyzg"

	f := newFakeSiteNode()
	f.mfs["/production/sites/site.example"] = "QmMfsRoot"
	f.addSite("QmMfsRoot", map[string]string{"index.html": "mfs home"})
	f.ipns[peerID] = "QmIpnsRoot"
	f.addSite("QmIpnsRoot", map[string]string{"index.html": "ipns home"})

	d := siteTestDispatcher(t, f, &config.Config{
		Environment:  "production",
		WildcardBase: "wild.example",
		Domains: []types.EdgeDomain{{
			Domain:         "site.example",
			SiteFolderLeaf: "site.example",
			IpnsPeerID:     peerID,
		}},
	})

	w := fetchSite(t, d, peerID+".wild.example", "/", "203.0.113.120", "text/html")
	if w.Code != http.StatusOK {
		t.Fatalf("wildcard status = %d, body %q", w.Code, w.Body.String())
	}
	if w.Body.String() != "ipns home" {
		t.Errorf("wildcard body = %q, want the IPNS-resolved content", w.Body.String())
	}

	w = fetchSite(t, d, "site.example", "/", "203.0.113.120", "text/html")
	if w.Code != http.StatusOK || w.Body.String() != "mfs home" {
		t.Errorf("mapped host = %d %q, want the MFS content", w.Code, w.Body.String())
	}
}
