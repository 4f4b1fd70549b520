package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestClassify tests the proxy outcome mapping
func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		wantOK bool
	}{
		{200, true},
		{204, true},
		{304, false},
		{400, false},
		{404, false},
		{410, false},
		{500, false},
	}
	for _, tt := range tests {
		if got := classify(tt.status); got.OK != tt.wantOK {
			t.Errorf("classify(%d).OK = %v, want %v", tt.status, got.OK, tt.wantOK)
		}
	}
}

// TestIsIndexLike tests index path detection
func TestIsIndexLike(t *testing.T) {
	tests := []struct {
		logical string
		want    bool
	}{
		{"", true},
		{"docs/", true},
		{"index.html", true},
		{"docs/Index.HTML", true},
		{"app.js", false},
		{"docs/page", false},
	}
	for _, tt := range tests {
		if got := isIndexLike(tt.logical); got != tt.want {
			t.Errorf("isIndexLike(%q) = %v, want %v", tt.logical, got, tt.want)
		}
	}
}

// TestRewriteRootURLs tests root-absolute URL prefixing
func TestRewriteRootURLs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "href rewritten",
			in:   `<a href="/page">x</a>`,
			want: `<a href="/ipfs/QmX/page">x</a>`,
		},
		{
			name: "src rewritten",
			in:   `<script src="/app.js"></script>`,
			want: `<script src="/ipfs/QmX/app.js"></script>`,
		},
		{
			name: "single quotes",
			in:   `<form action='/submit'>`,
			want: `<form action='/ipfs/QmX/submit'>`,
		},
		{
			name: "bare root",
			in:   `<a href="/">home</a>`,
			want: `<a href="/ipfs/QmX/">home</a>`,
		},
		{
			name: "protocol-relative untouched",
			in:   `<script src="//cdn.example.com/lib.js"></script>`,
			want: `<script src="//cdn.example.com/lib.js"></script>`,
		},
		{
			name: "relative untouched",
			in:   `<a href="page.html">x</a>`,
			want: `<a href="page.html">x</a>`,
		},
		{
			name: "absolute url untouched",
			in:   `<a href="https://example.com/x">x</a>`,
			want: `<a href="https://example.com/x">x</a>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(RewriteRootURLs([]byte(tt.in), "/ipfs/QmX/"))
			if got != tt.want {
				t.Errorf("RewriteRootURLs(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestForwardScrubsHeaders tests hop-by-hop and conditional stripping
func TestForwardScrubsHeaders(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("X-Upstream", "yes")
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	r := httptest.NewRequest(http.MethodGet, "http://edge.example/x", nil)
	r.Header.Set("Connection", "keep-alive")
	r.Header.Set("Upgrade", "h2c")
	r.Header.Set("If-None-Match", `"abc"`)
	r.Header.Set("X-Custom", "kept")
	w := httptest.NewRecorder()

	res := Forward(w, r, upstream.Client(), Options{TargetURL: upstream.URL + "/x", FreshFetch: true})
	if !res.OK || res.Status != http.StatusOK {
		t.Fatalf("Forward = %+v, want OK 200", res)
	}
	if seen.Get("Connection") != "" || seen.Get("Upgrade") != "" {
		t.Error("hop-by-hop headers leaked upstream")
	}
	if seen.Get("If-None-Match") != "" {
		t.Error("conditional header leaked on fresh fetch")
	}
	if seen.Get("X-Custom") != "kept" {
		t.Error("ordinary header dropped")
	}
	if w.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream response header not copied")
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS headers missing")
	}
}

// TestForwardRewritesIndexHTML tests end-to-end HTML rewriting
func TestForwardRewritesIndexHTML(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<link href="/style.css">`))
	}))
	defer upstream.Close()

	r := httptest.NewRequest(http.MethodGet, "http://edge.example/", nil)
	w := httptest.NewRecorder()
	res := Forward(w, r, upstream.Client(), Options{
		TargetURL:          upstream.URL + "/",
		RewriteIndexForCid: true,
		BasePrefix:         "/ipfs/QmX/",
		LogicalPath:        "",
	})
	if !res.OK {
		t.Fatalf("Forward = %+v, want OK", res)
	}
	body := w.Body.String()
	if !strings.Contains(body, `href="/ipfs/QmX/style.css"`) {
		t.Errorf("index body not rewritten: %q", body)
	}
}
