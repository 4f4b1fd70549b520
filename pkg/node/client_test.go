package node

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	addr := strings.TrimPrefix(srv.URL, "http://")
	return NewClient(addr, addr, func() string { return "internal-key" })
}

// TestFilesStat tests the stat call and key header
func TestFilesStat(t *testing.T) {
	var gotAuth, gotArg string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/v0/files/stat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotArg = r.URL.Query().Get("arg")
		w.Write([]byte(`{"Hash":"QmSite","Size":42,"Type":"directory"}`))
	}))

	cid, typ, err := c.FilesStat(context.Background(), "/production/sites/example.com")
	if err != nil {
		t.Fatalf("FilesStat: %v", err)
	}
	if cid != "QmSite" || typ != "directory" {
		t.Errorf("stat = %q %q", cid, typ)
	}
	if gotAuth != "Bearer internal-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotArg != "/production/sites/example.com" {
		t.Errorf("arg = %q", gotArg)
	}
}

// TestAPIErrorMapping tests status and body driven error kinds
func TestAPIErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		notFound  bool
		transient bool
	}{
		{"404", http.StatusNotFound, `{"Message":"no"}`, true, false},
		{"500 does not exist", http.StatusInternalServerError, `{"Message":"files/stat: file does not exist"}`, true, false},
		{"500 not pinned", http.StatusInternalServerError, `{"Message":"path is not pinned"}`, true, false},
		{"500 other", http.StatusInternalServerError, `{"Message":"shard fetch failed"}`, false, true},
		{"429", http.StatusTooManyRequests, ``, false, true},
		{"400", http.StatusBadRequest, `{"Message":"invalid cid"}`, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			_, _, err := c.FilesStat(context.Background(), "/x")
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := IsNotFound(err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v (%v)", got, tt.notFound, err)
			}
			if got := IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v (%v)", got, tt.transient, err)
			}
		})
	}
}

// TestIsCidLocal tests the pin-then-block probe ordering
func TestIsCidLocal(t *testing.T) {
	tests := []struct {
		name      string
		pinStatus int
		pinBody   string
		blkStatus int
		blkBody   string
		want      bool
		wantErr   bool
	}{
		{
			name:      "pinned",
			pinStatus: http.StatusOK, pinBody: `{"Keys":{}}`,
			want: true,
		},
		{
			name:      "unpinned but cached block",
			pinStatus: http.StatusInternalServerError, pinBody: `{"Message":"path is not pinned"}`,
			blkStatus: http.StatusOK, blkBody: `{"Size":1}`,
			want: true,
		},
		{
			name:      "absent everywhere",
			pinStatus: http.StatusInternalServerError, pinBody: `{"Message":"path is not pinned"}`,
			blkStatus: http.StatusInternalServerError, blkBody: `{"Message":"block does not exist"}`,
			want: false,
		},
		{
			name:      "node down",
			pinStatus: http.StatusBadGateway, pinBody: ``,
			want: false, wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var blockProbed bool
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/api/v0/pin/ls":
					w.WriteHeader(tt.pinStatus)
					w.Write([]byte(tt.pinBody))
				case "/api/v0/block/stat":
					blockProbed = true
					w.WriteHeader(tt.blkStatus)
					w.Write([]byte(tt.blkBody))
				default:
					t.Errorf("unexpected call %s", r.URL.Path)
				}
			}))

			got, err := c.IsCidLocal(context.Background(), "QmX")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IsCidLocal = %v, want %v", got, tt.want)
			}
			if tt.name == "pinned" && blockProbed {
				t.Error("block/stat probed although pin/ls succeeded")
			}
		})
	}
}

// TestListDir tests the case-folded name index
func TestListDir(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Objects":[{"Links":[{"Name":"Index.HTML"},{"Name":"Assets"},{"Name":"assets"}]}]}`))
	}))

	names, err := c.ListDir(context.Background(), "QmX")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if names["index.html"] != "Index.HTML" {
		t.Errorf("index entry = %q", names["index.html"])
	}
	// First entry per folded name wins.
	if names["assets"] != "Assets" {
		t.Errorf("assets entry = %q", names["assets"])
	}
}

// TestNamePublish tests argument encoding
func TestNamePublish(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("arg") != "/ipfs/QmX" || q.Get("key") != "example.com" {
			t.Errorf("query = %v", q)
		}
		if q.Get("lifetime") != "24h0m0s" || q.Get("ttl") != "1m0s" {
			t.Errorf("durations = %q %q", q.Get("lifetime"), q.Get("ttl"))
		}
		w.Write([]byte(`{"Name":"k51peer","Value":"/ipfs/QmX"}`))
	}))

	peer, err := c.NamePublish(context.Background(), "example.com", "QmX", 24*time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("NamePublish: %v", err)
	}
	if peer != "k51peer" {
		t.Errorf("peer = %q", peer)
	}
}
