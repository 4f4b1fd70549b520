package certs

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/storage"
	"github.com/truthgate/truthgate/pkg/types"
)

func testManager(t *testing.T, domains []types.EdgeDomain) *Manager {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.NewStatic(&config.Config{
		Domains: domains,
		ACME:    config.ACMEConfig{CertDir: t.TempDir(), Staging: true},
	})
	m, err := NewManager(store, cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

// TestSelfSignedGeneration tests SANs and reuse across loads
func TestSelfSignedGeneration(t *testing.T) {
	dir := t.TempDir()

	first, err := loadOrCreateSelfSigned(dir, "198.51.100.9")
	if err != nil {
		t.Fatalf("loadOrCreateSelfSigned: %v", err)
	}
	if first.Leaf == nil {
		t.Fatal("leaf not parsed")
	}
	if err := first.Leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("localhost not covered: %v", err)
	}
	if err := first.Leaf.VerifyHostname("198.51.100.9"); err != nil {
		t.Errorf("IP override not covered: %v", err)
	}
	if time.Until(first.Leaf.NotAfter) < 9*365*24*time.Hour {
		t.Errorf("validity too short: %v", first.Leaf.NotAfter)
	}

	// A second load must reuse the persisted pair, not mint a new one.
	second, err := loadOrCreateSelfSigned(dir, "")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first.Leaf.SerialNumber.Cmp(second.Leaf.SerialNumber) != 0 {
		t.Error("persisted certificate was regenerated")
	}
}

// TestGetCertificateSNIPolicy tests the fallback decisions
func TestGetCertificateSNIPolicy(t *testing.T) {
	m := testManager(t, []types.EdgeDomain{
		{Domain: "tls.example", UseTLS: true},
		{Domain: "plain.example", UseTLS: false},
	})

	tests := []struct {
		name       string
		serverName string
		wantQueued bool
	}{
		{name: "no sni", serverName: ""},
		{name: "ip literal", serverName: "192.0.2.1"},
		{name: "unconfigured host", serverName: "other.example"},
		{name: "tls disabled", serverName: "plain.example"},
		{name: "configured without cert", serverName: "tls.example", wantQueued: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: tt.serverName})
			if err != nil {
				t.Fatalf("GetCertificate: %v", err)
			}
			if cert != m.selfSigned {
				t.Error("expected the self-signed fallback")
			}
			m.mu.RLock()
			queued := m.inflight[tt.serverName]
			m.mu.RUnlock()
			if queued != tt.wantQueued {
				t.Errorf("issuance queued = %v, want %v", queued, tt.wantQueued)
			}
		})
	}
}

// TestGetCertificateServesInstalled tests that a cached unexpired
// certificate wins over the fallback
func TestGetCertificateServesInstalled(t *testing.T) {
	m := testManager(t, []types.EdgeDomain{{Domain: "tls.example", UseTLS: true}})

	_, certPEM, keyPEM, err := generateSelfSigned("")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.install("tls.example", certPEM, keyPEM); err != nil {
		t.Fatalf("install: %v", err)
	}

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "tls.example"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert == m.selfSigned {
		t.Error("fallback served although a certificate is installed")
	}

	// The install also persisted the record.
	rec, err := m.store.GetCertificate("tls.example")
	if err != nil {
		t.Fatalf("stored record: %v", err)
	}
	if !rec.Staging {
		t.Error("staging flag not recorded")
	}

	ok, notAfter := m.StatusFor("tls.example")
	if !ok || notAfter.IsZero() {
		t.Errorf("StatusFor = %v, %v", ok, notAfter)
	}
}

// TestManagerReloadsStoredCerts tests cache warm-up from the store
func TestManagerReloadsStoredCerts(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := config.NewStatic(&config.Config{
		Domains: []types.EdgeDomain{{Domain: "tls.example", UseTLS: true}},
		ACME:    config.ACMEConfig{CertDir: t.TempDir()},
	})

	m1, err := NewManager(store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, certPEM, keyPEM, err := generateSelfSigned("")
	if err != nil {
		t.Fatal(err)
	}
	if err := m1.install("tls.example", certPEM, keyPEM); err != nil {
		t.Fatal(err)
	}

	// A fresh manager over the same store starts warm.
	m2, err := NewManager(store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := m2.StatusFor("tls.example"); !ok {
		t.Error("stored certificate not loaded on startup")
	}
}

// TestChallengeStore tests token presentation and serving
func TestChallengeStore(t *testing.T) {
	s := NewChallengeStore()
	if err := s.Present("tls.example", "tok123", "tok123.thumb"); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodGet, "http://tls.example"+ChallengePathPrefix+"tok123", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	if w.Code != http.StatusOK || w.Body.String() != "tok123.thumb" {
		t.Errorf("challenge response = %d %q", w.Code, w.Body.String())
	}

	if err := s.CleanUp("tls.example", "tok123", "tok123.thumb"); err != nil {
		t.Fatal(err)
	}
	w = httptest.NewRecorder()
	s.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("cleaned-up token still served: %d", w.Code)
	}

	// Path traversal shapes are rejected.
	r = httptest.NewRequest(http.MethodGet, "http://tls.example"+ChallengePathPrefix+"a/b", nil)
	w = httptest.NewRecorder()
	s.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("slash token served: %d", w.Code)
	}
}
