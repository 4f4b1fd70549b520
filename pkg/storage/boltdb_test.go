package storage

import (
	"testing"
	"time"

	"github.com/truthgate/truthgate/pkg/types"
)

func testStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestIPCounterRoundtrip tests counter persistence and retention pruning
func TestIPCounterRoundtrip(t *testing.T) {
	s := testStore(t)

	rec := &types.IPCounterRecord{
		IP:           "203.0.113.1",
		Bucket:       "202608241200",
		PublicCalls:  7,
		GatewayCalls: 3,
	}
	if err := s.PutIPCounter(rec); err != nil {
		t.Fatalf("PutIPCounter: %v", err)
	}

	got, err := s.GetIPCounter("203.0.113.1", "202608241200")
	if err != nil {
		t.Fatalf("GetIPCounter: %v", err)
	}
	if *got != *rec {
		t.Errorf("roundtrip = %+v, want %+v", got, rec)
	}

	if _, err := s.GetIPCounter("203.0.113.1", "202608241201"); err != ErrNotFound {
		t.Errorf("missing bucket err = %v, want ErrNotFound", err)
	}

	if err := s.PutGlobalCounter(&types.GlobalCounterRecord{Bucket: "202608241200", TotalCalls: 99}); err != nil {
		t.Fatal(err)
	}

	// Pruning removes everything strictly before the cutoff bucket.
	if err := s.DeleteCountersBefore("202608241201"); err != nil {
		t.Fatalf("DeleteCountersBefore: %v", err)
	}
	if _, err := s.GetIPCounter("203.0.113.1", "202608241200"); err != ErrNotFound {
		t.Errorf("counter survived pruning: %v", err)
	}
	if _, err := s.GetGlobalCounter("202608241200"); err != ErrNotFound {
		t.Errorf("global counter survived pruning: %v", err)
	}
}

// TestBanLifecycle tests put, list, and the two delete paths
func TestBanLifecycle(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	a := &types.BanRecord{ID: "b1", IP: "203.0.113.1", Scope: types.ScopeGlobal, Type: types.BanSoft, ReasonCode: "public_budget", CreatedUTC: now, ExpiresUTC: now.Add(time.Hour)}
	b := &types.BanRecord{ID: "b2", IP: "203.0.113.2", Scope: types.ScopeAdmin, Type: types.BanTrue, ReasonCode: "manual", CreatedUTC: now, ExpiresUTC: now.Add(24 * time.Hour), IsTrueBan: true}
	for _, rec := range []*types.BanRecord{a, b} {
		if err := s.PutBan(rec); err != nil {
			t.Fatalf("PutBan: %v", err)
		}
	}

	bans, err := s.ListBans()
	if err != nil {
		t.Fatalf("ListBans: %v", err)
	}
	if len(bans) != 2 {
		t.Fatalf("len(bans) = %d, want 2", len(bans))
	}

	if err := s.DeleteBan("b1"); err != nil {
		t.Fatalf("DeleteBan: %v", err)
	}
	if err := s.DeleteBansForIP("203.0.113.2"); err != nil {
		t.Fatalf("DeleteBansForIP: %v", err)
	}
	bans, _ = s.ListBans()
	if len(bans) != 0 {
		t.Errorf("len(bans) after deletes = %d, want 0", len(bans))
	}
}

// TestWhitelistLifecycle tests whitelist persistence
func TestWhitelistLifecycle(t *testing.T) {
	s := testStore(t)

	wl := &types.WhitelistRecord{ID: "w1", IPv6Prefix: "2001:db8:1:2::/64", Reason: "lab", CreatedUTC: time.Now().UTC()}
	if err := s.PutWhitelist(wl); err != nil {
		t.Fatalf("PutWhitelist: %v", err)
	}
	list, err := s.ListWhitelists()
	if err != nil || len(list) != 1 {
		t.Fatalf("ListWhitelists = %v, %v", list, err)
	}
	if list[0].IPv6Prefix != "2001:db8:1:2::/64" {
		t.Errorf("prefix = %q", list[0].IPv6Prefix)
	}

	if err := s.DeleteWhitelist("w1"); err != nil {
		t.Fatalf("DeleteWhitelist: %v", err)
	}
	list, _ = s.ListWhitelists()
	if len(list) != 0 {
		t.Errorf("whitelist survived delete")
	}
}

// TestAuditTrail tests append ordering and the limit
func TestAuditTrail(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := &types.AuditRecord{
			ID:     string(rune('a' + i)),
			TS:     base.Add(time.Duration(i) * time.Second),
			Actor:  "tester",
			Action: "ban",
			Target: "203.0.113.1",
		}
		if err := s.AppendAudit(rec); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	got, err := s.ListAudit(3)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Newest first.
	if !got[0].TS.After(got[1].TS) || !got[1].TS.After(got[2].TS) {
		t.Errorf("audit not newest-first: %v %v %v", got[0].TS, got[1].TS, got[2].TS)
	}
}

// TestCertificateRoundtrip tests cert storage by host
func TestCertificateRoundtrip(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	rec := &types.CertRecord{
		Host:      "example.com",
		CertPEM:   []byte("cert"),
		KeyPEM:    []byte("key"),
		NotAfter:  now.Add(90 * 24 * time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.PutCertificate(rec); err != nil {
		t.Fatalf("PutCertificate: %v", err)
	}
	got, err := s.GetCertificate("example.com")
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if string(got.CertPEM) != "cert" || !got.NotAfter.Equal(rec.NotAfter) {
		t.Errorf("roundtrip = %+v", got)
	}

	if _, err := s.GetCertificate("other.example"); err != ErrNotFound {
		t.Errorf("missing cert err = %v, want ErrNotFound", err)
	}

	if err := s.DeleteCertificate("example.com"); err != nil {
		t.Fatalf("DeleteCertificate: %v", err)
	}
	if _, err := s.GetCertificate("example.com"); err != ErrNotFound {
		t.Error("certificate survived delete")
	}
}

// TestACMEAccount tests per-environment account blobs
func TestACMEAccount(t *testing.T) {
	s := testStore(t)

	if _, err := s.GetACMEAccount("production"); err != ErrNotFound {
		t.Errorf("empty account err = %v, want ErrNotFound", err)
	}
	if err := s.PutACMEAccount("production", []byte(`{"uri":"x"}`)); err != nil {
		t.Fatalf("PutACMEAccount: %v", err)
	}
	got, err := s.GetACMEAccount("production")
	if err != nil || string(got) != `{"uri":"x"}` {
		t.Errorf("GetACMEAccount = %q, %v", got, err)
	}
	// Environments are isolated.
	if _, err := s.GetACMEAccount("staging"); err != ErrNotFound {
		t.Errorf("staging account leaked: %v", err)
	}
}

// TestGracePruning tests expiry-based grace cleanup
func TestGracePruning(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	old := &types.GraceRecord{IP: "203.0.113.1", KeyHash: "aa", ExpiresUTC: now.Add(-time.Hour)}
	fresh := &types.GraceRecord{IP: "203.0.113.2", KeyHash: "bb", ExpiresUTC: now.Add(time.Hour)}
	if err := s.PutGrace(old); err != nil {
		t.Fatal(err)
	}
	if err := s.PutGrace(fresh); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteGraceBefore(now); err != nil {
		t.Fatalf("DeleteGraceBefore: %v", err)
	}
}
