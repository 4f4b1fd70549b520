package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/truthgate/truthgate/pkg/config"
)

func testService(t *testing.T, users []config.User, adminKeys []string) *Service {
	t.Helper()
	cfg := config.NewStatic(&config.Config{Users: users, AdminKeys: adminKeys})
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func hash(t *testing.T, plain string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

// TestExtractKey tests the key source precedence
func TestExtractKey(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{
			name:  "header wins",
			setup: func(r *http.Request) { r.Header.Set("X-API-Key", "hdr") },
			want:  "hdr",
		},
		{
			name:  "api_key param",
			setup: func(r *http.Request) { r.URL.RawQuery = "api_key=qp" },
			want:  "qp",
		},
		{
			name:  "key param",
			setup: func(r *http.Request) { r.URL.RawQuery = "key=kp" },
			want:  "kp",
		},
		{
			name:  "bearer",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") },
			want:  "tok",
		},
		{
			name: "header beats bearer",
			setup: func(r *http.Request) {
				r.Header.Set("X-API-Key", "hdr")
				r.Header.Set("Authorization", "Bearer tok")
			},
			want: "hdr",
		},
		{
			name:  "none",
			setup: func(r *http.Request) {},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://x/", nil)
			tt.setup(r)
			if got := ExtractKey(r); got != tt.want {
				t.Errorf("ExtractKey = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestLoginAndSessionSlide tests session creation and sliding expiry
func TestLoginAndSessionSlide(t *testing.T) {
	svc := testService(t, []config.User{
		{Username: "alice", PasswordHash: hash(t, "s3cret")},
	}, nil)

	if _, err := svc.Login("alice", "wrong"); err == nil {
		t.Fatal("bad password accepted")
	}
	if _, err := svc.Login("bob", "s3cret"); err == nil {
		t.Fatal("unknown user accepted")
	}

	sess, err := svc.Login("alice", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "http://x/", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: sess.Token})

	got, ok := svc.VerifyRequest(r)
	if !ok || got.Username != "alice" {
		t.Fatalf("VerifyRequest = %+v, %v", got, ok)
	}
	firstExpiry := got.Expires

	time.Sleep(10 * time.Millisecond)
	got, ok = svc.VerifyRequest(r)
	if !ok {
		t.Fatal("second verify failed")
	}
	if !got.Expires.After(firstExpiry) {
		t.Error("expiry did not slide forward")
	}

	svc.Logout(r)
	if _, ok := svc.VerifyRequest(r); ok {
		t.Error("session alive after logout")
	}
}

// TestVerifyAdminKey tests stored hash and internal key acceptance
func TestVerifyAdminKey(t *testing.T) {
	svc := testService(t, nil, []string{hash(t, "admin-key-1")})

	if !svc.VerifyAdminKey("admin-key-1") {
		t.Error("configured key rejected")
	}
	if svc.VerifyAdminKey("nope") {
		t.Error("unknown key accepted")
	}
	if svc.VerifyAdminKey("") {
		t.Error("empty key accepted")
	}
	if !svc.VerifyAdminKey(svc.InternalKey()) {
		t.Error("internal key rejected")
	}
	if !svc.IsInternalKey(svc.InternalKey()) {
		t.Error("IsInternalKey failed for current key")
	}
	if svc.IsInternalKey("other") {
		t.Error("IsInternalKey accepted a foreign value")
	}
}

// TestHashKeyStable tests the digest used for grace records
func TestHashKeyStable(t *testing.T) {
	a := HashKey("k")
	b := HashKey("k")
	if a != b {
		t.Error("HashKey not deterministic")
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(a))
	}
	if HashKey("other") == a {
		t.Error("distinct keys collide")
	}
}
