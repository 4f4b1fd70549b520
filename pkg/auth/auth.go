package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/log"
)

const (
	// SessionCookie is the cookie name carrying the session token.
	SessionCookie = "tg_session"

	sessionTTL     = 8 * time.Hour
	internalKeyAge = 30 * 24 * time.Hour
)

// Session is one logged-in browser session with a sliding expiry.
type Session struct {
	Token    string
	Username string
	Expires  time.Time
}

// Service verifies admin keys, manages cookie sessions, and owns the
// process-wide internal rotating key.
type Service struct {
	cfg *config.Manager

	mu       sync.RWMutex
	sessions map[string]*Session

	keyMu       sync.RWMutex
	internalKey string
	keyIssued   time.Time

	stopCh chan struct{}
}

// NewService creates the auth service and generates the initial internal
// rotating key.
func NewService(cfg *config.Manager) (*Service, error) {
	key, err := newInternalKey()
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:         cfg,
		sessions:    make(map[string]*Session),
		internalKey: key,
		keyIssued:   time.Now(),
		stopCh:      make(chan struct{}),
	}, nil
}

// newInternalKey returns 32 random bytes as unpadded base64url.
func newInternalKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate internal key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// InternalKey returns the current internal rotating key.
func (s *Service) InternalKey() string {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.internalKey
}

// IsInternalKey reports whether k equals the current internal key, in
// constant time.
func (s *Service) IsInternalKey(k string) bool {
	if k == "" {
		return false
	}
	s.keyMu.RLock()
	cur := s.internalKey
	s.keyMu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(k), []byte(cur)) == 1
}

// Start launches the rotation and session sweep loops.
func (s *Service) Start() {
	ticker := time.NewTicker(time.Hour)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.maybeRotate()
				s.sweepSessions()
			case <-s.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the background loops.
func (s *Service) Stop() {
	close(s.stopCh)
}

func (s *Service) maybeRotate() {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if time.Since(s.keyIssued) < internalKeyAge {
		return
	}
	logger := log.WithComponent("auth")
	key, err := newInternalKey()
	if err != nil {
		logger.Error().Err(err).Msg("internal key rotation failed")
		return
	}
	s.internalKey = key
	s.keyIssued = time.Now()
	logger.Info().Msg("internal key rotated")
}

func (s *Service) sweepSessions() {
	now := time.Now()
	s.mu.Lock()
	for token, sess := range s.sessions {
		if now.After(sess.Expires) {
			delete(s.sessions, token)
		}
	}
	s.mu.Unlock()
}

// Login verifies a username/password pair against the configured users
// and creates a session. Verification is constant time per entry.
func (s *Service) Login(username, password string) (*Session, error) {
	var matched bool
	for _, u := range s.cfg.Current().Users {
		if subtle.ConstantTimeCompare([]byte(u.Username), []byte(username)) == 1 {
			if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil {
				matched = true
			}
		}
	}
	if !matched {
		return nil, fmt.Errorf("invalid credentials")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	sess := &Session{
		Token:    base64.RawURLEncoding.EncodeToString(raw),
		Username: username,
		Expires:  time.Now().Add(sessionTTL),
	}
	s.mu.Lock()
	s.sessions[sess.Token] = sess
	s.mu.Unlock()
	return sess, nil
}

// VerifyRequest returns the session for a request's cookie, sliding its
// expiry on success.
func (s *Service) VerifyRequest(r *http.Request) (*Session, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[c.Value]
	if !ok {
		return nil, false
	}
	if time.Now().After(sess.Expires) {
		delete(s.sessions, c.Value)
		return nil, false
	}
	sess.Expires = time.Now().Add(sessionTTL)
	return sess, true
}

// Logout drops the request's session if one exists.
func (s *Service) Logout(r *http.Request) {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.sessions, c.Value)
	s.mu.Unlock()
}

// SetSessionCookie writes the session cookie: secure, http-only,
// same-site none, path /.
func SetSessionCookie(w http.ResponseWriter, sess *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.Expires,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
	})
}

// ExtractKey pulls the candidate API key from, in order: X-API-Key
// header, ?api_key=, ?key=, Authorization: Bearer.
func ExtractKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	q := r.URL.Query()
	if k := q.Get("api_key"); k != "" {
		return k
	}
	if k := q.Get("key"); k != "" {
		return k
	}
	if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
		return strings.TrimPrefix(ah, "Bearer ")
	}
	return ""
}

// VerifyAdminKey reports whether k is the internal key or verifies
// against any stored hashed key entry.
func (s *Service) VerifyAdminKey(k string) bool {
	if k == "" {
		return false
	}
	if s.IsInternalKey(k) {
		return true
	}
	for _, hash := range s.cfg.Current().AdminKeys {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(k)) == nil {
			return true
		}
	}
	return false
}

// HashKey returns the sha256 hex digest of a key, used for grace
// records so plaintext keys never reach storage.
func HashKey(k string) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:])
}
