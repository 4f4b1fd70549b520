package certs

import (
	"net/http"
	"strings"
	"sync"

	"github.com/truthgate/truthgate/pkg/log"
)

// ChallengePathPrefix is where HTTP-01 tokens are served, in cleartext.
const ChallengePathPrefix = "/.well-known/acme-challenge/"

// ChallengeStore implements the lego HTTP-01 challenge provider and
// serves the stored tokens to the ACME validator.
type ChallengeStore struct {
	mu sync.RWMutex
	// domain -> token -> keyAuth
	challenges map[string]map[string]string
}

// NewChallengeStore creates an empty challenge store.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{challenges: make(map[string]map[string]string)}
}

// Present stores a challenge for the dispatcher to serve.
func (s *ChallengeStore) Present(domain, token, keyAuth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.challenges[domain] == nil {
		s.challenges[domain] = make(map[string]string)
	}
	s.challenges[domain][token] = keyAuth
	logger := log.WithComponent("acme")
	logger.Info().Str("domain", domain).Str("token", token).Msg("challenge presented")
	return nil
}

// CleanUp removes a challenge after verification.
func (s *ChallengeStore) CleanUp(domain, token, keyAuth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if domainChallenges, exists := s.challenges[domain]; exists {
		delete(domainChallenges, token)
		if len(domainChallenges) == 0 {
			delete(s.challenges, domain)
		}
	}
	return nil
}

// KeyAuth returns the key authorization for a token, searching all
// domains since the validator may arrive without a Host we know.
func (s *ChallengeStore) KeyAuth(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tokens := range s.challenges {
		if keyAuth, ok := tokens[token]; ok {
			return keyAuth, true
		}
	}
	return "", false
}

// ServeHTTP answers /.well-known/acme-challenge/<token> requests.
func (s *ChallengeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, ChallengePathPrefix)
	if token == "" || strings.ContainsRune(token, '/') {
		http.NotFound(w, r)
		return
	}
	keyAuth, ok := s.KeyAuth(token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(keyAuth))
}
