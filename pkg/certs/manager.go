package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/rs/zerolog"

	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/log"
	"github.com/truthgate/truthgate/pkg/metrics"
	"github.com/truthgate/truthgate/pkg/storage"
	"github.com/truthgate/truthgate/pkg/types"
)

const (
	stagingDirectory    = "https://acme-staging-v02.api.letsencrypt.org/directory"
	productionDirectory = "https://acme-v02.api.letsencrypt.org/directory"

	renewalThreshold = 30 * 24 * time.Hour
)

// acmeUser implements the lego registration user interface.
type acmeUser struct {
	Email        string
	Registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.Email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// storedAccount is the persisted ACME account: key plus registration,
// pinned per environment.
type storedAccount struct {
	KeyPEM       []byte                 `json:"keyPem"`
	Registration *registration.Resource `json:"registration"`
}

// Manager owns the per-host certificate lifecycle: on-demand issuance,
// renewal, and SNI selection with a self-signed fallback.
type Manager struct {
	store      storage.Store
	cfg        *config.Manager
	challenges *ChallengeStore
	logger     zerolog.Logger

	staging    bool
	email      string
	selfSigned *tls.Certificate

	mu       sync.RWMutex
	cache    map[string]*tls.Certificate
	inflight map[string]bool

	legoMu sync.Mutex
	client *lego.Client

	queue  chan string
	stopCh chan struct{}
}

// NewManager creates the certificate manager and its fallback
// certificate.
func NewManager(store storage.Store, cfg *config.Manager) (*Manager, error) {
	acme := cfg.Current().ACME
	selfSigned, err := loadOrCreateSelfSigned(acme.CertDir, acme.SelfSignedIP)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare fallback certificate: %w", err)
	}

	m := &Manager{
		store:      store,
		cfg:        cfg,
		challenges: NewChallengeStore(),
		logger:     log.WithComponent("certs"),
		staging:    acme.Staging,
		email:      acme.Email,
		selfSigned: selfSigned,
		cache:      make(map[string]*tls.Certificate),
		inflight:   make(map[string]bool),
		queue:      make(chan string, 32),
		stopCh:     make(chan struct{}),
	}
	if err := m.loadStoredCerts(); err != nil {
		return nil, err
	}
	return m, nil
}

// Challenges exposes the HTTP-01 challenge store for the dispatcher.
func (m *Manager) Challenges() *ChallengeStore {
	return m.challenges
}

func (m *Manager) loadStoredCerts() error {
	recs, err := m.store.ListCertificates()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		cert, err := tls.X509KeyPair(rec.CertPEM, rec.KeyPEM)
		if err != nil {
			m.logger.Warn().Err(err).Str("host", rec.Host).Msg("stored certificate unusable")
			continue
		}
		if cert.Leaf == nil && len(cert.Certificate) > 0 {
			cert.Leaf, _ = x509.ParseCertificate(cert.Certificate[0])
		}
		m.cache[rec.Host] = &cert
	}
	return nil
}

// Start launches the issuance worker and renewal scheduler.
func (m *Manager) Start() {
	go m.issueWorker()
	renewTicker := time.NewTicker(24 * time.Hour)
	go func() {
		for {
			select {
			case <-renewTicker.C:
				m.renewExpiring()
			case <-m.stopCh:
				renewTicker.Stop()
				return
			}
		}
	}()
	m.logger.Info().Bool("staging", m.staging).Msg("certificate manager started")
}

// Stop stops the background workers.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// GetCertificate is the TLS SNI callback. Decision: self-signed when SNI
// is absent, an IP literal, or an unconfigured host; the real
// certificate when one is cached and unexpired; otherwise queue an
// issuance and serve the fallback in the meantime.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" || net.ParseIP(host) != nil {
		return m.selfSigned, nil
	}
	d := m.cfg.Current().FindDomain(host)
	if d == nil || !d.UseTLS {
		return m.selfSigned, nil
	}

	m.mu.RLock()
	cert, ok := m.cache[host]
	m.mu.RUnlock()
	if ok && cert.Leaf != nil && time.Now().Before(cert.Leaf.NotAfter) {
		return cert, nil
	}

	m.QueueIssue(host)
	return m.selfSigned, nil
}

// QueueIssue requests an issuance for the host, at most one in flight
// per host.
func (m *Manager) QueueIssue(host string) {
	m.mu.Lock()
	if m.inflight[host] {
		m.mu.Unlock()
		return
	}
	m.inflight[host] = true
	m.mu.Unlock()

	select {
	case m.queue <- host:
	default:
		// Queue full; drop the marker so a later request retries.
		m.mu.Lock()
		delete(m.inflight, host)
		m.mu.Unlock()
	}
}

// StatusFor reports whether a certificate exists for the host and its
// expiry.
func (m *Manager) StatusFor(host string) (bool, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cert, ok := m.cache[host]
	if !ok || cert.Leaf == nil {
		return false, time.Time{}
	}
	return true, cert.Leaf.NotAfter
}

func (m *Manager) issueWorker() {
	for {
		select {
		case host := <-m.queue:
			if err := m.issue(host); err != nil {
				metrics.CertIssuances.WithLabelValues("error").Inc()
				m.logger.Error().Err(err).Str("host", host).Msg("issuance failed")
			} else {
				metrics.CertIssuances.WithLabelValues("ok").Inc()
			}
			m.mu.Lock()
			delete(m.inflight, host)
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) env() string {
	if m.staging {
		return "staging"
	}
	return "production"
}

// ensureClient lazily builds the lego client with the per-environment
// pinned account key.
func (m *Manager) ensureClient() (*lego.Client, error) {
	m.legoMu.Lock()
	defer m.legoMu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	user, fresh, err := m.loadOrCreateAccount()
	if err != nil {
		return nil, err
	}

	legoCfg := lego.NewConfig(user)
	if m.staging {
		legoCfg.CADirURL = stagingDirectory
	} else {
		legoCfg.CADirURL = productionDirectory
	}
	legoCfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ACME client: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(m.challenges); err != nil {
		return nil, fmt.Errorf("failed to set HTTP-01 provider: %w", err)
	}

	if fresh || user.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, fmt.Errorf("failed to register ACME account: %w", err)
		}
		user.Registration = reg
		if err := m.saveAccount(user); err != nil {
			m.logger.Warn().Err(err).Msg("account persist failed")
		}
	}

	m.client = client
	return client, nil
}

func (m *Manager) loadOrCreateAccount() (*acmeUser, bool, error) {
	data, err := m.store.GetACMEAccount(m.env())
	if err == nil {
		var stored storedAccount
		if err := json.Unmarshal(data, &stored); err == nil {
			block, _ := pem.Decode(stored.KeyPEM)
			if block != nil {
				if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
					return &acmeUser{Email: m.email, Registration: stored.Registration, key: key}, false, nil
				}
			}
		}
		m.logger.Warn().Msg("stored ACME account unreadable, creating a new one")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate account key: %w", err)
	}
	return &acmeUser{Email: m.email, key: key}, true, nil
}

func (m *Manager) saveAccount(user *acmeUser) error {
	key, ok := user.key.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("unexpected account key type")
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	stored := storedAccount{
		KeyPEM:       pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}),
		Registration: user.Registration,
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return m.store.PutACMEAccount(m.env(), data)
}

func (m *Manager) issue(host string) error {
	client, err := m.ensureClient()
	if err != nil {
		return err
	}

	m.logger.Info().Str("host", host).Msg("requesting certificate")
	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{host},
		Bundle:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to obtain certificate: %w", err)
	}
	return m.install(host, res.Certificate, res.PrivateKey)
}

func (m *Manager) install(host string, certPEM, keyPEM []byte) error {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("failed to decode certificate PEM")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	now := time.Now()
	rec := &types.CertRecord{
		Host:      host,
		CertPEM:   certPEM,
		KeyPEM:    keyPEM,
		NotAfter:  leaf.NotAfter,
		Staging:   m.staging,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.PutCertificate(rec); err != nil {
		return fmt.Errorf("failed to persist certificate: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return err
	}
	cert.Leaf = leaf

	m.mu.Lock()
	m.cache[host] = &cert
	m.mu.Unlock()

	m.logger.Info().Str("host", host).Time("not_after", leaf.NotAfter).Msg("certificate installed")
	return nil
}

// renewExpiring re-issues every configured host whose certificate is
// within the renewal window.
func (m *Manager) renewExpiring() {
	now := time.Now()
	for i := range m.cfg.Current().Domains {
		d := &m.cfg.Current().Domains[i]
		if !d.UseTLS {
			continue
		}
		m.mu.RLock()
		cert, ok := m.cache[d.Domain]
		m.mu.RUnlock()
		if !ok || cert.Leaf == nil {
			m.QueueIssue(d.Domain)
			continue
		}
		if cert.Leaf.NotAfter.Sub(now) <= renewalThreshold {
			m.logger.Info().Str("host", d.Domain).Time("not_after", cert.Leaf.NotAfter).Msg("renewing certificate")
			m.QueueIssue(d.Domain)
		}
	}
}
