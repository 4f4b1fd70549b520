package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/truthgate/truthgate/pkg/types"
)

// User is a local login account.
type User struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"passwordHash"` // bcrypt
}

// PublicTier scales the per-IP public budget once the global minute total
// crosses Threshold. Tiers must be sorted ascending by Threshold.
type PublicTier struct {
	Threshold    int64 `yaml:"threshold"`
	NewPerMinute int64 `yaml:"newPerMinute"`
}

// RateLimitConfig holds the limiter tunables.
type RateLimitConfig struct {
	FlushIntervalSeconds  int          `yaml:"flushIntervalSeconds"`
	RetentionHours        int          `yaml:"retentionHours"`
	PublicTiers           []PublicTier `yaml:"publicTiers"`
	PublicBanMinutes      int          `yaml:"publicBanMinutes"`
	GatewayFreePerMinute  int64        `yaml:"gatewayFreePerMinute"`
	GatewayOveragePerHour int64        `yaml:"gatewayOveragePerHour"`
	GatewayBanMinutes     int          `yaml:"gatewayBanMinutes"`
	AdminBadKeyThreshold  int64        `yaml:"adminBadKeyThreshold"` // per 24h
	AdminBanMinutes       int          `yaml:"adminBanMinutes"`
	// EscalationFactors multiply the admin ban duration on repeat
	// threshold crossings (e.g. [4, 10]); the last factor may promote to
	// a true ban. Nil disables escalation.
	EscalationFactors      []int   `yaml:"escalationFactors"`
	ChurnNewConnPerSec     float64 `yaml:"churnNewConnPerSec"`
	ChurnMinAvgReqPerConn  float64 `yaml:"churnMinAvgReqPerConn"`
	ChurnWindowSeconds     int     `yaml:"churnWindowSeconds"`
	AutoWhitelistAuthedIPs bool    `yaml:"autoWhitelistAuthedIPs"`
	AutoWhitelistDays      int     `yaml:"autoWhitelistDays"`
}

// ACMEConfig holds certificate lifecycle settings.
type ACMEConfig struct {
	Email   string `yaml:"email"`
	Staging bool   `yaml:"staging"`
	CertDir string `yaml:"certDir"`
	// SelfSignedIP is placed in the fallback certificate's SANs.
	SelfSignedIP string `yaml:"selfSignedIP"`
}

// Config is the process-wide configuration snapshot. Snapshots are
// immutable once published; hot reload swaps the whole value.
type Config struct {
	Environment  string             `yaml:"environment"` // "production" disables dev host overrides
	HTTPAddr     string             `yaml:"httpAddr"`
	HTTPSAddr    string             `yaml:"httpsAddr"`
	NodeAPIAddr  string             `yaml:"nodeApiAddr"`  // 127.0.0.1:5001
	NodeGateway  string             `yaml:"nodeGateway"`  // 127.0.0.1:8080
	DataDir      string             `yaml:"dataDir"`
	WildcardBase string             `yaml:"wildcardBase"` // optional IPNS wildcard base host
	Domains      []types.EdgeDomain `yaml:"domains"`
	AdminKeys    []string           `yaml:"adminKeys"` // bcrypt hashes
	Users        []User             `yaml:"users"`
	RateLimit    RateLimitConfig    `yaml:"rateLimit"`
	ACME         ACMEConfig         `yaml:"acme"`
	LogLevel     string             `yaml:"logLevel"`
	LogJSON      bool               `yaml:"logJson"`
}

// Defaults applied to zero fields after load.
func (c *Config) applyDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":80"
	}
	if c.HTTPSAddr == "" {
		c.HTTPSAddr = ":443"
	}
	if c.NodeAPIAddr == "" {
		c.NodeAPIAddr = "127.0.0.1:5001"
	}
	if c.NodeGateway == "" {
		c.NodeGateway = "127.0.0.1:8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	rl := &c.RateLimit
	if rl.FlushIntervalSeconds == 0 {
		rl.FlushIntervalSeconds = 15
	}
	if rl.RetentionHours == 0 {
		rl.RetentionHours = 48
	}
	if len(rl.PublicTiers) == 0 {
		rl.PublicTiers = []PublicTier{{Threshold: 0, NewPerMinute: 120}}
	}
	if rl.PublicBanMinutes == 0 {
		rl.PublicBanMinutes = 30
	}
	if rl.GatewayFreePerMinute == 0 {
		rl.GatewayFreePerMinute = 600
	}
	if rl.GatewayOveragePerHour == 0 {
		rl.GatewayOveragePerHour = 3000
	}
	if rl.GatewayBanMinutes == 0 {
		rl.GatewayBanMinutes = 30
	}
	if rl.AdminBadKeyThreshold == 0 {
		rl.AdminBadKeyThreshold = 3
	}
	if rl.AdminBanMinutes == 0 {
		rl.AdminBanMinutes = 60
	}
	if rl.ChurnNewConnPerSec == 0 {
		rl.ChurnNewConnPerSec = 8
	}
	if rl.ChurnMinAvgReqPerConn == 0 {
		rl.ChurnMinAvgReqPerConn = 2
	}
	if rl.ChurnWindowSeconds == 0 {
		rl.ChurnWindowSeconds = 30
	}
	if rl.AutoWhitelistDays == 0 {
		rl.AutoWhitelistDays = 7
	}
	if c.ACME.CertDir == "" {
		c.ACME.CertDir = "./data/certs"
	}
	for i := range c.Domains {
		d := &c.Domains[i]
		d.Domain = strings.ToLower(d.Domain)
		if d.SiteFolderLeaf == "" {
			d.SiteFolderLeaf = DeriveSiteLeaf(d.Domain)
		}
		if d.TgpFolderLeaf == "" {
			d.TgpFolderLeaf = DeriveTgpLeaf(d.SiteFolderLeaf)
		}
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TRUTHGATE_CERT_DIR"); v != "" {
		c.ACME.CertDir = v
	}
	if v := os.Getenv("TRUTHGATE_ACME_STAGING"); v != "" {
		c.ACME.Staging = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("TRUTHGATE_SELFSIGNED_IP"); v != "" {
		c.ACME.SelfSignedIP = v
	}
}

// DeriveSiteLeaf converts a domain into a path-safe MFS folder label.
// The derivation is deterministic: lowercase, with every character
// outside [a-z0-9.-] replaced by '-'.
func DeriveSiteLeaf(domain string) string {
	lower := strings.ToLower(domain)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, lower)
}

// DeriveTgpLeaf derives the pointer folder label from the site leaf.
func DeriveTgpLeaf(siteLeaf string) string {
	return siteLeaf + ".tgp"
}

// SitePath returns the production MFS folder for a domain.
func SitePath(d *types.EdgeDomain) string {
	return "/production/sites/" + d.SiteFolderLeaf
}

// TgpPath returns the MFS path of the domain's tgp.json pointer file.
func TgpPath(d *types.EdgeDomain) string {
	return "/production/pinned/" + d.TgpFolderLeaf + "/tgp.json"
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for i := range c.Domains {
		d := &c.Domains[i]
		if d.Domain == "" {
			return fmt.Errorf("domain entry %d has empty domain", i)
		}
		if seen[d.Domain] {
			return fmt.Errorf("duplicate domain %q", d.Domain)
		}
		seen[d.Domain] = true
	}
	for i, t := range c.RateLimit.PublicTiers {
		if i > 0 && t.Threshold <= c.RateLimit.PublicTiers[i-1].Threshold {
			return fmt.Errorf("public tiers must be sorted ascending by threshold")
		}
	}
	return nil
}

// Manager owns the active config snapshot and hot reload.
type Manager struct {
	path    string
	mu      sync.RWMutex
	current *Config
	modTime time.Time
	subs    []func(*Config)
	stopCh  chan struct{}
}

// NewManager loads the initial snapshot from path.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, current: cfg, stopCh: make(chan struct{})}
	if st, err := os.Stat(path); err == nil {
		m.modTime = st.ModTime()
	}
	return m, nil
}

// NewStatic wraps a fixed config, for tests and tools.
func NewStatic(cfg *Config) *Manager {
	cfg.applyDefaults()
	return &Manager{current: cfg, stopCh: make(chan struct{})}
}

// Current returns the active snapshot.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers a callback invoked after each successful reload.
func (m *Manager) Subscribe(fn func(*Config)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Start begins polling the config file for changes.
func (m *Manager) Start(interval time.Duration) {
	if m.path == "" {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				m.maybeReload()
			case <-m.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the reload poller.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) maybeReload() {
	st, err := os.Stat(m.path)
	if err != nil {
		return
	}
	m.mu.RLock()
	unchanged := !st.ModTime().After(m.modTime)
	m.mu.RUnlock()
	if unchanged {
		return
	}
	cfg, err := Load(m.path)
	if err != nil {
		// Keep serving the previous snapshot on a bad edit.
		return
	}
	m.mu.Lock()
	m.current = cfg
	m.modTime = st.ModTime()
	subs := append([]func(*Config){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
}

// FindDomain returns the edge domain entry for an exact host, or nil.
func (c *Config) FindDomain(host string) *types.EdgeDomain {
	for i := range c.Domains {
		if c.Domains[i].Domain == host {
			return &c.Domains[i]
		}
	}
	return nil
}

// SetLastPublishedCid records the most recent publish on the in-memory
// snapshot and rewrites the config file when one is backing the manager.
func (m *Manager) SetLastPublishedCid(domain, cid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.current.FindDomain(domain)
	if d == nil {
		return fmt.Errorf("unknown domain %q", domain)
	}
	d.LastPublishedCid = cid
	return m.persistLocked()
}

// UpsertDomain adds or replaces an edge domain entry (used by import).
func (m *Manager) UpsertDomain(d types.EdgeDomain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	replaced := false
	for i := range m.current.Domains {
		if m.current.Domains[i].Domain == d.Domain {
			m.current.Domains[i] = d
			replaced = true
			break
		}
	}
	if !replaced {
		m.current.Domains = append(m.current.Domains, d)
	}
	return m.persistLocked()
}

func (m *Manager) persistLocked() error {
	if m.path == "" {
		return nil
	}
	data, err := yaml.Marshal(m.current)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	if st, err := os.Stat(m.path); err == nil {
		m.modTime = st.ModTime()
	}
	return nil
}

// ConfigPathFromEnv returns the config path, honoring TRUTHGATE_CONFIG.
func ConfigPathFromEnv(fallback string) string {
	if v := os.Getenv("TRUTHGATE_CONFIG"); v != "" {
		return v
	}
	return fallback
}
