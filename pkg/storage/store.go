package storage

import (
	"time"

	"github.com/truthgate/truthgate/pkg/types"
)

// Store defines the interface for durable gateway state: rate-limiter
// flushes, bans, whitelists, the audit trail, issued certificates, and
// the ACME account registration.
type Store interface {
	// Rate-limiter counters
	PutIPCounter(rec *types.IPCounterRecord) error
	GetIPCounter(ip, bucket string) (*types.IPCounterRecord, error)
	PutGlobalCounter(rec *types.GlobalCounterRecord) error
	GetGlobalCounter(bucket string) (*types.GlobalCounterRecord, error)
	DeleteCountersBefore(bucket string) error

	// Bans
	PutBan(ban *types.BanRecord) error
	ListBans() ([]*types.BanRecord, error)
	DeleteBan(id string) error
	DeleteBansForIP(ip string) error

	// Whitelists
	PutWhitelist(wl *types.WhitelistRecord) error
	ListWhitelists() ([]*types.WhitelistRecord, error)
	DeleteWhitelist(id string) error
	DeleteWhitelistsForIP(ip string) error

	// Grace pairs
	PutGrace(rec *types.GraceRecord) error
	DeleteGraceBefore(t time.Time) error

	// Audit trail
	AppendAudit(rec *types.AuditRecord) error
	ListAudit(limit int) ([]*types.AuditRecord, error)

	// Certificates
	PutCertificate(rec *types.CertRecord) error
	GetCertificate(host string) (*types.CertRecord, error)
	ListCertificates() ([]*types.CertRecord, error)
	DeleteCertificate(host string) error

	// ACME account, keyed by environment ("staging" or "production")
	PutACMEAccount(env string, data []byte) error
	GetACMEAccount(env string) ([]byte, error)

	// Utility
	Close() error
}
