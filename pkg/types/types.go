package types

import "time"

// BanScope limits a ban to one request surface.
type BanScope string

const (
	ScopeGlobal  BanScope = "global"
	ScopePublic  BanScope = "public"
	ScopeAdmin   BanScope = "admin"
	ScopeGateway BanScope = "gateway"
)

// BanType distinguishes auto-expiring soft bans from administrative true bans.
type BanType string

const (
	BanSoft BanType = "soft"
	BanTrue BanType = "true"
)

// SealedKey is a passphrase-sealed IPNS key export carried on an edge
// domain record and inside backup blobs.
type SealedKey struct {
	Version   int    `json:"version" yaml:"version"`
	SaltB64   string `json:"saltB64" yaml:"saltB64"`
	CipherB64 string `json:"cipherB64" yaml:"cipherB64"`
}

// EdgeDomain maps an incoming host to an MFS site folder and its IPNS name.
type EdgeDomain struct {
	Domain           string     `json:"domain" yaml:"domain"`
	UseTLS           bool       `json:"useTls" yaml:"useTls"`
	SiteFolderLeaf   string     `json:"siteFolderLeaf" yaml:"siteFolderLeaf"`
	TgpFolderLeaf    string     `json:"tgpFolderLeaf" yaml:"tgpFolderLeaf"`
	IpnsKeyName      string     `json:"ipnsKeyName,omitempty" yaml:"ipnsKeyName,omitempty"`
	IpnsPeerID       string     `json:"ipnsPeerId,omitempty" yaml:"ipnsPeerId,omitempty"`
	LastPublishedCid string     `json:"lastPublishedCid,omitempty" yaml:"lastPublishedCid,omitempty"`
	SealedIpnsKey    *SealedKey `json:"sealedIpnsKey,omitempty" yaml:"sealedIpnsKey,omitempty"`
}

// BanRecord is a soft or true ban, keyed by exact IP or IPv6 /64 prefix.
type BanRecord struct {
	ID         string    `json:"id"`
	IP         string    `json:"ip,omitempty"`
	IPv6Prefix string    `json:"ipv6Prefix64,omitempty"`
	Scope      BanScope  `json:"scope"`
	Type       BanType   `json:"type"`
	ReasonCode string    `json:"reasonCode"`
	CreatedUTC time.Time `json:"createdUtc"`
	ExpiresUTC time.Time `json:"expiresUtc"`
	IsTrueBan  bool      `json:"isTrueBan"`
}

// WhitelistRecord exempts an IP or IPv6 /64 prefix from limiter checks.
type WhitelistRecord struct {
	ID         string     `json:"id"`
	IP         string     `json:"ip,omitempty"`
	IPv6Prefix string     `json:"ipv6Prefix64,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	CreatedUTC time.Time  `json:"createdUtc"`
	ExpiresUTC *time.Time `json:"expiresUtc,omitempty"`
	Auto       bool       `json:"auto"`
}

// IPCounterRecord is a persisted per-IP minute-bucket accumulator.
type IPCounterRecord struct {
	IP                 string `json:"ip"`
	Bucket             string `json:"bucket"` // UTC yyyyMMddHHmm
	PublicCalls        int64  `json:"publicCalls"`
	AdminBadKeyCalls   int64  `json:"adminBadKeyCalls"`
	AdminGoodKeyCalls  int64  `json:"adminGoodKeyCalls"`
	GatewayCalls       int64  `json:"gatewayCalls"`
	GatewayOverageUsed int64  `json:"gatewayOverageUsed"`
}

// GlobalCounterRecord is the persisted global per-minute total.
type GlobalCounterRecord struct {
	Bucket     string `json:"bucket"`
	TotalCalls int64  `json:"totalCalls"`
}

// GraceRecord pairs an IP with a key hash and an expiry. Reserved in the
// schema; refreshed on good-key admin calls but never consulted for
// admission.
type GraceRecord struct {
	IP         string    `json:"ip"`
	KeyHash    string    `json:"keyHash"`
	ExpiresUTC time.Time `json:"expiresUtc"`
}

// AuditRecord captures an administrative mutation.
type AuditRecord struct {
	ID          string    `json:"id"`
	TS          time.Time `json:"ts"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"`
	Target      string    `json:"target"`
	DetailsJSON string    `json:"detailsJson,omitempty"`
}

// CertRecord is an issued certificate for one host.
type CertRecord struct {
	Host      string    `json:"host"`
	CertPEM   []byte    `json:"certPem"`
	KeyPEM    []byte    `json:"keyPem"`
	NotAfter  time.Time `json:"notAfter"`
	Staging   bool      `json:"staging"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PublishJob is one queued site publish. Owned by the publish queue from
// ingest until terminal success or failure.
type PublishJob struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	SiteLeaf    string    `json:"siteLeaf"`
	TgpLeaf     string    `json:"tgpLeaf"`
	StagingRoot string    `json:"stagingRoot"`
	Note        string    `json:"note,omitempty"`
	IpnsKeyName string    `json:"ipnsKeyName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TgpPointer is the tombstone pointer file written to
// /production/pinned/<tgpLeaf>/tgp.json after each swap.
type TgpPointer struct {
	Current  string  `json:"current"`
	Previous *string `json:"previous"`
	TS       string  `json:"ts"`
}

// BackupBlob is the wire format of a domain backup. Field names are part
// of the format and must not change.
type BackupBlob struct {
	Domain           string `json:"Domain"`
	SiteFolderLeaf   string `json:"SiteFolderLeaf"`
	TgpFolderLeaf    string `json:"TgpFolderLeaf"`
	IpnsKeyName      string `json:"IpnsKeyName"`
	IpnsPeerID       string `json:"IpnsPeerId"`
	LastPublishedCid string `json:"LastPublishedCid"`
	EncVersion       int    `json:"EncVersion"`
	SaltB64          string `json:"SaltB64"`
	CipherB64        string `json:"CipherB64"`
}
