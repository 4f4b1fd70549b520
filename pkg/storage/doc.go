// Package storage provides durable state for the gateway: rate-limiter
// counter flushes, bans, whitelists, the audit trail, issued certificates
// and the ACME account, backed by BoltDB.
package storage
