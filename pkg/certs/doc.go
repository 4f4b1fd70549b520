// Package certs manages the per-host certificate lifecycle: ACME
// HTTP-01 issuance and renewal, the challenge store, and SNI selection
// with a self-signed fallback.
package certs
