// Package types defines the shared record types used across TruthGate:
// edge domain mappings, rate-limiter state, publish jobs, certificates,
// and the backup wire format.
package types
