// Package auth provides cookie sessions, hashed admin key verification,
// and the process-wide internal rotating key.
package auth
