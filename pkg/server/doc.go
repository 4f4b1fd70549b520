// Package server owns the edge listeners: a cleartext listener for ACME
// challenges and HTTPS redirects, and the TLS listener fronting the
// dispatcher with SNI-driven certificate selection.
package server
