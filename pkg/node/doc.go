// Package node is the typed client for the content node's local HTTP
// API. Failures surface as tagged errors (not found, transient,
// protocol) rather than raw HTTP errors.
package node
