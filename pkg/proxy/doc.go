// Package proxy implements the streaming reverse proxy between the
// gateway surfaces and the content node: header scrubbing, bounded-
// buffer body copies, SPA index rewriting, and the failure
// classification that drives stale-cache retries.
package proxy
