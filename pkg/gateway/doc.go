// Package gateway is the request front door: it classifies every edge
// request by path and host, enforces the per-surface rate limits, and
// routes to the node API proxy, the content proxy, the management API,
// or a mapped domain's published site.
package gateway
