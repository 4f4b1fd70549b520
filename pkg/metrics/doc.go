// Package metrics exposes prometheus collectors for the gateway and a
// fixed-window ring-buffer sampler of process and system counters.
package metrics
