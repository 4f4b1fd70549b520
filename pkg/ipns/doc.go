// Package ipns runs the bounded worker pool that pushes new site CIDs
// to their IPNS names, with per-key cooldown and in-flight
// deduplication.
package ipns
