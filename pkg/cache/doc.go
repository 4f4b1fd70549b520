// Package cache fronts every path query against the content node with a
// tag-indexed TTL cache: MFS-folder CID resolution, CID-local checks,
// directory listings, and case-insensitive path resolution.
package cache
