// Package publish ingests site uploads into the node's staging area,
// swaps them into production atomically, and handles sealed key backup
// and restore for a domain.
package publish
