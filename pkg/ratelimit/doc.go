// Package ratelimit implements the adaptive rate limiter: lock-free
// minute-bucket accumulators, tiered public limits, gateway overage
// accounting, TLS-churn detection, soft and true bans, whitelists, and
// write-behind persistence of counters.
package ratelimit
