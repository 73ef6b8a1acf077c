// Package governance holds admission controls that sit in front of policy
// evaluation. Today that is per-policy token bucket rate limiting; limits can
// be reconfigured at runtime without resetting the buckets of unchanged
// policies.
package governance
