package envelope

import "time"

// FreshnessVerdict classifies a timestamp against the configured skew/age
// bounds (§4.4, §8).
type FreshnessVerdict int

const (
	FreshnessOK FreshnessVerdict = iota
	FreshnessFuture
	FreshnessTooOld
)

// CheckFreshness compares ts (unix seconds, origin time) against now using
// the configured maxSkew (future tolerance) and maxAge (past tolerance).
// Both bounds are inclusive: ts == now+maxSkew and now-ts == maxAge are OK.
func CheckFreshness(ts int64, now time.Time, maxSkewSeconds, maxAgeSeconds int) FreshnessVerdict {
	nowUnix := now.Unix()
	delta := nowUnix - ts
	if delta < -int64(maxSkewSeconds) {
		return FreshnessFuture
	}
	if delta > int64(maxAgeSeconds) {
		return FreshnessTooOld
	}
	return FreshnessOK
}
