package forwarder

import "time"

// backoffGateOpen implements the §4.5 step 1 backoff gate: once a row has
// accumulated retries, it is only eligible for another attempt once
// BASE_BACKOFF_MS * 2^(retries-1) has elapsed since last_update. A fresh
// row (retries == 0) is always eligible.
func backoffGateOpen(retries int, lastUpdate, now time.Time, baseBackoffMs int) bool {
	if retries <= 0 {
		return true
	}
	shift := uint(retries - 1)
	if shift > 32 {
		shift = 32
	}
	required := time.Duration(baseBackoffMs) * time.Millisecond * time.Duration(uint64(1)<<shift)
	return now.Sub(lastUpdate) >= required
}
