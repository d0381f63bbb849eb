package spool

import "time"

// intervalSecondsOverflowThreshold mirrors the width of the bounded
// INTERVAL SECOND field the original Kura store ran against (HSQLDB's
// -3435 "interval field overflow"). Go's UTC timestamps have no such
// bound, so instead of waiting for a backend error we pre-detect the
// condition from the magnitude of purgeAge itself: the externally
// observable behaviour — deleteStaleMessages never errors, and falls
// back to a one-year horizon — is preserved either way (spec §4.C, §7).
const intervalSecondsOverflowThreshold = int64(1) << 31

// purgeCutoff returns the timestamp below which rows should be purged.
// When purgeAge is so large it would have overflowed the reference
// backend's interval field, it reports overflowed=true and returns a
// one-year-ago cutoff instead (spec: "purges everything older than one
// year").
func purgeCutoff(now time.Time, purgeAge time.Duration) (cutoff time.Time, overflowed bool) {
	if purgeAge < 0 {
		purgeAge = 0
	}
	seconds := int64(purgeAge / time.Second)
	if seconds > intervalSecondsOverflowThreshold {
		return now.AddDate(-1, 0, 0), true
	}
	return now.Add(-purgeAge), false
}
