// ABOUTME: Longest-common-prefix reconciliation of full-text snapshots against streamed text
// ABOUTME: Isolated here because mixed delta/snapshot provider streams are an integration hazard

package runstate

// DeltaFrom computes the delta to broadcast when a provider emits a whole
// text snapshot rather than an incremental delta.
//
// If full extends stored (stored is a prefix of full), the delta is the
// unstreamed remainder. Otherwise the provider restarted or corrected
// itself and the entire new text is the delta.
func DeltaFrom(stored, full string) string {
	if commonPrefixLen(stored, full) == len(stored) {
		return full[len(stored):]
	}
	return full
}

// commonPrefixLen returns the length of the longest common prefix of a and b.
func commonPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
