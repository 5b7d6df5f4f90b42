// ABOUTME: Merges live turn snapshots into durable history without duplicates
// ABOUTME: Absorbs the race where a run is persisted between two snapshot reads

package runstate

import "time"

// DefaultDedupeWindow is how close in time a live turn's timestamp must be
// to a persisted turn with the same role and content to count as the same
// turn.
const DefaultDedupeWindow = 10 * time.Second

// Merge appends live turns to the persisted list unless a duplicate is
// already present. A duplicate is either the same storage ID, or the same
// role and content created within dedupeWindow of a persisted entry.
//
// Merge is idempotent: merging the same live snapshot twice yields the
// same result. Pass dedupeWindow <= 0 for the default.
func Merge(persisted, live []Turn, dedupeWindow time.Duration) []Turn {
	if dedupeWindow <= 0 {
		dedupeWindow = DefaultDedupeWindow
	}

	combined := make([]Turn, len(persisted))
	copy(combined, persisted)

	for _, lt := range live {
		if !containsTurn(combined, lt, dedupeWindow) {
			combined = append(combined, lt)
		}
	}
	return combined
}

// containsTurn reports whether turns already holds a duplicate of t.
func containsTurn(turns []Turn, t Turn, window time.Duration) bool {
	for _, existing := range turns {
		if t.StorageID != "" && existing.StorageID == t.StorageID {
			return true
		}
		if existing.Role == t.Role && existing.Content == t.Content &&
			absDuration(existing.CreatedAt.Sub(t.CreatedAt)) <= window {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
