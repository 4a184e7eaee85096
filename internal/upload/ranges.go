package upload

import (
	"sort"

	"github.com/clipstitch/backend/internal/models"
)

// addRange merges [start, end) into the sorted, non-overlapping range set.
// It reports how the write relates to bytes already on disk:
//
//   - rangeNew: no overlap, the set grew by end-start bytes
//   - rangeDuplicate: the interval is already fully covered, a no-op
//   - rangeConflict: partial overlap, the client must resend at the right offset
type rangeOutcome int

const (
	rangeNew rangeOutcome = iota
	rangeDuplicate
	rangeConflict
)

func addRange(set []models.ByteRange, start, end int64) ([]models.ByteRange, rangeOutcome) {
	if covered(set, start, end) {
		return set, rangeDuplicate
	}

	for _, r := range set {
		if start < r.End && r.Start < end {
			return set, rangeConflict
		}
	}

	set = append(set, models.ByteRange{Start: start, End: end})
	sort.Slice(set, func(i, j int) bool { return set[i].Start < set[j].Start })

	// Coalesce adjacent intervals so resume reports stay small.
	merged := set[:1]
	for _, r := range set[1:] {
		last := &merged[len(merged)-1]
		if r.Start == last.End {
			last.End = r.End
			continue
		}
		merged = append(merged, r)
	}

	return merged, rangeNew
}

func covered(set []models.ByteRange, start, end int64) bool {
	for _, r := range set {
		if start >= r.Start && end <= r.End {
			return true
		}
	}
	return false
}

// receivedBytes sums the coverage of the range set.
func receivedBytes(set []models.ByteRange) int64 {
	var total int64
	for _, r := range set {
		total += r.Len()
	}
	return total
}

// missingRanges returns the gaps between the range set and [0, size).
func missingRanges(set []models.ByteRange, size int64) []models.ByteRange {
	var gaps []models.ByteRange
	var cursor int64

	for _, r := range set {
		if r.Start > cursor {
			gaps = append(gaps, models.ByteRange{Start: cursor, End: r.Start})
		}
		if r.End > cursor {
			cursor = r.End
		}
	}

	if cursor < size {
		gaps = append(gaps, models.ByteRange{Start: cursor, End: size})
	}

	return gaps
}
