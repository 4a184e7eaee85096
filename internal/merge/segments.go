package merge

import (
	"math"

	"github.com/clipstitch/backend/internal/fault"
	"github.com/clipstitch/backend/internal/models"
)

// ComputeSegments converts pre-compression clip durations into segment
// timestamps inside the merged output. Compression changes the total
// running time, so each clip's share is rescaled proportionally:
//
//	scale      = totalMS / sum(durations)
//	segment[i] = round(durations[i] * scale)
//
// Boundaries are cumulative; the final segment's end is forced to exactly
// totalMS so the rounding error lands in the last segment and the
// sum-of-segments invariant holds exactly, not approximately.
func ComputeSegments(durationsMS []int64, totalMS int64) ([]models.SegmentMetadata, error) {
	if len(durationsMS) == 0 {
		return nil, fault.New(fault.CodeInvalidInputDuration, "no input durations")
	}
	if totalMS <= 0 {
		return nil, fault.Newf(fault.CodeInvalidInputDuration, "total duration %dms is not positive", totalMS)
	}

	var sum int64
	for i, d := range durationsMS {
		if d <= 0 {
			return nil, fault.Newf(fault.CodeInvalidInputDuration, "clip %d has non-positive duration %dms", i, d)
		}
		sum += d
	}

	scale := float64(totalMS) / float64(sum)

	segments := make([]models.SegmentMetadata, len(durationsMS))
	var cursor int64
	for i, d := range durationsMS {
		duration := int64(math.Round(float64(d) * scale))
		end := cursor + duration
		if i == len(durationsMS)-1 {
			end = totalMS
			duration = end - cursor
		}
		segments[i] = models.SegmentMetadata{
			Index:      i,
			StartMS:    cursor,
			EndMS:      end,
			DurationMS: duration,
		}
		cursor = end
	}

	return segments, nil
}
