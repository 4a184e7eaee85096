package merge

import (
	"testing"

	"github.com/clipstitch/backend/internal/fault"
	"github.com/clipstitch/backend/internal/models"
)

func TestComputeSegmentsScalesProportionally(t *testing.T) {
	// Three clips of 8.5s, 8.7s, 7.8s compressed into a 20s output.
	segments, err := ComputeSegments([]int64{8500, 8700, 7800}, 20000)
	if err != nil {
		t.Fatalf("compute segments: %v", err)
	}

	want := []models.SegmentMetadata{
		{Index: 0, StartMS: 0, EndMS: 6800, DurationMS: 6800},
		{Index: 1, StartMS: 6800, EndMS: 13760, DurationMS: 6960},
		{Index: 2, StartMS: 13760, EndMS: 20000, DurationMS: 6240},
	}
	if len(segments) != len(want) {
		t.Fatalf("unexpected segment count: %d", len(segments))
	}
	for i, seg := range segments {
		if seg != want[i] {
			t.Fatalf("segment %d: got %+v want %+v", i, seg, want[i])
		}
	}
}

func TestComputeSegmentsInvariants(t *testing.T) {
	cases := []struct {
		name      string
		durations []int64
		total     int64
	}{
		{"single clip", []int64{12345}, 9876},
		{"rounding drift", []int64{3333, 3333, 3334}, 10001},
		{"expansion", []int64{1000, 2000}, 4500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			segments, err := ComputeSegments(tc.durations, tc.total)
			if err != nil {
				t.Fatalf("compute segments: %v", err)
			}

			if segments[0].StartMS != 0 {
				t.Fatalf("first segment must start at 0, got %d", segments[0].StartMS)
			}
			if last := segments[len(segments)-1]; last.EndMS != tc.total {
				t.Fatalf("last segment must end at %d, got %d", tc.total, last.EndMS)
			}

			var sum int64
			for i, seg := range segments {
				if seg.EndMS <= seg.StartMS {
					t.Fatalf("segment %d is empty: %+v", i, seg)
				}
				if i > 0 && seg.StartMS != segments[i-1].EndMS {
					t.Fatalf("segment %d does not abut its predecessor: %+v", i, seg)
				}
				sum += seg.DurationMS
			}
			if sum != tc.total {
				t.Fatalf("segment durations sum to %d, want %d", sum, tc.total)
			}
		})
	}
}

func TestComputeSegmentsRejectsBadInput(t *testing.T) {
	if _, err := ComputeSegments(nil, 1000); fault.CodeOf(err) != fault.CodeInvalidInputDuration {
		t.Fatalf("expected INVALID_INPUT_DURATION for empty input, got %v", err)
	}
	if _, err := ComputeSegments([]int64{1000, 0}, 1000); fault.CodeOf(err) != fault.CodeInvalidInputDuration {
		t.Fatalf("expected INVALID_INPUT_DURATION for zero clip, got %v", err)
	}
	if _, err := ComputeSegments([]int64{1000}, 0); fault.CodeOf(err) != fault.CodeInvalidInputDuration {
		t.Fatalf("expected INVALID_INPUT_DURATION for zero total, got %v", err)
	}
}
