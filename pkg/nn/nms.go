package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// NonMaxSuppression removes detections that overlap a more confident detection
// of the same class by more than iouThreshold.
// The result is ordered by descending confidence.
func NonMaxSuppression(input []Detection, iouThreshold float32) []Detection {
	if len(input) < 2 {
		return input
	}

	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return input[order[a]].Confidence > input[order[b]].Confidence
	})

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, d := range input {
		fb.Add(int32(d.Box.X), int32(d.Box.Y), int32(d.Box.X2()), int32(d.Box.Y2()))
	}
	fb.Finish()

	// rank[i] is the position of input[i] inside 'order'
	rank := make([]int, len(input))
	for r, i := range order {
		rank[i] = r
	}

	suppressed := make([]bool, len(input))
	keep := make([]Detection, 0, len(input))
	var candidates []int
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		d := input[i]
		keep = append(keep, d)
		candidates = fb.SearchFast(int32(d.Box.X), int32(d.Box.Y), int32(d.Box.X2()), int32(d.Box.Y2()), candidates[:0])
		for _, j := range candidates {
			if j == i || suppressed[j] || rank[j] < rank[i] {
				continue
			}
			if input[j].Class != d.Class {
				continue
			}
			if d.Box.IOU(input[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}
