package processing

import (
	"slices"

	"github.com/cyclopcam/detectd/pkg/nn"
)

const DefaultThreshold = 0.6

// Filter decides which detections are worth reporting
type Filter struct {
	Threshold       float32         // Minimum confidence, for classes without their own threshold
	ClassThresholds map[int]float32 // Minimum confidence per class
	ExcludedClasses []int           // Classes that are never reported
	Limit           int             // Maximum number of detections per frame (0 = unlimited)
}

func DefaultFilter() Filter {
	return Filter{
		Threshold: DefaultThreshold,
	}
}

// Passes returns true if the detection is confident enough, and not excluded
func (f *Filter) Passes(d *nn.Detection) bool {
	if slices.Contains(f.ExcludedClasses, d.Class) {
		return false
	}
	threshold, ok := f.ClassThresholds[d.Class]
	if !ok {
		threshold = f.Threshold
	}
	return d.Confidence >= threshold
}

// Apply returns the detections that pass the filter, in their original order,
// truncated to Limit.
func (f *Filter) Apply(detections []nn.Detection) []nn.Detection {
	out := make([]nn.Detection, 0, len(detections))
	for i := range detections {
		if f.Limit != 0 && len(out) == f.Limit {
			break
		}
		if f.Passes(&detections[i]) {
			out = append(out, detections[i])
		}
	}
	return out
}
