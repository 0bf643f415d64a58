package nn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNonMaxSuppression(t *testing.T) {
	input := []Detection{
		{Class: COCOPerson, Confidence: 0.6, Box: Rect{X: 12, Y: 10, Width: 50, Height: 100}},
		{Class: COCOPerson, Confidence: 0.9, Box: Rect{X: 10, Y: 10, Width: 50, Height: 100}},
		// Same place, different class: kept
		{Class: COCOCar, Confidence: 0.5, Box: Rect{X: 10, Y: 10, Width: 50, Height: 100}},
		// Same class, far away: kept
		{Class: COCOPerson, Confidence: 0.4, Box: Rect{X: 300, Y: 300, Width: 20, Height: 20}},
	}
	out := NonMaxSuppression(input, DefaultNmsIouThreshold)
	require.Len(t, out, 3)
	require.Equal(t, float32(0.9), out[0].Confidence)
	require.Equal(t, COCOCar, out[1].Class)
	require.Equal(t, Rect{X: 300, Y: 300, Width: 20, Height: 20}, out[2].Box)

	require.Len(t, NonMaxSuppression(nil, 0.5), 0)
	require.Len(t, NonMaxSuppression(input[:1], 0.5), 1)
}
