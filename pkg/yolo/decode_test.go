package yolo

import (
	"testing"

	"github.com/cyclopcam/detectd/pkg/nn"
	"github.com/stretchr/testify/require"
)

func testDecoder(arch Architecture) *decoder {
	classes := []string{"person", "bicycle", "car"}
	return &decoder{
		arch:    arch,
		classes: classes,
		palette: nn.MakePalette(len(classes), 0),
		params:  (&nn.DetectionParams{}).WithDefaults(),
	}
}

func TestParseArchitecture(t *testing.T) {
	a, err := ParseArchitecture("YOLOv8m")
	require.NoError(t, err)
	require.Equal(t, ArchYOLOv8, a)
	a, err = ParseArchitecture("yolo11s")
	require.NoError(t, err)
	require.Equal(t, ArchYOLOv8, a)
	a, err = ParseArchitecture("yolov5s")
	require.NoError(t, err)
	require.Equal(t, ArchYOLOv5, a)
	_, err = ParseArchitecture("detr")
	require.ErrorIs(t, err, ErrUnknownArchitecture)
}

func TestNumAnchors(t *testing.T) {
	require.Equal(t, 8400, numAnchors(ArchYOLOv8, 640, 640))
	require.Equal(t, 25200, numAnchors(ArchYOLOv5, 640, 640))
	require.Equal(t, 8400*84, outputSize(ArchYOLOv8, 8400, 80))
	require.Equal(t, 25200*85, outputSize(ArchYOLOv5, 25200, 80))
}

func TestDecodeV8(t *testing.T) {
	d := testDecoder(ArchYOLOv8)
	const nAnchors = 4
	nAttr := 4 + len(d.classes)
	out := make([]float32, nAttr*nAnchors)
	set := func(anchor int, cx, cy, w, h float32, scores ...float32) {
		vals := append([]float32{cx, cy, w, h}, scores...)
		for a, v := range vals {
			out[a*nAnchors+anchor] = v
		}
	}
	set(0, 50, 50, 20, 40, 0.1, 0.2, 0.9) // car
	set(1, 51, 50, 20, 40, 0.1, 0.2, 0.7) // duplicate car, suppressed
	set(2, 10, 10, 10, 10, 0.3, 0.1, 0.1) // below threshold
	set(3, 90, 90, 10, 10, 0.8, 0.0, 0.0) // person

	// The image is twice as large as the NN input
	xf := inputTransform{xFactor: 2, yFactor: 2, width: 200, height: 200}
	dets := d.decode(out, nAnchors, xf)
	require.Len(t, dets, 2)
	require.Equal(t, "car", dets[0].Label)
	require.Equal(t, 2, dets[0].Class)
	require.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	require.Equal(t, nn.Rect{X: 80, Y: 60, Width: 40, Height: 80}, dets[0].Box)
	require.Equal(t, d.palette[2], dets[0].Color)
	require.Equal(t, "person", dets[1].Label)
	require.Equal(t, nn.Rect{X: 170, Y: 170, Width: 20, Height: 20}, dets[1].Box)
}

func TestDecodeV5(t *testing.T) {
	d := testDecoder(ArchYOLOv5)
	rows := [][]float32{
		{50, 50, 20, 20, 0.9, 0.1, 0.8, 0.1}, // bicycle, confidence comes from objectness
		{50, 50, 20, 20, 0.3, 0.1, 0.8, 0.1}, // objectness too low
		{20, 20, 10, 10, 0.9, 0.2, 0.3, 0.1}, // class score too low
		{95, 95, 20, 20, 0.6, 0.9, 0.0, 0.0}, // person, clipped to the image
	}
	var out []float32
	for _, r := range rows {
		out = append(out, r...)
	}
	xf := inputTransform{xFactor: 1, yFactor: 1, width: 100, height: 100}
	dets := d.decode(out, len(rows), xf)
	require.Len(t, dets, 2)
	require.Equal(t, "bicycle", dets[0].Label)
	require.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	require.Equal(t, nn.Rect{X: 40, Y: 40, Width: 20, Height: 20}, dets[0].Box)
	require.Equal(t, "person", dets[1].Label)
	require.Equal(t, nn.Rect{X: 85, Y: 85, Width: 15, Height: 15}, dets[1].Box)
}

func TestLoadMissingConfig(t *testing.T) {
	_, err := Load(nil, Config{ModelFile: t.TempDir() + "/nothing.onnx"})
	require.Error(t, err)
}
