package nn

import (
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
)

// StubDetector returns the same detections for every image.
// It's used for dry runs of the pipeline when no model runtime is available,
// and by unit tests.
type StubDetector struct {
	Detections []Detection                 // Returned for every image (boxes are clipped to the image)
	Latency    time.Duration               // Simulated inference time
	Fail       func(img *cimg.Image) error // If not nil, called before each detection. A non-nil error fails the call.
	Calls      atomic.Int64                // Number of images that have been submitted
	config     ModelConfig
	batchSize  int
}

// NewStubDetector creates a stub model with the given input size.
// batchSize <= 1 produces a detector whose DetectBatch is never used by the engine.
func NewStubDetector(width, height, batchSize int, detections []Detection) *StubDetector {
	return &StubDetector{
		Detections: detections,
		config: ModelConfig{
			Architecture: "stub",
			Width:        width,
			Height:       height,
			Classes:      COCOClasses,
		},
		batchSize: max(batchSize, 1),
	}
}

func (s *StubDetector) Close() {
}

func (s *StubDetector) Config() *ModelConfig {
	return &s.config
}

func (s *StubDetector) BatchSize() int {
	return s.batchSize
}

func (s *StubDetector) Detect(img *cimg.Image) ([]Detection, error) {
	s.Calls.Add(1)
	if s.Latency != 0 {
		time.Sleep(s.Latency)
	}
	if s.Fail != nil {
		if err := s.Fail(img); err != nil {
			return nil, err
		}
	}
	clip := Rect{Width: img.Width, Height: img.Height}
	out := make([]Detection, 0, len(s.Detections))
	for _, d := range s.Detections {
		d.Box = d.Box.Intersection(clip)
		out = append(out, d)
	}
	return out, nil
}

func (s *StubDetector) DetectBatch(imgs []*cimg.Image) ([][]Detection, error) {
	all := make([][]Detection, len(imgs))
	for i, img := range imgs {
		d, err := s.Detect(img)
		if err != nil {
			return nil, err
		}
		all[i] = d
	}
	return all, nil
}
