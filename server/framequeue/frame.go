// Package framequeue holds the frames that are waiting for inference, one bounded queue per source.
package framequeue

import (
	"errors"
	"fmt"
	"time"

	"github.com/bmharper/cimg/v2"
)

// Frame is one decoded image from a source.
// Frames are shared by pointer between the queue, the inference loop and the
// results stage. Only the results stage may draw on Image, and only once every
// earlier reader is done with it.
type Frame struct {
	Image    *cimg.Image
	Seq      uint64    // Per-source sequence number, assigned when the frame is admitted
	Received time.Time // When the frame was admitted
}

func NewFrame(img *cimg.Image) *Frame {
	return &Frame{
		Image: img,
	}
}

// DecodeFrame decodes a JPEG (or PNG) into an RGB frame
func DecodeFrame(encoded []byte) (*Frame, error) {
	if len(encoded) == 0 {
		return nil, errors.New("Empty image")
	}
	img, err := cimg.Decompress(encoded)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode image: %w", err)
	}
	if img.Format != cimg.PixelFormatRGB {
		img = img.ToRGB()
	}
	return NewFrame(img), nil
}
