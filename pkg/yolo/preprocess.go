package yolo

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
)

// Convert an image into the NN input layout (CHW, RGB, float32 in [0,1]), writing into dst.
// If letterBox is true and the NN input is square, the image is first padded to a square
// (black on the right or bottom), so that objects keep their aspect ratio.
// Returns the transform that maps NN coordinates back onto the image.
func prepareInput(img *cimg.Image, nnWidth, nnHeight int, letterBox bool, dst []float32) (inputTransform, error) {
	if len(dst) != 3*nnWidth*nnHeight {
		return inputTransform{}, fmt.Errorf("NN input buffer is %v floats, expected %v", len(dst), 3*nnWidth*nnHeight)
	}
	if img.Width == 0 || img.Height == 0 {
		return inputTransform{}, fmt.Errorf("Empty image")
	}

	src := img
	if src.Format != cimg.PixelFormatRGB {
		if src.NChan() == 3 && src.Format != cimg.PixelFormatBGR {
			return inputTransform{}, fmt.Errorf("Unsupported pixel format %v", src.Format)
		}
		if src.Format == cimg.PixelFormatBGR {
			src = bgrToRGB(src)
		} else {
			src = src.ToRGB()
		}
	}

	if letterBox && nnWidth == nnHeight && src.Width != src.Height {
		side := max(src.Width, src.Height)
		square := cimg.NewImage(side, side, cimg.PixelFormatRGB)
		square.CopyImage(src, 0, 0)
		src = square
	}

	xf := inputTransform{
		xFactor: float32(src.Width) / float32(nnWidth),
		yFactor: float32(src.Height) / float32(nnHeight),
		width:   img.Width,
		height:  img.Height,
	}

	if src.Width != nnWidth || src.Height != nnHeight {
		src = cimg.ResizeNew(src, nnWidth, nnHeight, &cimg.ResizeParams{CheapSRGBFilter: true})
	}

	planeSize := nnWidth * nnHeight
	r := dst[0:planeSize]
	g := dst[planeSize : 2*planeSize]
	b := dst[2*planeSize : 3*planeSize]
	const scale = 1.0 / 255.0
	for y := 0; y < nnHeight; y++ {
		line := src.Pixels[y*src.Stride : y*src.Stride+nnWidth*3]
		out := y * nnWidth
		for x := 0; x < nnWidth; x++ {
			r[out+x] = float32(line[x*3]) * scale
			g[out+x] = float32(line[x*3+1]) * scale
			b[out+x] = float32(line[x*3+2]) * scale
		}
	}
	return xf, nil
}

func bgrToRGB(img *cimg.Image) *cimg.Image {
	dst := cimg.NewImage(img.Width, img.Height, cimg.PixelFormatRGB)
	for y := 0; y < img.Height; y++ {
		s := img.Pixels[y*img.Stride:]
		d := dst.Pixels[y*dst.Stride:]
		for x := 0; x < img.Width; x++ {
			d[x*3] = s[x*3+2]
			d[x*3+1] = s[x*3+1]
			d[x*3+2] = s[x*3]
		}
	}
	return dst
}
