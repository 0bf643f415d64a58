package processing

import (
	"fmt"
	"image"
	"strconv"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/detectd/pkg/nn"
	"github.com/fogleman/gg"
)

const (
	boxLineWidth   = 3
	labelBarHeight = 20
	labelBaseline  = 5 // Distance from the bottom of the label bar to the text baseline
)

// LabelText returns the caption that is drawn above a detection, eg "person - 87.65%"
func LabelText(d *nn.Detection) string {
	return d.Label + " - " + strconv.FormatFloat(float64(d.Confidence*100), 'g', 4, 32) + "%"
}

// Annotate draws the detections onto img, in place.
// Each detection gets an outline in its class color, and a filled label bar above it.
func Annotate(img *cimg.Image, detections []nn.Detection) error {
	if len(detections) == 0 {
		return nil
	}
	if img.Format != cimg.PixelFormatRGB && img.Format != cimg.PixelFormatBGR {
		return fmt.Errorf("Cannot annotate image of format %v", img.Format)
	}
	goImg, err := img.ToImage()
	if err != nil {
		return err
	}
	canvas := goImg.(*image.RGBA)
	dc := gg.NewContextForRGBA(canvas)
	for i := range detections {
		drawDetection(dc, &detections[i])
	}
	copyBack(canvas, img)
	return nil
}

func drawDetection(dc *gg.Context, d *nn.Detection) {
	x := float64(d.Box.X)
	y := float64(d.Box.Y)
	w := float64(d.Box.Width)
	h := float64(d.Box.Height)

	dc.SetRGB255(int(d.Color[0]), int(d.Color[1]), int(d.Color[2]))
	dc.SetLineWidth(boxLineWidth)
	dc.DrawRectangle(x, y, w, h)
	dc.Stroke()

	dc.DrawRectangle(x, y-labelBarHeight, w, labelBarHeight)
	dc.Fill()

	dc.SetRGB(0, 0, 0)
	dc.DrawString(LabelText(d), x, y-labelBaseline)
}

// Copy the drawing back into the original image, so that everyone who holds
// a reference to the frame sees the annotations.
func copyBack(src *image.RGBA, dst *cimg.Image) {
	r, b := 0, 2
	if dst.Format == cimg.PixelFormatBGR {
		r, b = 2, 0
	}
	for y := 0; y < dst.Height; y++ {
		s := src.Pix[y*src.Stride:]
		d := dst.Pixels[y*dst.Stride:]
		for x := 0; x < dst.Width; x++ {
			d[x*3+r] = s[x*4]
			d[x*3+1] = s[x*4+1]
			d[x*3+b] = s[x*4+2]
		}
	}
}
