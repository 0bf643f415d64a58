package yolo

import (
	"github.com/chewxy/math32"
	"github.com/cyclopcam/detectd/pkg/nn"
)

// Output tensor layout, for a single image:
// yolov5 has an output of shape (N, 5+C), where each row is [x, y, w, h, objectness, class scores...]
// yolov8 has an output of shape (4+C, N), where each column is [x, y, w, h, class scores...]
// x,y is the box center, in NN input pixels.

// The transform from NN input coordinates back to the original image
type inputTransform struct {
	xFactor float32
	yFactor float32
	width   int // original image width
	height  int // original image height
}

func (t inputTransform) toImage(cx, cy, w, h float32, unclipped bool) nn.Rect {
	left := int((cx - 0.5*w) * t.xFactor)
	top := int((cy - 0.5*h) * t.yFactor)
	r := nn.Rect{
		X:      left,
		Y:      top,
		Width:  int(w * t.xFactor),
		Height: int(h * t.yFactor),
	}
	if !unclipped {
		r = r.Intersection(nn.Rect{Width: t.width, Height: t.height})
	}
	return r
}

// argmax over class scores
func bestClass(scores []float32, stride int) (int, float32) {
	best := 0
	bestScore := math32.Inf(-1)
	for c := 0; c*stride < len(scores); c++ {
		s := scores[c*stride]
		if s > bestScore {
			best = c
			bestScore = s
		}
	}
	return best, bestScore
}

func (d *decoder) decodeV8(out []float32, nAnchors int, xf inputTransform) []nn.Detection {
	nClasses := len(d.classes)
	var dets []nn.Detection
	for i := 0; i < nAnchors; i++ {
		// class scores for anchor i start at row 4, with a stride of nAnchors
		classID, score := bestClass(out[4*nAnchors+i:4*nAnchors+i+(nClasses-1)*nAnchors+1], nAnchors)
		if score <= d.params.ProbabilityThreshold {
			continue
		}
		cx := out[0*nAnchors+i]
		cy := out[1*nAnchors+i]
		w := out[2*nAnchors+i]
		h := out[3*nAnchors+i]
		dets = append(dets, d.makeDetection(classID, score, xf.toImage(cx, cy, w, h, d.params.Unclipped)))
	}
	return nn.NonMaxSuppression(dets, d.params.NmsIouThreshold)
}

func (d *decoder) decodeV5(out []float32, nAnchors int, xf inputTransform) []nn.Detection {
	nClasses := len(d.classes)
	rowSize := 5 + nClasses
	var dets []nn.Detection
	for i := 0; i < nAnchors; i++ {
		row := out[i*rowSize : (i+1)*rowSize]
		confidence := row[4]
		if confidence < d.params.ProbabilityThreshold {
			continue
		}
		classID, score := bestClass(row[5:], 1)
		if score <= d.params.ScoreThreshold {
			continue
		}
		dets = append(dets, d.makeDetection(classID, confidence, xf.toImage(row[0], row[1], row[2], row[3], d.params.Unclipped)))
	}
	return nn.NonMaxSuppression(dets, d.params.NmsIouThreshold)
}

// Turns raw output tensors into detections
type decoder struct {
	arch    Architecture
	classes []string
	palette []nn.Color
	params  nn.DetectionParams
}

func (d *decoder) makeDetection(classID int, confidence float32, box nn.Rect) nn.Detection {
	return nn.Detection{
		Class:      classID,
		Label:      d.classes[classID],
		Confidence: confidence,
		Color:      d.palette[classID],
		Box:        box,
	}
}

func (d *decoder) decode(out []float32, nAnchors int, xf inputTransform) []nn.Detection {
	if d.arch == ArchYOLOv5 {
		return d.decodeV5(out, nAnchors, xf)
	}
	return d.decodeV8(out, nAnchors, xf)
}

// Number of values per image in the output tensor
func outputSize(arch Architecture, nAnchors, nClasses int) int {
	if arch == ArchYOLOv5 {
		return nAnchors * (5 + nClasses)
	}
	return nAnchors * (4 + nClasses)
}

// Number of candidate boxes that the model emits for a given input size.
// yolov8 has one anchor-free prediction per cell at strides 8, 16, 32.
// yolov5 has 3 anchors per cell at the same strides.
func numAnchors(arch Architecture, width, height int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		n += (width / stride) * (height / stride)
	}
	if arch == ArchYOLOv5 {
		n *= 3
	}
	return n
}
