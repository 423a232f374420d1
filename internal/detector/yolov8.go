package detector

import (
	"image"
	"math"
)

const (
	// MaxDetections caps the boxes kept per image after NMS
	MaxDetections = 300
	// classOffset separates classes so a class agnostic NMS acts per class
	classOffset = 7680
)

// Letterbox describes how a source image was placed on the square network
// input: padded at the bottom and right to a square of side max(w, h), then
// resized to the input size.
type Letterbox struct {
	SourceWidth  int
	SourceHeight int
	InputSize    int
}

// Scale is the factor from network input pixels to source pixels
func (l Letterbox) Scale() float64 {
	side := l.SourceWidth
	if l.SourceHeight > side {
		side = l.SourceHeight
	}
	if l.InputSize <= 0 {
		return 1
	}
	return float64(side) / float64(l.InputSize)
}

// DecodeYOLOv8 turns the raw output of a YOLOv8 detection head, laid out as
// [4+classes][anchors] (cx, cy, w, h then one score per class), into
// candidate boxes in source pixels. Only candidates whose best class score is
// above conf are returned. NMS is not applied.
func DecodeYOLOv8(out []float32, numAttrs, numAnchors int, conf float64, lb Letterbox) []Box {
	if numAttrs <= 4 || numAnchors <= 0 || len(out) < numAttrs*numAnchors {
		return nil
	}

	scale := lb.Scale()
	maxX, maxY := float64(lb.SourceWidth), float64(lb.SourceHeight)

	var boxes []Box
	for i := 0; i < numAnchors; i++ {
		best, bestClass := float32(-1), -1
		for c := 4; c < numAttrs; c++ {
			if s := out[c*numAnchors+i]; s > best {
				best, bestClass = s, c-4
			}
		}
		if float64(best) <= conf {
			continue
		}

		cx := float64(out[i])
		cy := float64(out[numAnchors+i])
		w := float64(out[2*numAnchors+i])
		h := float64(out[3*numAnchors+i])

		boxes = append(boxes, Box{
			ClassID:    bestClass,
			Confidence: float64(best),
			X1:         clamp((cx-w/2)*scale, 0, maxX),
			Y1:         clamp((cy-h/2)*scale, 0, maxY),
			X2:         clamp((cx+w/2)*scale, 0, maxX),
			Y2:         clamp((cy+h/2)*scale, 0, maxY),
		})
	}
	return boxes
}

// NMSRect converts a box to an integer rectangle shifted by its class so
// boxes of different classes never overlap.
func NMSRect(b Box) image.Rectangle {
	off := float64(b.ClassID * classOffset)
	return image.Rect(
		int(math.Round(b.X1+off)),
		int(math.Round(b.Y1+off)),
		int(math.Round(b.X2+off)),
		int(math.Round(b.Y2+off)),
	)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
