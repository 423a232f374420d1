package predict

import (
	"math"

	"github.com/DavidBell625/Yolo-Training/internal/detector"
	"github.com/montanaflynn/stats"
)

// Rounding precision of the reported values
const (
	confidenceDigits = 4
	pixelDigits      = 2
	fractionDigits   = 6
	ratioDigits      = 4
)

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

func roundPtr(v float64, digits int) *float64 {
	r := round(v, digits)
	return &r
}

// NewDetection builds the reported detection for a box. Inverted spans
// count as zero so the area is never negative.
func NewDetection(class string, b detector.Box, totalPixels int) (Detection, float64) {
	area := math.Max(0, b.X2-b.X1) * math.Max(0, b.Y2-b.Y1)
	pct := 0.0
	if totalPixels > 0 {
		pct = area / float64(totalPixels)
	}
	return Detection{
		Class:      class,
		Confidence: round(b.Confidence, confidenceDigits),
		BBox: [4]float64{
			round(b.X1, pixelDigits),
			round(b.Y1, pixelDigits),
			round(b.X2, pixelDigits),
			round(b.Y2, pixelDigits),
		},
		BBoxArea:    round(area, pixelDigits),
		BBoxAreaPct: round(pct, fractionDigits),
	}, area
}

// ImageAccumulator collects the detections of one image
type ImageAccumulator struct {
	width, height int
	confidences   stats.Float64Data
	areas         stats.Float64Data
	byClass       map[string]int
	detections    []Detection
}

// NewImageAccumulator starts the statistics of a width x height image
func NewImageAccumulator(width, height int) *ImageAccumulator {
	return &ImageAccumulator{
		width:      width,
		height:     height,
		byClass:    make(map[string]int),
		detections: []Detection{},
	}
}

// TotalPixels is width*height, or 1 for degenerate sizes
func (a *ImageAccumulator) TotalPixels() int {
	if a.width <= 0 || a.height <= 0 {
		return 1
	}
	return a.width * a.height
}

// Add records a box and returns its reported detection
func (a *ImageAccumulator) Add(class string, b detector.Box) Detection {
	d, area := NewDetection(class, b, a.TotalPixels())
	a.detections = append(a.detections, d)
	a.confidences = append(a.confidences, b.Confidence)
	a.areas = append(a.areas, area)
	a.byClass[class]++
	return d
}

// Detections returns the detections added so far, never nil
func (a *ImageAccumulator) Detections() []Detection {
	return a.detections
}

// Stats builds the image statistics. The caller fills in the file fields.
func (a *ImageAccumulator) Stats() ImageStats {
	total := a.TotalPixels()
	s := ImageStats{
		ImageWidth:        a.width,
		ImageHeight:       a.height,
		TotalPixels:       total,
		DetectionsCount:   len(a.detections),
		DetectionsByClass: a.byClass,
	}
	if a.height > 0 {
		s.AspectRatio = roundPtr(float64(a.width)/float64(a.height), ratioDigits)
	}
	s.DetectionDensityPerMP = roundPtr(float64(len(a.detections))/(float64(total)/1e6), fractionDigits)

	if len(a.confidences) == 0 {
		return s
	}

	// errors only occur on empty input
	minConf, _ := stats.Min(a.confidences)
	maxConf, _ := stats.Max(a.confidences)
	avgConf, _ := stats.Mean(a.confidences)
	minArea, _ := stats.Min(a.areas)
	maxArea, _ := stats.Max(a.areas)
	avgArea, _ := stats.Mean(a.areas)

	s.ConfidenceMin = roundPtr(minConf, confidenceDigits)
	s.ConfidenceMax = roundPtr(maxConf, confidenceDigits)
	s.ConfidenceAvg = roundPtr(avgConf, confidenceDigits)
	s.BBoxAreaMin = roundPtr(minArea, pixelDigits)
	s.BBoxAreaMax = roundPtr(maxArea, pixelDigits)
	s.BBoxAreaAvg = roundPtr(avgArea, pixelDigits)
	s.BBoxAreaAvgPct = roundPtr(avgArea/float64(total), fractionDigits)
	return s
}

// BatchAccumulator collects the statistics of a whole request
type BatchAccumulator struct {
	stats BatchStats
}

// NewBatchAccumulator starts an empty batch
func NewBatchAccumulator() *BatchAccumulator {
	return &BatchAccumulator{stats: BatchStats{
		DetectionsByClass: make(map[string]int),
		PerImageStats:     []ImageStats{},
	}}
}

// AddImage records the statistics of a processed image
func (b *BatchAccumulator) AddImage(s ImageStats) {
	b.stats.TotalImages++
	b.stats.TotalDetections += s.DetectionsCount
	for class, n := range s.DetectionsByClass {
		b.stats.DetectionsByClass[class] += n
	}
	if s.DetectionsCount == 0 {
		b.stats.ImagesWithNoDetections++
	}
	b.stats.PerImageStats = append(b.stats.PerImageStats, s)
}

// AddFailure records an upload that could not be decoded. It still counts
// towards the total number of images.
func (b *BatchAccumulator) AddFailure(filename string, err error) {
	b.stats.TotalImages++
	b.stats.FailedImages = append(b.stats.FailedImages, FailedImage{Filename: filename, Error: err.Error()})
}

// Stats returns the accumulated batch statistics
func (b *BatchAccumulator) Stats() BatchStats {
	return b.stats
}
