package predict

// Detection is one detected object in an image
type Detection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
	BBoxArea   float64    `json:"bbox_area"`
	// BBoxAreaPct is the box area as a fraction of the image area
	BBoxAreaPct float64 `json:"bbox_area_pct"`
}

// ImageStats are the statistics of one image. Aggregates over detections
// are nil for images without detections.
type ImageStats struct {
	Filename              string         `json:"filename"`
	SizeBytes             int64          `json:"size_bytes"`
	ImageWidth            int            `json:"image_width"`
	ImageHeight           int            `json:"image_height"`
	AspectRatio           *float64       `json:"aspect_ratio"`
	TotalPixels           int            `json:"total_pixels"`
	DetectionsCount       int            `json:"detections_count"`
	DetectionsByClass     map[string]int `json:"detections_by_class"`
	ConfidenceMin         *float64       `json:"confidence_min"`
	ConfidenceMax         *float64       `json:"confidence_max"`
	ConfidenceAvg         *float64       `json:"confidence_avg"`
	BBoxAreaMin           *float64       `json:"bbox_area_min"`
	BBoxAreaMax           *float64       `json:"bbox_area_max"`
	BBoxAreaAvg           *float64       `json:"bbox_area_avg"`
	BBoxAreaAvgPct        *float64       `json:"bbox_area_avg_pct"`
	DetectionDensityPerMP *float64       `json:"detection_density_per_mp"`
	ProcessingTimeSec     float64        `json:"processing_time_sec"`
}

// FailedImage is an upload skipped because it could not be decoded
type FailedImage struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// BatchStats aggregates a whole request
type BatchStats struct {
	TotalImages            int            `json:"total_images"`
	TotalDetections        int            `json:"total_detections"`
	DetectionsByClass      map[string]int `json:"detections_by_class"`
	ImagesWithNoDetections int            `json:"images_with_no_detections"`
	PerImageStats          []ImageStats   `json:"per_image_stats"`
	// FailedImages is only filled when undecodable images are skipped
	FailedImages []FailedImage `json:"failed_images,omitempty"`
}

// ImageResult is the outcome for one image
type ImageResult struct {
	Image      string      `json:"image"`
	Detections []Detection `json:"detections"`
	// AnnotatedImage is the base64 encoded annotated JPEG
	AnnotatedImage  string     `json:"annotated_image"`
	Stats           ImageStats `json:"stats"`
	SavedInputPath  string     `json:"saved_input_path"`
	SavedOutputPath string     `json:"saved_output_path"`
}

// Summary is the content of prediction_summary.json
type Summary struct {
	Stats   BatchStats    `json:"stats"`
	Results []ImageResult `json:"results"`
}

// Response is the body returned by /predict_batch
type Response struct {
	Summary
	SummaryJSONPath string `json:"summary_json_path"`
}
