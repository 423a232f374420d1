package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
)

// DefaultJPEGQuality is used when callers pass a quality outside 1..100
const DefaultJPEGQuality = 95

func quality(q int) int {
	if q < 1 || q > 100 {
		return DefaultJPEGQuality
	}
	return q
}

// EncodeJPEG encodes img as JPEG
func EncodeJPEG(img image.Image, q int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality(q))); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes img to path in the format named by its extension. Paths with
// an extension that has no encoder get JPEG bytes under the same name.
func Save(img image.Image, path string, q int) error {
	if _, err := imaging.FormatFromFilename(path); errors.Is(err, imaging.ErrUnsupportedFormat) {
		data, err := EncodeJPEG(img, q)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		return nil
	}
	if err := imaging.Save(img, path, imaging.JPEGQuality(quality(q))); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
