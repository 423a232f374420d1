// Package imageio decodes uploaded images, draws detections on them and
// writes the annotated copies.
package imageio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	// extra formats accepted for uploads
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

// ErrUnreadableImage is returned when the bytes are not a supported image
var ErrUnreadableImage = errors.New("unreadable image")

// Decode reads an image, applying the EXIF orientation tag when present
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnreadableImage)
	}
	return img, nil
}

// DecodeBytes is Decode over an in-memory buffer
func DecodeBytes(data []byte) (image.Image, error) {
	return Decode(bytes.NewReader(data))
}

// DecodeFile decodes the image stored at path
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	return Decode(bufio.NewReader(f))
}
