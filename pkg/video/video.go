// Package video defines the frame source abstraction for optional video
// input to a session.
package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
)

// FrameSource produces still frames for periodic transmission alongside
// audio. Implementations must be safe for sequential use from a single
// sampler goroutine.
type FrameSource interface {
	// Frame grabs the current frame.
	Frame(ctx context.Context) (image.Image, error)

	// Close releases capture resources. Idempotent.
	Close() error
}

// EncodeJPEG compresses img at the given quality (1-100). Quality outside
// that range selects jpeg.DefaultQuality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("video: jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}
