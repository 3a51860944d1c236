// Package screen implements a video.FrameSource that captures a display.
package screen

import (
	"context"
	"fmt"
	"image"

	"github.com/MrWong99/parley/pkg/video"
	"github.com/kbinani/screenshot"
)

var _ video.FrameSource = (*Source)(nil)

// Source captures frames from one display.
type Source struct {
	display int
}

// New creates a Source for the given display index.
func New(display int) (*Source, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, fmt.Errorf("screen: no active displays")
	}
	if display < 0 || display >= n {
		return nil, fmt.Errorf("screen: display %d out of range (have %d)", display, n)
	}
	return &Source{display: display}, nil
}

// Frame grabs the display's current contents.
func (s *Source) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := screenshot.CaptureDisplay(s.display)
	if err != nil {
		return nil, fmt.Errorf("screen: capture display %d: %w", s.display, err)
	}
	return img, nil
}

// Close is a no-op; screen capture holds no persistent resources.
func (s *Source) Close() error { return nil }
