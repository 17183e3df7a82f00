// Package screengrab supplies screen captures to the capture loop.
package screengrab

import (
	"fmt"
	"image"

	"github.com/vova616/screenshot"
)

// Source grabs the active screen on demand. It implements the capture
// loop's ImageSource contract: transient failures surface as errors and are
// absorbed by the loop, they never stop ticking.
type Source struct {
	rect image.Rectangle // zero means full screen
}

// NewSource returns a full-screen source.
func NewSource() *Source {
	return &Source{}
}

// NewRegionSource returns a source cropped to rect.
func NewRegionSource(rect image.Rectangle) *Source {
	return &Source{rect: rect}
}

// Grab captures the screen (or the configured region).
func (s *Source) Grab() (image.Image, error) {
	var img *image.RGBA
	var err error
	if s.rect.Empty() {
		img, err = screenshot.CaptureScreen()
	} else {
		img, err = screenshot.CaptureRect(s.rect)
	}
	if err != nil {
		return nil, fmt.Errorf("screengrab: %w", err)
	}
	return img, nil
}

// Resolution reports the capture dimensions, or (0, 0) before the display
// geometry is known.
func (s *Source) Resolution() (width, height int) {
	r := s.rect
	if r.Empty() {
		full, err := screenshot.ScreenRect()
		if err != nil {
			return 0, 0
		}
		r = full
	}
	return r.Dx(), r.Dy()
}
