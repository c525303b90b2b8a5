// Package display drives the optional preview panel: a scaled camera canvas,
// a status lamp and a status label.
package display

import (
	"image/color"

	"github.com/pkg/errors"
)

// ErrCanvasAlloc is returned when the canvas buffer cannot be allocated.
var ErrCanvasAlloc = errors.New("failed to allocate canvas buffer")

// Canvas is an RGB565 pixel buffer shown on the panel.
type Canvas struct {
	Width, Height int
	Pix           []uint16
}

// Panel is a display the responder draws on. All mutation happens between
// Lock and Unlock so the refresh task never sees a half-written frame.
type Panel interface {
	Lock()
	Unlock()
	// CreateCanvas allocates the preview canvas. It is called once.
	CreateCanvas(width, height int) (*Canvas, error)
	SetStatus(text string, lamp color.Color)
	// Invalidate marks the canvas for redraw.
	Invalidate()
	Close() error
}
