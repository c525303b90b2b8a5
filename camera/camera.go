// Package camera provides the frame sources the capture loop reads from.
package camera

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
)

// Camera fills the model input with one frame per call.
type Camera interface {
	Init(ctx context.Context) error
	// Capture acquires one frame, scaled to width×height×channels, into buf.
	Capture(ctx context.Context, width, height, channels int, buf []int8) error
	// DisplayBuffer returns the RGB565 preview of the last captured frame, or
	// nil before the first successful capture. It is overwritten by the next
	// Capture.
	DisplayBuffer() []uint16
	Close() error
}

// frames is the shared capture path: preprocessing plus the preview buffer.
type frames struct {
	previewSize int

	mu      sync.Mutex
	prep    *Preprocessor
	preview []uint16
	ready   bool
}

func (f *frames) ingest(img image.Image, width, height, channels int, buf []int8) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.prep == nil || f.prep.width != width || f.prep.height != height || f.prep.channels != channels {
		prep, err := NewPreprocessor(width, height, channels, f.previewSize)
		if err != nil {
			return err
		}
		f.prep = prep
	}

	fitted, err := f.prep.Process(img, buf)
	if err != nil {
		return errors.Wrap(err, "preprocess frame")
	}
	if f.previewSize == 0 {
		return nil
	}
	if f.preview == nil {
		f.preview = make([]uint16, f.previewSize*f.previewSize)
	}
	if err := f.prep.Preview(fitted, f.preview); err != nil {
		return errors.Wrap(err, "preview frame")
	}
	f.ready = true
	return nil
}

func (f *frames) DisplayBuffer() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return nil
	}
	return f.preview
}
