package camera

import (
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Preprocessor turns camera images into model input and a preview buffer.
type Preprocessor struct {
	width, height int
	channels      int
	previewSize   int
	numWorkers    int
}

// NewPreprocessor returns a preprocessor for a width×height×channels input.
// previewSize is the edge of the square RGB565 preview, 0 to disable it.
func NewPreprocessor(width, height, channels, previewSize int) (*Preprocessor, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid input size %dx%d", width, height)
	}
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("unsupported channel count %d", channels)
	}
	return &Preprocessor{
		width:       width,
		height:      height,
		channels:    channels,
		previewSize: previewSize,
		numWorkers:  runtime.GOMAXPROCS(0),
	}, nil
}

// Process fits img to the input size and writes signed pixels into dst. The
// fitted image is returned for the preview.
func (p *Preprocessor) Process(img image.Image, dst []int8) (*image.NRGBA, error) {
	if want := p.width * p.height * p.channels; len(dst) != want {
		return nil, errors.Errorf("input buffer holds %d values, want %d", len(dst), want)
	}
	fitted := imaging.Fill(img, p.width, p.height, imaging.Center, imaging.Linear)
	p.processParallel(fitted, dst)
	return fitted, nil
}

func (p *Preprocessor) processParallel(img *image.NRGBA, dst []int8) {
	workers := p.numWorkers
	if workers > p.height {
		workers = p.height
	}
	rowsPerWorker := p.height / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == workers-1 {
			endRow = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride:]
				out := dst[y*p.width*p.channels:]
				for x := 0; x < p.width; x++ {
					r, g, b := src[x*4], src[x*4+1], src[x*4+2]
					if p.channels == 1 {
						out[x] = toSigned(luma(r, g, b))
						continue
					}
					out[x*3] = toSigned(r)
					out[x*3+1] = toSigned(g)
					out[x*3+2] = toSigned(b)
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

// Preview scales the fitted frame to the preview size and encodes it as
// RGB565 into dst, which must hold previewSize² values.
func (p *Preprocessor) Preview(fitted *image.NRGBA, dst []uint16) error {
	if p.previewSize == 0 {
		return nil
	}
	if want := p.previewSize * p.previewSize; len(dst) != want {
		return errors.Errorf("preview buffer holds %d values, want %d", len(dst), want)
	}
	scaled := imaging.Resize(fitted, p.previewSize, p.previewSize, imaging.NearestNeighbor)
	for y := 0; y < p.previewSize; y++ {
		row := scaled.Pix[y*scaled.Stride:]
		for x := 0; x < p.previewSize; x++ {
			r, g, b := row[x*4], row[x*4+1], row[x*4+2]
			if p.channels == 1 {
				l := luma(r, g, b)
				r, g, b = l, l, l
			}
			dst[y*p.previewSize+x] = RGB565(r, g, b)
		}
	}
	return nil
}

// PreviewSize returns the edge of the preview in pixels.
func (p *Preprocessor) PreviewSize() int { return p.previewSize }

// toSigned maps an unsigned pixel onto the int8 range by flipping the sign
// bit.
func toSigned(v uint8) int8 {
	return int8(v ^ 0x80)
}

func luma(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b) + 500) / 1000)
}

// RGB565 packs an 8-bit color into 16 bits.
func RGB565(r, g, b uint8) uint16 {
	return uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3)
}
