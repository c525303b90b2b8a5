package display

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fogleman/gg"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/image/font/basicfont"
)

// PreviewConfig sizes the rendered panel.
type PreviewConfig struct {
	Width, Height int
	// MaxCanvasBytes bounds the canvas allocation, 0 for no limit.
	MaxCanvasBytes int
	Refresh        time.Duration
	// OutPath, when set, receives every rendered frame as a PNG file.
	OutPath string
}

// Preview is a software panel. A refresh goroutine renders the canvas, lamp
// and label into a PNG whenever the canvas was invalidated.
type Preview struct {
	cfg    PreviewConfig
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu     sync.Mutex
	canvas *Canvas
	status string
	lamp   color.Color
	dirty  bool

	snapMu   sync.RWMutex
	snapshot []byte
	frames   uint64

	stop chan struct{}
	done chan struct{}
}

// NewPreview returns a stopped preview panel. Call Start to begin refreshing.
func NewPreview(cfg PreviewConfig, clk clock.Clock, logger *zap.SugaredLogger) *Preview {
	if cfg.Width <= 0 {
		cfg.Width = 240
	}
	if cfg.Height <= 0 {
		cfg.Height = 240
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = 100 * time.Millisecond
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Preview{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		lamp:   color.Gray{Y: 96},
	}
}

// Start launches the refresh task.
func (p *Preview) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.refreshLoop(p.stop, p.done)
}

func (p *Preview) refreshLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := p.clock.Ticker(p.cfg.Refresh)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.Refresh(); err != nil {
				p.logger.Warnw("panel refresh failed", "error", err)
			}
		}
	}
}

func (p *Preview) Lock()   { p.mu.Lock() }
func (p *Preview) Unlock() { p.mu.Unlock() }

// CreateCanvas must be called with the lock held.
func (p *Preview) CreateCanvas(width, height int) (*Canvas, error) {
	if width <= 0 || height <= 0 || width > p.cfg.Width || height > p.cfg.Height {
		return nil, errors.Wrapf(ErrCanvasAlloc, "canvas %dx%d does not fit panel %dx%d",
			width, height, p.cfg.Width, p.cfg.Height)
	}
	if size := width * height * 2; p.cfg.MaxCanvasBytes > 0 && size > p.cfg.MaxCanvasBytes {
		return nil, errors.Wrapf(ErrCanvasAlloc, "need %d bytes, limit is %d", size, p.cfg.MaxCanvasBytes)
	}
	p.canvas = &Canvas{Width: width, Height: height, Pix: make([]uint16, width*height)}
	p.dirty = true
	return p.canvas, nil
}

// SetStatus must be called with the lock held.
func (p *Preview) SetStatus(text string, lamp color.Color) {
	p.status = text
	p.lamp = lamp
	p.dirty = true
}

// Invalidate must be called with the lock held.
func (p *Preview) Invalidate() { p.dirty = true }

// Refresh renders the panel if anything changed since the last render.
func (p *Preview) Refresh() error {
	p.mu.Lock()
	if !p.dirty || p.canvas == nil {
		p.mu.Unlock()
		return nil
	}
	img := p.render()
	p.dirty = false
	p.mu.Unlock()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return errors.Wrap(err, "encode frame")
	}

	p.snapMu.Lock()
	p.snapshot = buf.Bytes()
	p.frames++
	p.snapMu.Unlock()

	if p.cfg.OutPath != "" {
		if err := os.WriteFile(p.cfg.OutPath, buf.Bytes(), 0o644); err != nil {
			return errors.Wrapf(err, "write %s", p.cfg.OutPath)
		}
	}
	return nil
}

// render draws the panel. Caller holds the lock.
func (p *Preview) render() image.Image {
	dc := gg.NewContext(p.cfg.Width, p.cfg.Height)
	dc.SetColor(color.Black)
	dc.Clear()

	dc.DrawImage(canvasImage(p.canvas), (p.cfg.Width-p.canvas.Width)/2, 0)

	lampX := float64(p.cfg.Width)/2 - 70
	lampY := float64(p.cfg.Height) - 14
	dc.DrawCircle(lampX, lampY, 8)
	dc.SetColor(p.lamp)
	dc.Fill()

	dc.SetFontFace(basicfont.Face7x13)
	dc.SetColor(color.White)
	dc.DrawStringAnchored(p.status, lampX+20, lampY, 0, 0.35)
	return dc.Image()
}

func canvasImage(c *Canvas) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	for i, v := range c.Pix {
		r := uint8(v>>11) << 3
		g := uint8(v>>5&0x3f) << 2
		b := uint8(v&0x1f) << 3
		img.Pix[i*4] = r | r>>5
		img.Pix[i*4+1] = g | g>>6
		img.Pix[i*4+2] = b | b>>5
		img.Pix[i*4+3] = 0xff
	}
	return img
}

// Snapshot returns the last rendered PNG and the number of frames rendered.
func (p *Preview) Snapshot() ([]byte, uint64) {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.snapshot, p.frames
}

// ServeHTTP serves the last rendered frame.
func (p *Preview) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	snap, _ := p.Snapshot()
	if snap == nil {
		http.Error(w, "no frame rendered yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(snap)
}

// Close stops the refresh task.
func (p *Preview) Close() error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop = nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}
