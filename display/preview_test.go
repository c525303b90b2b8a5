package display

import (
	"bytes"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.viam.com/test"
)

func newTestPreview(cfg PreviewConfig) (*Preview, *clock.Mock) {
	clk := clock.NewMock()
	return NewPreview(cfg, clk, zap.NewNop().Sugar()), clk
}

func TestPreviewRender(t *testing.T) {
	out := filepath.Join(t.TempDir(), "panel.png")
	p, _ := newTestPreview(PreviewConfig{Width: 240, Height: 240, OutPath: out})

	test.That(t, p.Refresh(), test.ShouldBeNil)
	snap, frames := p.Snapshot()
	test.That(t, snap, test.ShouldBeNil)
	test.That(t, frames, test.ShouldEqual, uint64(0))

	p.Lock()
	canvas, err := p.CreateCanvas(192, 192)
	test.That(t, err, test.ShouldBeNil)
	for i := range canvas.Pix {
		canvas.Pix[i] = 0xf800
	}
	p.SetStatus("Status: Cup", color.RGBA{G: 200, A: 255})
	p.Invalidate()
	p.Unlock()

	test.That(t, p.Refresh(), test.ShouldBeNil)
	snap, frames = p.Snapshot()
	test.That(t, frames, test.ShouldEqual, uint64(1))

	img, err := png.Decode(bytes.NewReader(snap))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 240)
	r, g, b, _ := img.At(120, 96).RGBA()
	test.That(t, r>>8, test.ShouldEqual, uint32(0xff))
	test.That(t, g>>8, test.ShouldEqual, uint32(0))
	test.That(t, b>>8, test.ShouldEqual, uint32(0))
	r, g, _, _ = img.At(50, 226).RGBA()
	test.That(t, r>>8, test.ShouldEqual, uint32(0))
	test.That(t, g>>8, test.ShouldEqual, uint32(200))

	written, err := os.ReadFile(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, written, test.ShouldResemble, snap)

	// Nothing changed, nothing rendered.
	test.That(t, p.Refresh(), test.ShouldBeNil)
	_, frames = p.Snapshot()
	test.That(t, frames, test.ShouldEqual, uint64(1))
}

func TestPreviewCanvasLimits(t *testing.T) {
	p, _ := newTestPreview(PreviewConfig{Width: 240, Height: 240, MaxCanvasBytes: 1024})
	p.Lock()
	defer p.Unlock()

	_, err := p.CreateCanvas(192, 192)
	test.That(t, errors.Is(err, ErrCanvasAlloc), test.ShouldBeTrue)

	_, err = p.CreateCanvas(320, 10)
	test.That(t, errors.Is(err, ErrCanvasAlloc), test.ShouldBeTrue)

	c, err := p.CreateCanvas(16, 16)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Pix, test.ShouldHaveLength, 256)
}

func TestPreviewServeHTTP(t *testing.T) {
	p, _ := newTestPreview(PreviewConfig{})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview.png", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusServiceUnavailable)

	p.Lock()
	_, err := p.CreateCanvas(8, 8)
	p.Unlock()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Refresh(), test.ShouldBeNil)

	rec = httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview.png", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get("Content-Type"), test.ShouldEqual, "image/png")
}

func TestPreviewRefreshTask(t *testing.T) {
	p, clk := newTestPreview(PreviewConfig{Refresh: 50 * time.Millisecond})
	p.Start()
	p.Start()

	p.Lock()
	_, err := p.CreateCanvas(8, 8)
	p.Unlock()
	test.That(t, err, test.ShouldBeNil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		clk.Add(50 * time.Millisecond)
		if _, frames := p.Snapshot(); frames > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("refresh task never rendered")
		}
		time.Sleep(time.Millisecond)
	}

	test.That(t, p.Close(), test.ShouldBeNil)
	test.That(t, p.Close(), test.ShouldBeNil)
}
