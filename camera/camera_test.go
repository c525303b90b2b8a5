package camera

import (
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"go.viam.com/test"
)

func solid(w, h int, c color.Color) *image.NRGBA {
	return imaging.New(w, h, c)
}

func TestPreprocessGray(t *testing.T) {
	p, err := NewPreprocessor(8, 8, 1, 16)
	test.That(t, err, test.ShouldBeNil)

	buf := make([]int8, 64)
	fitted, err := p.Process(solid(32, 24, color.NRGBA{200, 200, 200, 255}), buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fitted.Bounds().Dx(), test.ShouldEqual, 8)
	for _, v := range buf {
		test.That(t, v, test.ShouldEqual, int8(200^0x80))
	}

	preview := make([]uint16, 16*16)
	test.That(t, p.Preview(fitted, preview), test.ShouldBeNil)
	test.That(t, preview[0], test.ShouldEqual, RGB565(200, 200, 200))
	test.That(t, preview[255], test.ShouldEqual, RGB565(200, 200, 200))
}

func TestPreprocessColor(t *testing.T) {
	p, err := NewPreprocessor(4, 4, 3, 0)
	test.That(t, err, test.ShouldBeNil)

	buf := make([]int8, 4*4*3)
	fitted, err := p.Process(solid(4, 4, color.NRGBA{255, 0, 128, 255}), buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, buf[0], test.ShouldEqual, int8(127))
	test.That(t, buf[1], test.ShouldEqual, int8(-128))
	test.That(t, buf[2], test.ShouldEqual, int8(0))

	test.That(t, p.Preview(fitted, nil), test.ShouldBeNil)
}

func TestPreprocessErrors(t *testing.T) {
	_, err := NewPreprocessor(0, 4, 1, 0)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewPreprocessor(4, 4, 2, 0)
	test.That(t, err, test.ShouldNotBeNil)

	p, err := NewPreprocessor(4, 4, 1, 8)
	test.That(t, err, test.ShouldBeNil)
	_, err = p.Process(solid(4, 4, color.White), make([]int8, 3))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, p.Preview(solid(4, 4, color.White), make([]uint16, 3)), test.ShouldNotBeNil)
}

func TestLumaAndRGB565(t *testing.T) {
	test.That(t, luma(255, 0, 0), test.ShouldEqual, uint8(76))
	test.That(t, luma(255, 255, 255), test.ShouldEqual, uint8(255))
	test.That(t, RGB565(255, 255, 255), test.ShouldEqual, uint16(0xffff))
	test.That(t, RGB565(255, 0, 0), test.ShouldEqual, uint16(0xf800))
	test.That(t, toSigned(0), test.ShouldEqual, int8(-128))
	test.That(t, toSigned(255), test.ShouldEqual, int8(127))
}

func TestDir(t *testing.T) {
	dir := t.TempDir()
	test.That(t, imaging.Save(solid(10, 10, color.Black), filepath.Join(dir, "a.png")), test.ShouldBeNil)
	test.That(t, imaging.Save(solid(10, 10, color.White), filepath.Join(dir, "b.png")), test.ShouldBeNil)

	ctx := context.Background()
	cam := NewDir(dir, "*.png", 8)
	test.That(t, cam.DisplayBuffer(), test.ShouldBeNil)
	test.That(t, cam.Capture(ctx, 4, 4, 1, make([]int8, 16)), test.ShouldNotBeNil)
	test.That(t, cam.Init(ctx), test.ShouldBeNil)

	buf := make([]int8, 16)
	for _, want := range []int8{-128, 127, -128} {
		test.That(t, cam.Capture(ctx, 4, 4, 1, buf), test.ShouldBeNil)
		test.That(t, buf[5], test.ShouldEqual, want)
	}
	test.That(t, cam.DisplayBuffer(), test.ShouldHaveLength, 64)
	test.That(t, cam.Close(), test.ShouldBeNil)
}

func TestDirEmpty(t *testing.T) {
	cam := NewDir(t.TempDir(), "", 0)
	test.That(t, cam.Init(context.Background()), test.ShouldNotBeNil)
}

func TestHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/capture" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		test.That(t, imaging.Encode(w, solid(20, 20, color.White), imaging.JPEG), test.ShouldBeNil)
	}))
	defer srv.Close()

	ctx := context.Background()
	cam := NewHTTP(srv.URL+"/capture", 0, 8)
	test.That(t, cam.Init(ctx), test.ShouldBeNil)

	buf := make([]int8, 16)
	test.That(t, cam.Capture(ctx, 4, 4, 1, buf), test.ShouldBeNil)
	test.That(t, buf[0], test.ShouldBeGreaterThan, int8(120))
	test.That(t, cam.DisplayBuffer(), test.ShouldNotBeNil)

	missing := NewHTTP(srv.URL+"/nope", 0, 8)
	test.That(t, missing.Capture(ctx, 4, 4, 1, buf), test.ShouldNotBeNil)
	test.That(t, cam.Close(), test.ShouldBeNil)

	test.That(t, NewHTTP("ftp://camera.local/capture", 0, 0).Init(ctx), test.ShouldNotBeNil)
}
