package camera

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Dir replays the images of a directory in name order, looping forever.
type Dir struct {
	frames

	dir     string
	pattern string
	files   []string
	next    int
}

// NewDir returns a camera over the files in dir matching pattern.
func NewDir(dir, pattern string, previewSize int) *Dir {
	if pattern == "" {
		pattern = "*.jpg"
	}
	return &Dir{frames: frames{previewSize: previewSize}, dir: dir, pattern: pattern}
}

func (d *Dir) Init(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(d.dir, d.pattern))
	if err != nil {
		return errors.Wrapf(err, "list %s", d.dir)
	}
	if len(files) == 0 {
		return errors.Errorf("no images matching %q in %s", d.pattern, d.dir)
	}
	sort.Strings(files)
	d.files = files
	d.next = 0
	return nil
}

func (d *Dir) Capture(ctx context.Context, width, height, channels int, buf []int8) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(d.files) == 0 {
		return errors.New("camera not initialized")
	}
	path := d.files[d.next]
	d.next = (d.next + 1) % len(d.files)

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	return d.ingest(img, width, height, channels, buf)
}

func (d *Dir) Close() error { return nil }
