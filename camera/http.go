package camera

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// HTTP fetches a still image from a snapshot endpoint on every capture.
type HTTP struct {
	frames

	url    string
	client *http.Client
}

// NewHTTP returns a camera reading snapshots from rawURL.
func NewHTTP(rawURL string, timeout time.Duration, previewSize int) *HTTP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		frames: frames{previewSize: previewSize},
		url:    rawURL,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) Init(ctx context.Context) error {
	u, err := url.Parse(h.url)
	if err != nil {
		return errors.Wrap(err, "snapshot url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("snapshot url %q must be http or https", h.url)
	}
	return nil
}

func (h *HTTP) Capture(ctx context.Context, width, height, channels int, buf []int8) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetch snapshot")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetch snapshot: unexpected status %s", resp.Status)
	}
	img, err := imaging.Decode(resp.Body, imaging.AutoOrientation(true))
	if err != nil {
		return errors.Wrap(err, "decode snapshot")
	}
	return h.ingest(img, width, height, channels, buf)
}

func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
