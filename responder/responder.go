// Package responder turns model scores into the device's visible reaction: a
// log line with rounded percentages and, when a panel is attached, a redraw
// of the camera preview with a status lamp and label.
package responder

import (
	"math"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/Tutortoise/objdetect/arena"
	"github.com/Tutortoise/objdetect/display"
	"github.com/Tutortoise/objdetect/models"
)

// Percent rounds a score to whole percent, ties rounding up.
func Percent(score float64) int {
	return int(math.Floor(score*100 + 0.5))
}

// Percentages rounds every score.
func Percentages(s models.Scores) models.Percentages {
	return models.Percentages{
		Cup:     Percent(s.Cup),
		Laptop:  Percent(s.Laptop),
		Unknown: Percent(s.Unknown),
	}
}

// PreviewFunc returns the latest RGB565 camera preview, or nil.
type PreviewFunc func() []uint16

// Responder reports detection results.
type Responder struct {
	logger *zap.SugaredLogger
	policy Policy
	view   view
}

// Option configures a Responder.
type Option func(*Responder)

// WithPanel draws results on panel using a size×size canvas filled from
// preview.
func WithPanel(panel display.Panel, preview PreviewFunc, size int) Option {
	return func(r *Responder) {
		r.view = &panelView{
			logger:  r.logger,
			panel:   panel,
			preview: preview,
			size:    size,
		}
	}
}

// New returns a text-only responder unless a panel option is given.
func New(logger *zap.SugaredLogger, policy Policy, opts ...Option) *Responder {
	if policy == nil {
		policy = ArgMax{}
	}
	r := &Responder{logger: logger, policy: policy, view: nopView{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Respond classifies scores, updates the panel and logs the percentages.
func (r *Responder) Respond(scores models.Scores) models.Result {
	pct := Percentages(scores)
	label := r.policy.Classify(scores)

	r.view.show(label)

	r.logger.Infof("cup score:%d%%, laptop score:%d%%, unknown score:%d%%", pct.Cup, pct.Laptop, pct.Unknown)
	return models.Result{
		Scores:      scores,
		Percentages: pct,
		Label:       label,
		Status:      StatusText(label),
	}
}

type view interface {
	show(models.Label)
}

type nopView struct{}

func (nopView) show(models.Label) {}

type panelView struct {
	logger  *zap.SugaredLogger
	panel   display.Panel
	preview PreviewFunc
	size    int
	canvas  *display.Canvas
}

func (v *panelView) show(label models.Label) {
	if v.canvas == nil {
		v.createGUI()
		if v.canvas == nil {
			v.logger.Error("Failed to create GUI")
			return
		}
	}

	buf := v.preview()
	if buf == nil {
		v.logger.Warn("Failed to get display buffer")
		return
	}

	v.panel.Lock()
	defer v.panel.Unlock()

	v.panel.SetStatus(StatusText(label), LampColor(label))
	copy(v.canvas.Pix, buf)
	v.panel.Invalidate()
}

func (v *panelView) createGUI() {
	v.panel.Lock()
	defer v.panel.Unlock()

	v.logMemory()
	canvas, err := v.panel.CreateCanvas(v.size, v.size)
	if err != nil {
		v.logger.Errorw("Failed to allocate memory for canvas buffer", "error", err)
		return
	}
	v.canvas = canvas
	v.panel.SetStatus(StatusText(models.LabelUnknown), LampColor(models.LabelUnknown))
	v.logMemory()
}

func (v *panelView) logMemory() {
	free, err := arena.FreeMemory()
	if err != nil {
		v.logger.Debugw("free memory unavailable", "error", err)
		return
	}
	v.logger.Debugf("Free memory: %s", units.BytesSize(float64(free)))
}
