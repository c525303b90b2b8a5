package responder

import (
	"image/color"

	"github.com/Tutortoise/objdetect/models"
)

// Policy maps scores to the label the device reports.
type Policy interface {
	Classify(models.Scores) models.Label
}

// ArgMax picks the highest-scoring label. A winning score below
// MinConfidence, or an output with no positive score, reports unknown instead.
type ArgMax struct {
	MinConfidence float64
}

func (p ArgMax) Classify(s models.Scores) models.Label {
	label, best := models.LabelCup, s.Cup
	if s.Laptop > best {
		label, best = models.LabelLaptop, s.Laptop
	}
	if s.Unknown > best {
		label, best = models.LabelUnknown, s.Unknown
	}
	if best <= 0 || best < p.MinConfidence {
		return models.LabelUnknown
	}
	return label
}

// StatusText is the label text shown on the panel.
func StatusText(l models.Label) string {
	switch l {
	case models.LabelCup:
		return "Status: Cup"
	case models.LabelLaptop:
		return "Status: Laptop"
	default:
		return "Status: Unknown"
	}
}

// LampColor is the status lamp color for a label.
func LampColor(l models.Label) color.Color {
	switch l {
	case models.LabelCup:
		return color.RGBA{R: 0x2e, G: 0xcc, B: 0x40, A: 0xff}
	case models.LabelLaptop:
		return color.RGBA{R: 0x00, G: 0x74, B: 0xd9, A: 0xff}
	default:
		return color.RGBA{R: 0xff, G: 0x41, B: 0x36, A: 0xff}
	}
}
