package detector

import (
	"sync/atomic"

	"github.com/Tutortoise/objdetect/models"
)

type counters struct {
	cycles          atomic.Uint64
	captureFailures atomic.Uint64
	invokeFailures  atomic.Uint64
	classified      atomic.Uint64
}

// Stats are the detector's running totals.
type Stats struct {
	Cycles          uint64 `json:"cycles"`
	CaptureFailures uint64 `json:"capture_failures"`
	InvokeFailures  uint64 `json:"invoke_failures"`
	Classified      uint64 `json:"classified"`
}

func (c *counters) snapshot() Stats {
	return Stats{
		Cycles:          c.cycles.Load(),
		CaptureFailures: c.captureFailures.Load(),
		InvokeFailures:  c.invokeFailures.Load(),
		Classified:      c.classified.Load(),
	}
}

func (d *Detector) logCycleTimings(t *models.CycleTimings) {
	if !d.cfg.Loop.Stats {
		return
	}
	d.logger.Debugf("Cycle: %d - Processing times:\n"+
		"\tCapture:   %v\n"+
		"\tInference: %v\n"+
		"\tRespond:   %v\n"+
		"\tTotal:     %v",
		t.Cycle,
		t.Capture,
		t.Inference,
		t.Respond,
		t.Total)
}

func (d *Detector) logTimings(t *models.ProcessingTimings) {
	d.logger.Debugf("RequestID: %s - Processing times:\n"+
		"\tImage Decode: %v\n"+
		"\tPreprocess:   %v\n"+
		"\tInference:    %v\n"+
		"\tPostprocess:  %v\n"+
		"\tTotal:        %v",
		t.RequestID,
		t.ImageDecode,
		t.Preprocess,
		t.Inference,
		t.Postprocess,
		t.Total)
}
