package detector

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Tutortoise/objdetect/interpreter"
	"github.com/Tutortoise/objdetect/models"
)

// State is the phase of the capture cycle.
type State int32

const (
	Idle State = iota
	Capturing
	Inferring
	Responding
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Inferring:
		return "inferring"
	case Responding:
		return "responding"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (d *Detector) setState(s State) { d.state.Store(int32(s)) }

// State returns the current phase of the cycle.
func (d *Detector) State() State { return State(d.state.Load()) }

// Step runs one capture → infer → respond cycle. Capture and inference
// failures are logged and the cycle still responds, with Stale set on the
// result.
func (d *Detector) Step(ctx context.Context) models.Result {
	start := d.clock.Now()
	t := models.CycleTimings{Cycle: d.counters.cycles.Add(1)}
	defer d.setState(Idle)

	interp, err := d.lease.Acquire(ctx)
	if err != nil {
		d.logger.Warnw("interpreter unavailable, skipping cycle", "cycle", t.Cycle, "error", err)
		return d.stale(t.Cycle)
	}

	stale := false
	d.setState(Capturing)
	phase := d.clock.Now()
	in := d.cfg.Model.Input
	if err := d.camera.Capture(ctx, in.Cols, in.Rows, in.Channels, d.input.Int8()); err != nil {
		d.counters.captureFailures.Add(1)
		d.logger.Errorw("Image capture failed.", "cycle", t.Cycle, "error", err)
		stale = true
	}
	t.Capture = d.clock.Since(phase)

	if !stale {
		d.setState(Inferring)
		phase = d.clock.Now()
		if err := interp.Invoke(); err != nil {
			d.counters.invokeFailures.Add(1)
			d.logger.Errorw("Invoke failed.", "cycle", t.Cycle, "error", err)
			stale = true
		}
		t.Inference = d.clock.Since(phase)
	}

	d.setState(Responding)
	phase = d.clock.Now()
	scores, err := readScores(d.output)
	d.lease.Release(interp)
	if err != nil {
		d.logger.Errorw("Failed to read output tensor", "cycle", t.Cycle, "error", err)
		stale = true
	}

	result := d.responder.Respond(scores)
	result.Cycle = t.Cycle
	result.Time = d.clock.Now()
	result.Stale = stale
	t.Respond = d.clock.Since(phase)

	d.record(ctx, result)
	t.Total = d.clock.Since(start)
	d.logCycleTimings(&t)
	return result
}

// Run repeats Step until ctx ends, yielding for loop.yield between cycles.
func (d *Detector) Run(ctx context.Context) error {
	if d.cfg.Loop.CLIOnly {
		return errors.New("the capture loop is disabled in CLI-only mode")
	}
	d.logger.Infow("capture loop started", "yield", d.cfg.Loop.Yield)
	defer d.logger.Info("capture loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		d.Step(ctx)
		if err := d.yield(ctx); err != nil {
			return nil
		}
	}
}

func (d *Detector) yield(ctx context.Context) error {
	if d.cfg.Loop.Yield <= 0 {
		return ctx.Err()
	}
	timer := d.clock.Timer(d.cfg.Loop.Yield)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// readScores dequantizes the three class scores in output order.
func readScores(out *interpreter.Tensor) (models.Scores, error) {
	var v [3]float64
	for i := range v {
		s, err := out.Dequantize(i)
		if err != nil {
			return models.Scores{}, err
		}
		v[i] = s
	}
	return models.Scores{Cup: v[0], Laptop: v[1], Unknown: v[2]}, nil
}

func (d *Detector) stale(cycle uint64) models.Result {
	d.lastMu.RLock()
	defer d.lastMu.RUnlock()
	var r models.Result
	if d.last != nil {
		r = *d.last
	}
	r.Cycle = cycle
	r.Time = d.clock.Now()
	r.Stale = true
	return r
}

func (d *Detector) record(ctx context.Context, r models.Result) {
	d.lastMu.Lock()
	d.last = &r
	d.lastMu.Unlock()

	if d.history == nil {
		return
	}
	if err := d.history.Record(ctx, r); err != nil {
		d.logger.Warnw("failed to record result", "cycle", r.Cycle, "error", err)
	}
}

// Last returns the most recent result, if any.
func (d *Detector) Last() (models.Result, bool) {
	d.lastMu.RLock()
	defer d.lastMu.RUnlock()
	if d.last == nil {
		return models.Result{}, false
	}
	return *d.last, true
}
