package detector

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"

	"github.com/Tutortoise/objdetect/interpreter"
	"github.com/Tutortoise/objdetect/models"
)

const (
	RetryAttempts = 3
	RetryDelay    = 100 * time.Millisecond
)

// Classify runs the model once over img, outside the capture loop.
func (d *Detector) Classify(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (models.Result, error) {
	if img == nil {
		return models.Result{}, errors.New("no image")
	}
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	start := d.clock.Now()

	interp, err := d.lease.Acquire(ctx)
	if err != nil {
		return models.Result{}, errors.Wrap(err, "acquire interpreter")
	}
	defer d.lease.Release(interp)

	phase := d.clock.Now()
	if _, err := d.prep.Process(img, d.input.Int8()); err != nil {
		return models.Result{}, errors.Wrap(err, "preprocess image")
	}
	timings.Preprocess = d.clock.Since(phase)

	phase = d.clock.Now()
	if err := d.invokeWithRetry(ctx, interp); err != nil {
		return models.Result{}, err
	}
	timings.Inference = d.clock.Since(phase)

	phase = d.clock.Now()
	scores, err := readScores(d.output)
	if err != nil {
		return models.Result{}, errors.Wrap(err, "read output tensor")
	}
	result := d.text.Respond(scores)
	result.Time = d.clock.Now()
	timings.Postprocess = d.clock.Since(phase)

	d.counters.classified.Add(1)
	if d.history != nil {
		if err := d.history.Record(ctx, result); err != nil {
			d.logger.Warnw("failed to record result", "request_id", timings.RequestID, "error", err)
		}
	}

	timings.Total = d.clock.Since(start)
	d.logTimings(timings)
	return result, nil
}

func (d *Detector) invokeWithRetry(ctx context.Context, interp interpreter.Interpreter) error {
	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := interp.Invoke()
		if err == nil {
			return nil
		}
		lastErr = err
		d.logger.Warnw("Invoke failed.", "attempt", attempt, "error", err)

		if attempt < RetryAttempts {
			timer := d.clock.Timer(time.Duration(attempt) * RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return errors.Wrapf(lastErr, "invoke failed after %d attempts", RetryAttempts)
}
