package detector

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/Tutortoise/objdetect/interpreter"
)

// AcquireTimeout bounds how long a caller waits for the interpreter.
const AcquireTimeout = 5 * time.Second

// ErrLeaseClosed is returned by Acquire after Close.
var ErrLeaseClosed = errors.New("interpreter lease is closed")

// Lease hands out exclusive use of the single interpreter, so the capture
// loop and one-shot requests never run inference concurrently.
type Lease struct {
	slot    chan interpreter.Interpreter
	mu      sync.Mutex
	closed  bool
	timeout time.Duration
	clock   clock.Clock

	metricsMu sync.RWMutex
	metrics   LeaseMetrics
}

type LeaseMetrics struct {
	InUse           int           `json:"in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

// NewLease wraps interp. A nil clk uses the wall clock.
func NewLease(interp interpreter.Interpreter, clk clock.Clock) *Lease {
	if clk == nil {
		clk = clock.New()
	}
	l := &Lease{
		slot:    make(chan interpreter.Interpreter, 1),
		timeout: AcquireTimeout,
		clock:   clk,
	}
	l.slot <- interp
	return l
}

// Acquire waits for the interpreter. The caller must Release it.
func (l *Lease) Acquire(ctx context.Context) (interpreter.Interpreter, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrLeaseClosed
	}

	start := l.clock.Now()
	defer func() {
		l.metricsMu.Lock()
		l.metrics.WaitTime += l.clock.Since(start)
		l.metricsMu.Unlock()
	}()

	timer := l.clock.Timer(l.timeout)
	defer timer.Stop()

	select {
	case interp, ok := <-l.slot:
		if !ok {
			return nil, ErrLeaseClosed
		}
		l.metricsMu.Lock()
		l.metrics.InUse++
		l.metrics.TotalAcquired++
		l.metricsMu.Unlock()
		return interp, nil
	case <-timer.C:
		l.metricsMu.Lock()
		l.metrics.AcquireFailures++
		l.metricsMu.Unlock()
		return nil, errors.New("timeout waiting for the interpreter")
	case <-ctx.Done():
		l.metricsMu.Lock()
		l.metrics.AcquireFailures++
		l.metricsMu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns the interpreter.
func (l *Lease) Release(interp interpreter.Interpreter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.metricsMu.Lock()
	l.metrics.InUse--
	l.metrics.TotalReleased++
	l.metricsMu.Unlock()

	if l.closed {
		return
	}
	l.slot <- interp
}

// Close stops handing out the interpreter. It does not close the
// interpreter itself. Waiting and later Acquire calls get ErrLeaseClosed.
func (l *Lease) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	select {
	case <-l.slot:
	default:
	}
	close(l.slot)
}

func (l *Lease) Metrics() LeaseMetrics {
	l.metricsMu.RLock()
	defer l.metricsMu.RUnlock()
	return l.metrics
}
