// Package detector wires the bootstrap (model, arena, operator registry,
// interpreter) to the capture → infer → respond cycle.
package detector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/objdetect/arena"
	"github.com/Tutortoise/objdetect/camera"
	"github.com/Tutortoise/objdetect/config"
	"github.com/Tutortoise/objdetect/display"
	"github.com/Tutortoise/objdetect/interpreter"
	"github.com/Tutortoise/objdetect/model"
	"github.com/Tutortoise/objdetect/models"
	"github.com/Tutortoise/objdetect/ops"
	"github.com/Tutortoise/objdetect/responder"
)

// Recorder persists results.
type Recorder interface {
	Record(ctx context.Context, r models.Result) error
}

// Deps are the collaborators a Detector drives. Only Logger is required;
// Camera is required unless the configuration is CLI-only.
type Deps struct {
	Logger *zap.SugaredLogger
	// Model overrides loading cfg.Model.Path.
	Model  *model.Model
	Camera camera.Camera
	// Panel is drawn on when the display is enabled.
	Panel          display.Panel
	NewInterpreter interpreter.Factory
	Policy         responder.Policy
	History        Recorder
	Clock          clock.Clock
}

// Detector owns every resource of one running model. Methods other than
// Status and Classify must be called from a single goroutine.
type Detector struct {
	cfg    config.Config
	logger *zap.SugaredLogger
	clock  clock.Clock

	model     *model.Model
	arena     *arena.Arena
	registry  *ops.Registry
	interp    interpreter.Interpreter
	lease     *Lease
	input     *interpreter.Tensor
	output    *interpreter.Tensor
	camera    camera.Camera
	panel     display.Panel
	responder *responder.Responder
	text      *responder.Responder
	history   Recorder
	prep      *camera.Preprocessor

	state    atomic.Int32
	counters counters

	lastMu sync.RWMutex
	last   *models.Result
}

// New runs the one-shot bootstrap. Any failure leaves nothing allocated and
// is not retried.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Detector, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	d := &Detector{
		cfg:     cfg,
		logger:  deps.Logger,
		clock:   deps.Clock,
		camera:  deps.Camera,
		history: deps.History,
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	if err := d.bootstrap(ctx, deps); err != nil {
		if closeErr := d.Close(); closeErr != nil {
			d.logger.Warnw("cleanup after failed bootstrap", "error", closeErr)
		}
		return nil, err
	}
	return d, nil
}

func (d *Detector) bootstrap(ctx context.Context, deps Deps) error {
	cfg := d.cfg
	d.model = deps.Model
	if d.model == nil {
		m, err := model.Load(cfg.Model.Path)
		if err != nil {
			d.logger.Errorw("Failed to load model", "path", cfg.Model.Path, "error", err)
			return err
		}
		d.model = m
	}
	if err := d.model.CheckSchema(cfg.Model.SchemaVersion); err != nil {
		d.logger.Errorf("Model provided is schema version %d not equal to supported version %d.",
			d.model.Version(), cfg.Model.SchemaVersion)
		return err
	}

	size := cfg.Arena.Total()
	a, err := arena.New(size, arena.Pool(cfg.Arena.Pool))
	if err != nil {
		d.logger.Errorw("Couldn't allocate memory for tensor arena", "bytes", size, "error", err)
		return err
	}
	d.arena = a
	d.logger.Infof("Allocated %d bytes for tensor arena", size)

	registry, err := buildRegistry(cfg.Model.Kernels)
	if err != nil {
		return err
	}
	d.registry = registry

	newInterp := deps.NewInterpreter
	if newInterp == nil {
		newInterp = interpreter.NewORT
	}
	in := cfg.Model.Input
	interp, err := newInterp(interpreter.Options{
		Model:    d.model,
		Registry: d.registry,
		Arena:    d.arena,
		Input: interpreter.TensorSpec{
			Name:  in.Name,
			Shape: []int64{1, int64(in.Rows), int64(in.Cols), int64(in.Channels)},
			Type:  interpreter.Int8,
		},
		Output: interpreter.TensorSpec{
			Name:      cfg.Model.Output.Name,
			Shape:     []int64{1, 3},
			Type:      interpreter.ElementType(cfg.Model.Output.Type),
			Scale:     cfg.Model.Output.Scale,
			ZeroPoint: cfg.Model.Output.ZeroPoint,
		},
		Threads: cfg.Model.Threads,
	})
	if err != nil {
		return errors.Wrap(err, "create interpreter")
	}
	d.interp = interp

	if err := interp.AllocateTensors(); err != nil {
		d.logger.Errorw("AllocateTensors() failed", "error", err)
		return errors.Wrap(err, "allocate tensors")
	}
	d.input, d.output = interp.Input(0), interp.Output(0)
	if d.input == nil || d.output == nil {
		return errors.New("interpreter has no input or output tensor")
	}
	if want := in.Rows * in.Cols * in.Channels; len(d.input.Int8()) != want {
		return errors.Errorf("input tensor holds %d int8 values, want %d", len(d.input.Int8()), want)
	}
	d.lease = NewLease(interp, d.clock)

	d.prep, err = camera.NewPreprocessor(in.Cols, in.Rows, in.Channels, 0)
	if err != nil {
		return err
	}

	if !cfg.Loop.CLIOnly {
		if d.camera == nil {
			return errors.New("no camera configured")
		}
		if err := d.camera.Init(ctx); err != nil {
			d.logger.Errorw("InitCamera failed", "error", err)
			return errors.Wrap(err, "init camera")
		}
	}

	policy := deps.Policy
	if policy == nil {
		policy = responder.ArgMax{MinConfidence: cfg.Policy.MinConfidence}
	}
	var opts []responder.Option
	if cfg.Display.Enabled && deps.Panel != nil && d.camera != nil {
		d.panel = deps.Panel
		opts = append(opts, responder.WithPanel(d.panel, d.camera.DisplayBuffer, cfg.Display.Canvas))
	}
	d.responder = responder.New(d.logger, policy, opts...)
	d.text = responder.New(d.logger, policy)

	d.logger.Infow("detector ready",
		"schema_version", d.model.Version(),
		"kernels", d.registry.Len(),
		"arena_used", d.arena.Used(),
		"display", d.panel != nil,
		"cli_only", cfg.Loop.CLIOnly,
	)
	return nil
}

// Status is a point-in-time view of the detector.
type Status struct {
	State         State          `json:"state"`
	Stats         Stats          `json:"stats"`
	Lease         LeaseMetrics   `json:"lease"`
	Last          *models.Result `json:"last,omitempty"`
	SchemaVersion int64          `json:"schema_version"`
	Kernels       []string       `json:"kernels"`
	ArenaSize     int            `json:"arena_size"`
	ArenaUsed     int            `json:"arena_used"`
	ArenaPool     arena.Pool     `json:"arena_pool"`
	Display       bool           `json:"display"`
}

// Status may be called from any goroutine.
func (d *Detector) Status() Status {
	st := Status{
		State:         d.State(),
		Stats:         d.counters.snapshot(),
		Lease:         d.lease.Metrics(),
		SchemaVersion: d.model.Version(),
		ArenaSize:     d.arena.Size(),
		ArenaUsed:     d.arena.Used(),
		ArenaPool:     d.arena.Pool(),
		Display:       d.panel != nil,
	}
	for _, k := range d.registry.Kernels() {
		st.Kernels = append(st.Kernels, k.String())
	}
	if last, ok := d.Last(); ok {
		st.Last = &last
	}
	return st
}

func buildRegistry(names []string) (*ops.Registry, error) {
	if len(names) == 0 {
		return ops.Default(), nil
	}
	r := ops.NewRegistry(ops.DefaultCapacity)
	for _, name := range names {
		k, err := ops.ParseKernel(name)
		if err != nil {
			return nil, err
		}
		if err := r.Add(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Close releases every resource the detector owns.
func (d *Detector) Close() error {
	var err error
	if d.lease != nil {
		d.lease.Close()
	}
	if d.camera != nil {
		err = multierr.Combine(err, d.camera.Close())
	}
	if d.panel != nil {
		err = multierr.Combine(err, d.panel.Close())
	}
	if d.interp != nil {
		err = multierr.Combine(err, d.interp.Close())
		d.interp = nil
	}
	if d.arena != nil {
		err = multierr.Combine(err, d.arena.Close())
		d.arena = nil
	}
	return err
}
