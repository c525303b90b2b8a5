package detector

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"

	"github.com/Tutortoise/objdetect/config"
	"github.com/Tutortoise/objdetect/display"
	"github.com/Tutortoise/objdetect/interpreter"
	"github.com/Tutortoise/objdetect/model"
	"github.com/Tutortoise/objdetect/model/modeltest"
	"github.com/Tutortoise/objdetect/models"
)

// Quantized scores 0.875, 0.03125 and 0.09375 at scale 1/256, zero point -128.
var cupScores = [3]int8{96, -120, -104}

type fakeInterp struct {
	opts     interpreter.Options
	in, out  *interpreter.Tensor
	scores   [3]int8
	failures int
	invokes  int
	closed   bool
}

func (f *fakeInterp) AllocateTensors() error {
	in, out, err := interpreter.CarveTensors(f.opts)
	if err != nil {
		return err
	}
	f.in, f.out = in, out
	return nil
}

func (f *fakeInterp) Input(i int) *interpreter.Tensor {
	if i != 0 {
		return nil
	}
	return f.in
}

func (f *fakeInterp) Output(i int) *interpreter.Tensor {
	if i != 0 {
		return nil
	}
	return f.out
}

func (f *fakeInterp) Invoke() error {
	f.invokes++
	if err := f.opts.Registry.Resolve(f.opts.Model.Nodes()); err != nil {
		return err
	}
	if f.failures > 0 {
		f.failures--
		return errors.New("kernel failed")
	}
	copy(f.out.Int8(), f.scores[:])
	return nil
}

func (f *fakeInterp) Close() error {
	f.closed = true
	return nil
}

type fakeCamera struct {
	initErr   error
	fail      bool
	captures  int
	preview   []uint16
	onCapture func(n int)
	closed    bool
}

func (c *fakeCamera) Init(context.Context) error { return c.initErr }

func (c *fakeCamera) Capture(_ context.Context, width, height, channels int, buf []int8) error {
	c.captures++
	if c.onCapture != nil {
		c.onCapture(c.captures)
	}
	if c.fail {
		return errors.New("sensor timeout")
	}
	if len(buf) != width*height*channels {
		return errors.Errorf("buffer holds %d values", len(buf))
	}
	for i := range buf {
		buf[i] = 1
	}
	c.preview = make([]uint16, 4*4)
	return nil
}

func (c *fakeCamera) DisplayBuffer() []uint16 { return c.preview }

func (c *fakeCamera) Close() error {
	c.closed = true
	return nil
}

type fakePanel struct {
	mu      sync.Mutex
	creates int
	redraws int
	status  string
}

func (p *fakePanel) Lock()   { p.mu.Lock() }
func (p *fakePanel) Unlock() { p.mu.Unlock() }

func (p *fakePanel) CreateCanvas(w, h int) (*display.Canvas, error) {
	p.creates++
	return &display.Canvas{Width: w, Height: h, Pix: make([]uint16, w*h)}, nil
}

func (p *fakePanel) SetStatus(text string, _ color.Color) { p.status = text }
func (p *fakePanel) Invalidate()                          { p.redraws++ }
func (p *fakePanel) Close() error                         { return nil }

// fakeRecorder is called after the lease is released, so it locks.
type fakeRecorder struct {
	mu      sync.Mutex
	results []models.Result
}

func (r *fakeRecorder) Record(_ context.Context, res models.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *fakeRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

type fixture struct {
	cfg      config.Config
	deps     Deps
	logs     *observer.ObservedLogs
	camera   *fakeCamera
	interp   *fakeInterp
	created  int
	recorder *fakeRecorder
}

func newFixture(t *testing.T, irVersion int64) *fixture {
	t.Helper()
	m, err := model.FromBytes(modeltest.Build(modeltest.Classifier(irVersion)))
	test.That(t, err, test.ShouldBeNil)

	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		cfg:      config.Default(),
		logs:     logs,
		camera:   &fakeCamera{},
		recorder: &fakeRecorder{},
	}
	f.cfg.Arena.Pool = "heap"
	f.cfg.Loop.Yield = 0
	f.deps = Deps{
		Logger:  zap.New(core).Sugar(),
		Model:   m,
		Camera:  f.camera,
		History: f.recorder,
		NewInterpreter: func(opts interpreter.Options) (interpreter.Interpreter, error) {
			f.created++
			f.interp = &fakeInterp{opts: opts, scores: cupScores}
			return f.interp, nil
		},
	}
	return f
}

func (f *fixture) start(t *testing.T) *Detector {
	t.Helper()
	d, err := New(context.Background(), f.cfg, f.deps)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { d.Close() })
	return d
}

func (f *fixture) count(msg string) int {
	return f.logs.FilterMessage(msg).Len()
}

func TestNew(t *testing.T) {
	f := newFixture(t, 8)
	d := f.start(t)

	test.That(t, f.created, test.ShouldEqual, 1)
	test.That(t, f.count("Allocated 256000 bytes for tensor arena"), test.ShouldEqual, 1)
	st := d.Status()
	test.That(t, st.State, test.ShouldEqual, Idle)
	test.That(t, st.SchemaVersion, test.ShouldEqual, int64(8))
	test.That(t, st.Kernels, test.ShouldHaveLength, 16)
	test.That(t, st.ArenaSize, test.ShouldEqual, 256000)
	test.That(t, st.ArenaUsed, test.ShouldBeGreaterThanOrEqualTo, 96*96+3)
	test.That(t, st.Display, test.ShouldBeFalse)

	test.That(t, d.Close(), test.ShouldBeNil)
	test.That(t, f.interp.closed, test.ShouldBeTrue)
	test.That(t, f.camera.closed, test.ShouldBeTrue)
}

func TestNewSchemaMismatch(t *testing.T) {
	f := newFixture(t, 7)
	_, err := New(context.Background(), f.cfg, f.deps)
	test.That(t, errors.Is(err, model.ErrSchemaMismatch), test.ShouldBeTrue)
	test.That(t, f.count("Model provided is schema version 7 not equal to supported version 8."), test.ShouldEqual, 1)
	test.That(t, f.created, test.ShouldEqual, 0)
	test.That(t, f.logs.FilterMessageSnippet("Allocated").Len(), test.ShouldEqual, 0)
}

func TestNewArenaFailure(t *testing.T) {
	f := newFixture(t, 8)
	f.cfg.Arena.Size = 1 << 50
	f.cfg.Arena.Pool = "mmap"
	_, err := New(context.Background(), f.cfg, f.deps)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, f.count("Couldn't allocate memory for tensor arena"), test.ShouldEqual, 1)
	test.That(t, f.created, test.ShouldEqual, 0)
}

func TestNewAllocateTensorsFailure(t *testing.T) {
	f := newFixture(t, 8)
	f.cfg.Arena.Size = 1024
	f.cfg.Arena.Scratch = 0
	_, err := New(context.Background(), f.cfg, f.deps)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, f.count("AllocateTensors() failed"), test.ShouldEqual, 1)
	test.That(t, f.interp.closed, test.ShouldBeTrue)
}

func TestNewCameraInitFailure(t *testing.T) {
	f := newFixture(t, 8)
	f.camera.initErr = errors.New("no sensor")
	_, err := New(context.Background(), f.cfg, f.deps)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, f.count("InitCamera failed"), test.ShouldEqual, 1)
	test.That(t, f.interp.closed, test.ShouldBeTrue)
}

func TestNewCLIOnlySkipsCamera(t *testing.T) {
	f := newFixture(t, 8)
	f.cfg.Loop.CLIOnly = true
	f.deps.Camera = nil
	d := f.start(t)

	err := d.Run(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "CLI-only")
}

func TestNewUnknownKernel(t *testing.T) {
	f := newFixture(t, 8)
	f.cfg.Model.Kernels = []string{"Conv2D", "LSTM"}
	_, err := New(context.Background(), f.cfg, f.deps)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, f.created, test.ShouldEqual, 0)
}

func TestStep(t *testing.T) {
	f := newFixture(t, 8)
	d := f.start(t)

	res := d.Step(context.Background())
	test.That(t, res.Cycle, test.ShouldEqual, uint64(1))
	test.That(t, res.Stale, test.ShouldBeFalse)
	test.That(t, res.Label, test.ShouldEqual, models.LabelCup)
	test.That(t, res.Status, test.ShouldEqual, "Status: Cup")
	test.That(t, res.Scores.Cup, test.ShouldEqual, 0.875)
	test.That(t, res.Percentages, test.ShouldResemble, models.Percentages{Cup: 88, Laptop: 3, Unknown: 9})
	test.That(t, f.count("cup score:88%, laptop score:3%, unknown score:9%"), test.ShouldEqual, 1)

	test.That(t, f.interp.in.Int8()[0], test.ShouldEqual, int8(1))
	test.That(t, f.interp.invokes, test.ShouldEqual, 1)
	test.That(t, f.recorder.len(), test.ShouldEqual, 1)
	test.That(t, d.State(), test.ShouldEqual, Idle)

	last, ok := d.Last()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, last.Cycle, test.ShouldEqual, uint64(1))
	test.That(t, d.Status().Lease.TotalReleased, test.ShouldEqual, int64(1))
}

func TestStepCaptureFailure(t *testing.T) {
	f := newFixture(t, 8)
	f.camera.fail = true
	d := f.start(t)

	res := d.Step(context.Background())
	test.That(t, res.Stale, test.ShouldBeTrue)
	test.That(t, f.count("Image capture failed."), test.ShouldEqual, 1)
	test.That(t, f.interp.invokes, test.ShouldEqual, 0)
	// Nothing was inferred yet, so the output still holds its zero point.
	test.That(t, f.logs.FilterMessageSnippet("cup score:").Len(), test.ShouldEqual, 1)
	test.That(t, res.Scores, test.ShouldResemble, models.Scores{})
	test.That(t, res.Label, test.ShouldEqual, models.LabelUnknown)
	test.That(t, res.Status, test.ShouldEqual, "Status: Unknown")
	test.That(t, d.Status().Stats.CaptureFailures, test.ShouldEqual, uint64(1))

	// A later failure repeats the last inferred scores.
	f.camera.fail = false
	test.That(t, d.Step(context.Background()).Label, test.ShouldEqual, models.LabelCup)
	f.camera.fail = true
	res = d.Step(context.Background())
	test.That(t, res.Stale, test.ShouldBeTrue)
	test.That(t, res.Label, test.ShouldEqual, models.LabelCup)
}

func TestStepInvokeFailure(t *testing.T) {
	f := newFixture(t, 8)
	d := f.start(t)
	f.interp.failures = 1

	res := d.Step(context.Background())
	test.That(t, res.Stale, test.ShouldBeTrue)
	test.That(t, f.count("Invoke failed."), test.ShouldEqual, 1)
	test.That(t, res.Label, test.ShouldEqual, models.LabelUnknown)

	res = d.Step(context.Background())
	test.That(t, res.Stale, test.ShouldBeFalse)
	test.That(t, res.Cycle, test.ShouldEqual, uint64(2))
	test.That(t, d.Status().Stats.InvokeFailures, test.ShouldEqual, uint64(1))
}

func TestStepUnresolvedKernelsFailEveryInvoke(t *testing.T) {
	f := newFixture(t, 8)
	f.cfg.Model.Kernels = []string{"Conv2D", "Softmax"}
	d := f.start(t)

	for i := 0; i < 3; i++ {
		res := d.Step(context.Background())
		test.That(t, res.Stale, test.ShouldBeTrue)
	}
	test.That(t, f.count("Invoke failed."), test.ShouldEqual, 3)
}

func TestStepDisplayCreatedOnce(t *testing.T) {
	f := newFixture(t, 8)
	f.cfg.Display.Enabled = true
	panel := &fakePanel{}
	f.deps.Panel = panel
	d := f.start(t)
	test.That(t, d.Status().Display, test.ShouldBeTrue)

	for i := 0; i < 3; i++ {
		d.Step(context.Background())
	}
	test.That(t, panel.creates, test.ShouldEqual, 1)
	test.That(t, panel.redraws, test.ShouldEqual, 3)
	test.That(t, panel.status, test.ShouldEqual, "Status: Cup")
}

func TestRunUntilCancelled(t *testing.T) {
	f := newFixture(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.camera.onCapture = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	d := f.start(t)

	test.That(t, d.Run(ctx), test.ShouldBeNil)
	test.That(t, f.camera.captures, test.ShouldEqual, 3)
	test.That(t, d.Status().Stats.Cycles, test.ShouldEqual, uint64(3))
	test.That(t, f.recorder.len(), test.ShouldEqual, 3)
}

func TestClassify(t *testing.T) {
	f := newFixture(t, 8)
	d := f.start(t)

	img := image.NewGray(image.Rect(0, 0, 120, 120))
	timings := &models.ProcessingTimings{RequestID: "req-1"}
	res, err := d.Classify(context.Background(), img, timings)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Label, test.ShouldEqual, models.LabelCup)
	test.That(t, res.Stale, test.ShouldBeFalse)
	// A black frame maps to the most negative int8.
	test.That(t, f.interp.in.Int8()[0], test.ShouldEqual, int8(-128))
	test.That(t, d.Status().Stats.Classified, test.ShouldEqual, uint64(1))
	test.That(t, f.recorder.len(), test.ShouldEqual, 1)

	_, ok := d.Last()
	test.That(t, ok, test.ShouldBeFalse)

	_, err = d.Classify(context.Background(), nil, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestClassifyRetries(t *testing.T) {
	f := newFixture(t, 8)
	d := f.start(t)

	f.interp.failures = 2
	_, err := d.Classify(context.Background(), image.NewGray(image.Rect(0, 0, 96, 96)), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.interp.invokes, test.ShouldEqual, 3)

	f.interp.invokes = 0
	f.interp.failures = RetryAttempts
	_, err = d.Classify(context.Background(), image.NewGray(image.Rect(0, 0, 96, 96)), nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "after 3 attempts")
	test.That(t, f.interp.invokes, test.ShouldEqual, RetryAttempts)
}
