package interpreter

import (
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

var (
	envMu   sync.Mutex
	envRefs int
)

// InitRuntime loads the ONNX Runtime shared library and initializes its
// environment. Calls are reference counted against ShutdownRuntime.
func InitRuntime(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs > 0 {
		envRefs++
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initialize onnx runtime environment")
	}
	envRefs = 1
	return nil
}

// ShutdownRuntime releases the environment once the last user is done.
func ShutdownRuntime() error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs > 0 {
		return nil
	}
	return ort.DestroyEnvironment()
}

type ortInterpreter struct {
	opts Options

	input, output     *Tensor
	inValue, outValue ort.ArbitraryTensor
	session           *ort.AdvancedSession
	resolved          bool
	resolveErr        error
}

// NewORT returns an interpreter backed by ONNX Runtime. InitRuntime must have
// been called.
func NewORT(opts Options) (Interpreter, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &ortInterpreter{opts: opts}, nil
}

func (i *ortInterpreter) AllocateTensors() error {
	if i.session != nil {
		return nil
	}
	input, output, err := CarveTensors(i.opts)
	if err != nil {
		return err
	}

	inValue, err := ortTensor(input)
	if err != nil {
		return errors.Wrap(err, "error creating input tensor")
	}
	outValue, err := ortTensor(output)
	if err != nil {
		inValue.Destroy()
		return errors.Wrap(err, "error creating output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inValue.Destroy()
		outValue.Destroy()
		return errors.Wrap(err, "error creating session options")
	}
	defer options.Destroy()
	if i.opts.Threads > 0 {
		options.SetIntraOpNumThreads(i.opts.Threads)
		options.SetInterOpNumThreads(1)
	}

	session, err := ort.NewAdvancedSessionWithONNXData(
		i.opts.Model.Data(),
		[]string{input.Name},
		[]string{output.Name},
		[]ort.ArbitraryTensor{inValue},
		[]ort.ArbitraryTensor{outValue},
		options,
	)
	if err != nil {
		inValue.Destroy()
		outValue.Destroy()
		return errors.Wrap(err, "error creating session")
	}

	i.input, i.output = input, output
	i.inValue, i.outValue = inValue, outValue
	i.session = session
	return nil
}

func (i *ortInterpreter) Input(n int) *Tensor {
	if n != 0 {
		return nil
	}
	return i.input
}

func (i *ortInterpreter) Output(n int) *Tensor {
	if n != 0 {
		return nil
	}
	return i.output
}

func (i *ortInterpreter) Invoke() error {
	if i.session == nil {
		return errors.New("tensors not allocated")
	}
	if !i.resolved {
		i.resolveErr = i.opts.Registry.Resolve(i.opts.Model.Nodes())
		i.resolved = true
	}
	if i.resolveErr != nil {
		return i.resolveErr
	}
	return errors.Wrap(i.session.Run(), "model inference")
}

func (i *ortInterpreter) Close() error {
	var err error
	if i.session != nil {
		err = multierr.Combine(err, i.session.Destroy())
		i.session = nil
	}
	if i.inValue != nil {
		err = multierr.Combine(err, i.inValue.Destroy())
		i.inValue = nil
	}
	if i.outValue != nil {
		err = multierr.Combine(err, i.outValue.Destroy())
		i.outValue = nil
	}
	return err
}

// ortTensor wraps the arena bytes of t so the runtime reads and writes the
// arena directly.
func ortTensor(t *Tensor) (ort.ArbitraryTensor, error) {
	shape := ort.NewShape(t.Shape...)
	switch t.Type {
	case Int8:
		return ort.NewTensor(shape, t.Int8())
	case Uint8:
		return ort.NewTensor(shape, t.Uint8())
	case Float32:
		return ort.NewTensor(shape, t.Float32())
	default:
		return nil, errors.Errorf("unsupported tensor type %q", t.Type)
	}
}
