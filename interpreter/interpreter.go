// Package interpreter defines the inference interpreter the detector drives
// and its ONNX Runtime implementation.
package interpreter

import (
	"github.com/pkg/errors"

	"github.com/Tutortoise/objdetect/arena"
	"github.com/Tutortoise/objdetect/model"
	"github.com/Tutortoise/objdetect/ops"
)

// ElementType is the scalar type of a tensor.
type ElementType string

// Supported element types.
const (
	Int8    ElementType = "int8"
	Uint8   ElementType = "uint8"
	Float32 ElementType = "float32"
)

// Size returns the byte width of one element.
func (e ElementType) Size() int {
	switch e {
	case Int8, Uint8:
		return 1
	case Float32:
		return 4
	default:
		return 0
	}
}

// Tensor is a typed view into the arena.
type Tensor struct {
	Name  string
	Shape []int64
	Type  ElementType
	// Scale and ZeroPoint describe the affine quantization of integer
	// tensors.
	Scale     float64
	ZeroPoint int64

	raw []byte
}

// Elements returns the number of elements described by the shape.
func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Bytes returns the backing bytes.
func (t *Tensor) Bytes() []byte { return t.raw }

// Int8 returns the data of an int8 tensor.
func (t *Tensor) Int8() []int8 {
	if t.Type != Int8 {
		return nil
	}
	return arena.Int8(t.raw)
}

// Uint8 returns the data of a uint8 tensor.
func (t *Tensor) Uint8() []uint8 {
	if t.Type != Uint8 {
		return nil
	}
	return t.raw
}

// Float32 returns the data of a float32 tensor.
func (t *Tensor) Float32() []float32 {
	if t.Type != Float32 {
		return nil
	}
	return arena.Float32(t.raw)
}

// Dequantize returns element i as a real value.
func (t *Tensor) Dequantize(i int) (float64, error) {
	if i < 0 || i >= t.Elements() {
		return 0, errors.Errorf("index %d out of range for tensor %q with %d elements", i, t.Name, t.Elements())
	}
	switch t.Type {
	case Float32:
		return float64(t.Float32()[i]), nil
	case Int8:
		return float64(int64(t.Int8()[i])-t.ZeroPoint) * t.Scale, nil
	case Uint8:
		return float64(int64(t.Uint8()[i])-t.ZeroPoint) * t.Scale, nil
	default:
		return 0, errors.Errorf("unsupported tensor type %q", t.Type)
	}
}

// TensorSpec describes a tensor to carve from the arena.
type TensorSpec struct {
	// Name defaults to the model's first graph input or output.
	Name      string
	Shape     []int64
	Type      ElementType
	Scale     float64
	ZeroPoint int64
}

// Options configure an interpreter.
type Options struct {
	Model    *model.Model
	Registry *ops.Registry
	Arena    *arena.Arena
	Input    TensorSpec
	Output   TensorSpec
	Threads  int
}

func (o Options) validate() error {
	switch {
	case o.Model == nil:
		return errors.New("no model")
	case o.Registry == nil:
		return errors.New("no operator registry")
	case o.Arena == nil:
		return errors.New("no tensor arena")
	}
	return nil
}

// Interpreter executes a model over tensors carved from its arena.
type Interpreter interface {
	// AllocateTensors carves the input and output tensors and prepares the
	// model for execution.
	AllocateTensors() error
	Input(i int) *Tensor
	Output(i int) *Tensor
	// Invoke runs the model once over the current input.
	Invoke() error
	Close() error
}

// Factory builds an interpreter.
type Factory func(Options) (Interpreter, error)

// CarveTensors allocates the input and output tensors described by opts.
func CarveTensors(opts Options) (input, output *Tensor, err error) {
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}
	input, err = carve(opts.Arena, opts.Input, opts.Model.Inputs())
	if err != nil {
		return nil, nil, errors.Wrap(err, "input tensor")
	}
	output, err = carve(opts.Arena, opts.Output, opts.Model.Outputs())
	if err != nil {
		return nil, nil, errors.Wrap(err, "output tensor")
	}
	return input, output, nil
}

func carve(a *arena.Arena, spec TensorSpec, graphNames []string) (*Tensor, error) {
	if spec.Type.Size() == 0 {
		return nil, errors.Errorf("unsupported tensor type %q", spec.Type)
	}
	if len(spec.Shape) == 0 {
		return nil, errors.New("empty shape")
	}
	name := spec.Name
	if name == "" {
		if len(graphNames) == 0 {
			return nil, errors.New("no name configured and model graph lists none")
		}
		name = graphNames[0]
	}
	t := &Tensor{
		Name:      name,
		Shape:     append([]int64(nil), spec.Shape...),
		Type:      spec.Type,
		Scale:     spec.Scale,
		ZeroPoint: spec.ZeroPoint,
	}
	if t.Elements() <= 0 {
		return nil, errors.Errorf("invalid shape %v", spec.Shape)
	}
	raw, err := a.Carve(t.Elements() * spec.Type.Size())
	if err != nil {
		return nil, err
	}
	t.raw = raw
	t.fillZeroPoint()
	return t, nil
}

// fillZeroPoint sets every element of a quantized tensor to its zero point,
// so a tensor no kernel has written yet dequantizes to 0.
func (t *Tensor) fillZeroPoint() {
	var b byte
	switch t.Type {
	case Int8:
		b = byte(int8(t.ZeroPoint))
	case Uint8:
		b = byte(t.ZeroPoint)
	default:
		return
	}
	if b == 0 {
		return
	}
	for i := range t.raw {
		t.raw[i] = b
	}
}
