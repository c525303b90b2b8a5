// Package ops holds the operator registry: the fixed set of kernels the
// interpreter may execute, and the resolution of model nodes to kernels.
package ops

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/Tutortoise/objdetect/model"
)

// DefaultCapacity is the number of kernel slots in a default registry.
const DefaultCapacity = 16

// Kernel identifies one operator implementation.
type Kernel int

// Supported kernels.
const (
	Conv2D Kernel = iota + 1
	DepthwiseConv2D
	FullyConnected
	MaxPool2D
	AveragePool2D
	Softmax
	Relu
	Quantize
	Dequantize
	Reshape
	Mul
	Add
	Sub
	Div
	Mean
	Rsqrt
)

var kernelNames = map[Kernel]string{
	Conv2D:          "conv2d",
	DepthwiseConv2D: "depthwise_conv2d",
	FullyConnected:  "fully_connected",
	MaxPool2D:       "max_pool2d",
	AveragePool2D:   "average_pool2d",
	Softmax:         "softmax",
	Relu:            "relu",
	Quantize:        "quantize",
	Dequantize:      "dequantize",
	Reshape:         "reshape",
	Mul:             "mul",
	Add:             "add",
	Sub:             "sub",
	Div:             "div",
	Mean:            "mean",
	Rsqrt:           "rsqrt",
}

// opKernels maps ONNX op types to the kernel that executes them. Conv is
// special-cased in KernelFor.
var opKernels = map[string]Kernel{
	"Conv":              Conv2D,
	"Gemm":              FullyConnected,
	"MatMul":            FullyConnected,
	"MaxPool":           MaxPool2D,
	"AveragePool":       AveragePool2D,
	"GlobalAveragePool": AveragePool2D,
	"Softmax":           Softmax,
	"Relu":              Relu,
	"QuantizeLinear":    Quantize,
	"DequantizeLinear":  Dequantize,
	"Reshape":           Reshape,
	"Flatten":           Reshape,
	"Squeeze":           Reshape,
	"Unsqueeze":         Reshape,
	"Transpose":         Reshape, // NHWC/NCHW layout changes from tf2onnx
	"Mul":               Mul,
	"Add":               Add,
	"Sub":               Sub,
	"Div":               Div,
	"ReduceMean":        Mean,
	"Sqrt":              Rsqrt,
	"Reciprocal":        Rsqrt,
}

func (k Kernel) String() string {
	if name, ok := kernelNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKernel returns the kernel with the given name.
func ParseKernel(name string) (Kernel, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kernelNames {
		if n == name {
			return k, nil
		}
	}
	// ONNX op types are accepted too.
	for opType, k := range opKernels {
		if strings.ToLower(opType) == name {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown kernel %q", name)
}

// KernelFor returns the kernel that executes node.
func KernelFor(node model.Node) (Kernel, bool) {
	if node.Domain != model.DefaultDomain && node.Domain != "" {
		return 0, false
	}
	if node.OpType == "Conv" && node.Group > 1 {
		return DepthwiseConv2D, true
	}
	k, ok := opKernels[node.OpType]
	return k, ok
}

// UnresolvedError lists the op types no registered kernel can execute.
type UnresolvedError struct {
	OpTypes []string
}

func (e *UnresolvedError) Error() string {
	return "didn't find op for builtin opcode: " + strings.Join(e.OpTypes, ", ")
}

// Registry is a fixed-capacity set of kernels.
type Registry struct {
	capacity int
	kernels  []Kernel
}

// NewRegistry returns an empty registry with room for capacity kernels.
func NewRegistry(capacity int) *Registry {
	return &Registry{capacity: capacity, kernels: make([]Kernel, 0, capacity)}
}

// Default returns a registry holding the kernels the shipped classifier
// needs.
func Default() *Registry {
	r := NewRegistry(DefaultCapacity)
	for _, k := range []Kernel{
		Conv2D,
		FullyConnected,
		MaxPool2D,
		Softmax,
		Relu,
		Quantize,
		Dequantize,
		DepthwiseConv2D,
		Reshape,
		AveragePool2D,
		// batch normalization folds into these
		Mul,
		Add,
		Sub,
		Div,
		Mean,
		Rsqrt,
	} {
		if err := r.Add(k); err != nil {
			panic(err)
		}
	}
	return r
}

// Add registers k. Adding a registered kernel again is a no-op.
func (r *Registry) Add(k Kernel) error {
	if _, ok := kernelNames[k]; !ok {
		return errors.Errorf("unknown kernel %d", int(k))
	}
	if r.Has(k) {
		return nil
	}
	if len(r.kernels) >= r.capacity {
		return errors.Errorf("registry full: cannot add %s, capacity is %d", k, r.capacity)
	}
	r.kernels = append(r.kernels, k)
	return nil
}

// Has reports whether k is registered.
func (r *Registry) Has(k Kernel) bool {
	for _, have := range r.kernels {
		if have == k {
			return true
		}
	}
	return false
}

// Kernels returns the registered kernels in registration order.
func (r *Registry) Kernels() []Kernel {
	return append([]Kernel(nil), r.kernels...)
}

// Len returns the number of registered kernels.
func (r *Registry) Len() int { return len(r.kernels) }

// Capacity returns the number of kernel slots.
func (r *Registry) Capacity() int { return r.capacity }

// Resolve checks that every node has a registered kernel.
func (r *Registry) Resolve(nodes []model.Node) error {
	missing := map[string]struct{}{}
	for _, n := range nodes {
		k, ok := KernelFor(n)
		if ok && r.Has(k) {
			continue
		}
		op := n.OpType
		if ok {
			op = k.String()
		} else if n.Domain != model.DefaultDomain && n.Domain != "" {
			op = n.Domain + "." + n.OpType
		}
		missing[op] = struct{}{}
	}
	if len(missing) == 0 {
		return nil
	}
	unresolved := &UnresolvedError{}
	for op := range missing {
		unresolved.OpTypes = append(unresolved.OpTypes, op)
	}
	sort.Strings(unresolved.OpTypes)
	return unresolved
}
