// Package model loads serialized ONNX model blobs and exposes the pieces the
// bootstrap needs: the schema version and a summary of the graph.
package model

import (
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrSchemaMismatch is returned when the model's schema version differs from
// the version the runtime was built against.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// DefaultDomain is the operator domain ONNX uses for its standard operators.
const DefaultDomain = "ai.onnx"

// Node is one operator invocation in the model graph.
type Node struct {
	Name   string
	OpType string
	Domain string
	// Group is the value of the "group" attribute, 1 when absent.
	Group int64
}

// Model is an immutable, parsed model blob.
type Model struct {
	data     []byte
	version  int64
	producer string
	graph    string
	opsets   map[string]int64
	nodes    []Node
	inputs   []string
	outputs  []string
}

// Load reads and parses the model at path.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read model %s", path)
	}
	m, err := FromBytes(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse model %s", path)
	}
	return m, nil
}

// FromBytes parses a model blob. The slice is retained and must not be
// modified afterwards.
func FromBytes(data []byte) (*Model, error) {
	if len(data) == 0 {
		return nil, errors.New("empty model blob")
	}
	m := &Model{data: data, opsets: map[string]int64{}}
	if err := m.parse(data); err != nil {
		return nil, err
	}
	return m, nil
}

// Data returns the raw blob handed to the inference runtime.
func (m *Model) Data() []byte { return m.data }

// Version returns the schema version stored in the blob.
func (m *Model) Version() int64 { return m.version }

// Producer returns the name of the tool that serialized the model.
func (m *Model) Producer() string { return m.producer }

// GraphName returns the name of the main graph.
func (m *Model) GraphName() string { return m.graph }

// Opset returns the operator set version imported for domain.
func (m *Model) Opset(domain string) (int64, bool) {
	if domain == "" {
		domain = DefaultDomain
	}
	v, ok := m.opsets[domain]
	return v, ok
}

// Nodes returns the graph's operator nodes in topological order.
func (m *Model) Nodes() []Node { return m.nodes }

// Inputs returns the names of the graph inputs that are not initializers.
func (m *Model) Inputs() []string { return m.inputs }

// Outputs returns the names of the graph outputs.
func (m *Model) Outputs() []string { return m.outputs }

// CheckSchema fails with ErrSchemaMismatch unless the model was serialized
// with exactly the supported schema version.
func (m *Model) CheckSchema(supported int64) error {
	if m.version != supported {
		return errors.Wrapf(ErrSchemaMismatch,
			"model provided is schema version %d not equal to supported version %d",
			m.version, supported)
	}
	return nil
}

// ModelProto field numbers.
const (
	fieldIRVersion   = 1
	fieldProducer    = 2
	fieldGraph       = 7
	fieldOpsetImport = 8
)

func (m *Model) parse(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		switch {
		case num == fieldIRVersion && typ == protowire.VarintType:
			m.version = int64(v.varint)
		case num == fieldProducer && typ == protowire.BytesType:
			m.producer = string(v.bytes)
		case num == fieldGraph && typ == protowire.BytesType:
			return errors.Wrap(m.parseGraph(v.bytes), "graph")
		case num == fieldOpsetImport && typ == protowire.BytesType:
			return errors.Wrap(m.parseOpset(v.bytes), "opset import")
		}
		return nil
	})
}

func (m *Model) parseOpset(b []byte) error {
	var domain string
	var version int64
	err := walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			domain = string(v.bytes)
		case num == 2 && typ == protowire.VarintType:
			version = int64(v.varint)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if domain == "" {
		domain = DefaultDomain
	}
	m.opsets[domain] = version
	return nil
}

// GraphProto field numbers.
const (
	fieldNode        = 1
	fieldGraphName   = 2
	fieldInitializer = 5
	fieldInput       = 11
	fieldOutput      = 12
)

func (m *Model) parseGraph(b []byte) error {
	var inputs []string
	initializers := map[string]struct{}{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldNode:
			n, err := parseNode(v.bytes)
			if err != nil {
				return errors.Wrapf(err, "node %d", len(m.nodes))
			}
			m.nodes = append(m.nodes, n)
		case fieldGraphName:
			m.graph = string(v.bytes)
		case fieldInitializer:
			// TensorProto.name
			name, err := stringField(v.bytes, 8)
			if err != nil {
				return errors.Wrap(err, "initializer")
			}
			initializers[name] = struct{}{}
		case fieldInput:
			name, err := stringField(v.bytes, 1)
			if err != nil {
				return errors.Wrap(err, "input")
			}
			inputs = append(inputs, name)
		case fieldOutput:
			name, err := stringField(v.bytes, 1)
			if err != nil {
				return errors.Wrap(err, "output")
			}
			m.outputs = append(m.outputs, name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Older IR versions list initializers among the graph inputs.
	for _, in := range inputs {
		if _, ok := initializers[in]; !ok {
			m.inputs = append(m.inputs, in)
		}
	}
	return nil
}

func parseNode(b []byte) (Node, error) {
	n := Node{Group: 1}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 3:
			n.Name = string(v.bytes)
		case 4:
			n.OpType = string(v.bytes)
		case 5:
			name, i, ok, err := intAttribute(v.bytes)
			if err != nil {
				return errors.Wrap(err, "attribute")
			}
			if ok && name == "group" {
				n.Group = i
			}
		case 7:
			n.Domain = string(v.bytes)
		}
		return nil
	})
	if n.Domain == "" {
		n.Domain = DefaultDomain
	}
	return n, err
}

// intAttribute decodes an AttributeProto, reporting its integer value when it
// carries one.
func intAttribute(b []byte) (name string, i int64, ok bool, err error) {
	err = walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			name = string(v.bytes)
		case num == 3 && typ == protowire.VarintType:
			i, ok = int64(v.varint), true
		}
		return nil
	})
	return name, i, ok, err
}

func stringField(b []byte, field protowire.Number) (string, error) {
	var s string
	err := walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		if num == field && typ == protowire.BytesType {
			s = string(v.bytes)
		}
		return nil
	})
	return s, err
}

type value struct {
	varint uint64
	bytes  []byte
}

// walk visits every top-level field of a protobuf message. Groups and
// fixed-width fields are skipped.
func walk(b []byte, fn func(protowire.Number, protowire.Type, value) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "tag")
		}
		b = b[n:]

		var v value
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}
