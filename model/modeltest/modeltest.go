// Package modeltest builds small ONNX model blobs for tests.
package modeltest

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Node describes one graph node.
type Node struct {
	Name   string
	OpType string
	Domain string
	Group  int64
}

// Spec describes the blob to build.
type Spec struct {
	IRVersion    int64
	Producer     string
	GraphName    string
	Opset        int64
	Nodes        []Node
	Inputs       []string
	Initializers []string
	Outputs      []string
}

// Classifier describes the shipped three-class image classifier.
func Classifier(irVersion int64) Spec {
	return Spec{
		IRVersion: irVersion,
		Producer:  "tf2onnx",
		GraphName: "object_detection",
		Opset:     13,
		Nodes: []Node{
			{Name: "quant", OpType: "QuantizeLinear"},
			{Name: "conv1", OpType: "Conv"},
			{Name: "dw1", OpType: "Conv", Group: 8},
			{Name: "bn_mul", OpType: "Mul"},
			{Name: "bn_add", OpType: "Add"},
			{Name: "pool1", OpType: "MaxPool"},
			{Name: "pool2", OpType: "AveragePool"},
			{Name: "flatten", OpType: "Reshape"},
			{Name: "dense", OpType: "Gemm"},
			{Name: "softmax", OpType: "Softmax"},
			{Name: "dequant", OpType: "DequantizeLinear"},
		},
		Inputs:       []string{"input", "conv1.weight"},
		Initializers: []string{"conv1.weight"},
		Outputs:      []string{"scores"},
	}
}

// Build serializes s as an ONNX ModelProto.
func Build(s Spec) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.IRVersion))
	if s.Producer != "" {
		b = appendString(b, 2, s.Producer)
	}

	var graph []byte
	for _, n := range s.Nodes {
		graph = appendMessage(graph, 1, buildNode(n))
	}
	if s.GraphName != "" {
		graph = appendString(graph, 2, s.GraphName)
	}
	for _, name := range s.Initializers {
		var t []byte
		t = appendString(t, 8, name)
		graph = appendMessage(graph, 5, t)
	}
	for _, name := range s.Inputs {
		graph = appendMessage(graph, 11, appendString(nil, 1, name))
	}
	for _, name := range s.Outputs {
		graph = appendMessage(graph, 12, appendString(nil, 1, name))
	}
	b = appendMessage(b, 7, graph)

	if s.Opset > 0 {
		var opset []byte
		opset = appendString(opset, 1, "")
		opset = protowire.AppendTag(opset, 2, protowire.VarintType)
		opset = protowire.AppendVarint(opset, uint64(s.Opset))
		b = appendMessage(b, 8, opset)
	}
	return b
}

// ONNX TensorProto data types.
const (
	typeInt8  = 3
	typeInt64 = 7
)

// Passthrough builds a model ONNX Runtime can execute: one Reshape node that
// copies the int8 tensor "input" of shape [1,n] to "scores".
func Passthrough(n int64) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 8)
	b = appendString(b, 2, "modeltest")

	var node []byte
	node = appendString(node, 1, "input")
	node = appendString(node, 1, "shape")
	node = appendString(node, 2, "scores")
	node = appendString(node, 3, "reshape")
	node = appendString(node, 4, "Reshape")

	var shape []byte
	shape = protowire.AppendTag(shape, 1, protowire.VarintType)
	shape = protowire.AppendVarint(shape, 2)
	shape = protowire.AppendTag(shape, 2, protowire.VarintType)
	shape = protowire.AppendVarint(shape, typeInt64)
	var data []byte
	data = protowire.AppendVarint(data, 1)
	data = protowire.AppendVarint(data, uint64(n))
	shape = appendMessage(shape, 7, data)
	shape = appendString(shape, 8, "shape")

	var graph []byte
	graph = appendMessage(graph, 1, node)
	graph = appendString(graph, 2, "passthrough")
	graph = appendMessage(graph, 5, shape)
	graph = appendMessage(graph, 11, valueInfo("input", typeInt8, 1, n))
	graph = appendMessage(graph, 12, valueInfo("scores", typeInt8, 1, n))
	b = appendMessage(b, 7, graph)

	var opset []byte
	opset = appendString(opset, 1, "")
	opset = protowire.AppendTag(opset, 2, protowire.VarintType)
	opset = protowire.AppendVarint(opset, 13)
	return appendMessage(b, 8, opset)
}

// valueInfo encodes a ValueInfoProto for a tensor with static dims.
func valueInfo(name string, elemType uint64, dims ...int64) []byte {
	var shape []byte
	for _, d := range dims {
		var dim []byte
		dim = protowire.AppendTag(dim, 1, protowire.VarintType)
		dim = protowire.AppendVarint(dim, uint64(d))
		shape = appendMessage(shape, 1, dim)
	}
	var tensor []byte
	tensor = protowire.AppendTag(tensor, 1, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, elemType)
	tensor = appendMessage(tensor, 2, shape)

	var b []byte
	b = appendString(b, 1, name)
	return appendMessage(b, 2, appendMessage(nil, 1, tensor))
}

func buildNode(n Node) []byte {
	var b []byte
	b = appendString(b, 1, n.Name+"_in")
	b = appendString(b, 2, n.Name+"_out")
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	if n.Group > 0 {
		var attr []byte
		attr = appendString(attr, 1, "group")
		attr = protowire.AppendTag(attr, 3, protowire.VarintType)
		attr = protowire.AppendVarint(attr, uint64(n.Group))
		attr = protowire.AppendTag(attr, 20, protowire.VarintType)
		attr = protowire.AppendVarint(attr, 2)
		b = appendMessage(b, 5, attr)
	}
	if n.Domain != "" {
		b = appendString(b, 7, n.Domain)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
