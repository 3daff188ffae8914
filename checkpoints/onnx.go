package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX field numbers used by the exporter and importer (onnx.proto3).
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelVersion         protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	onnxIRVersion  = 7
	onnxOpset      = 13
	onnxFloat      = 1 // TensorProto.DataType FLOAT
	metadataPrefix = "embedtrain."
	onnxGraphName  = "embedtrain-weights"
)

// ONNXExporter writes a checkpoint as an ONNX model whose graph holds the
// weights as initializers. Training state and metadata go to metadata_props.
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX writes checkpoint to path
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	if err := os.WriteFile(path, oe.Marshal(checkpoint), 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// Marshal encodes checkpoint as a serialized ModelProto.
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) []byte {
	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxIRVersion)
	b = appendString(b, modelProducerName, framework)
	b = appendString(b, modelProducerVersion, frameworkVersion)
	b = protowire.AppendTag(b, modelVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	if checkpoint.Metadata.Description != "" {
		b = appendString(b, modelDocString, checkpoint.Metadata.Description)
	}

	var graph []byte
	graph = appendString(graph, graphName, onnxGraphName)
	for _, w := range checkpoint.Weights {
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, oe.tensorProto(w))
	}
	b = protowire.AppendTag(b, modelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, graph)

	var opset []byte
	opset = appendString(opset, opsetDomain, "")
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpset)
	b = protowire.AppendTag(b, modelOpsetImport, protowire.BytesType)
	b = protowire.AppendBytes(b, opset)

	for _, kv := range metadataProps(checkpoint) {
		var entry []byte
		entry = appendString(entry, entryKey, metadataPrefix+kv[0])
		entry = appendString(entry, entryValue, kv[1])
		b = protowire.AppendTag(b, modelMetadataProps, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// tensorProto encodes a float32 weight with little-endian raw_data.
func (oe *ONNXExporter) tensorProto(w WeightTensor) []byte {
	var dims []byte
	for _, d := range w.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	raw := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}

	var t []byte
	t = protowire.AppendTag(t, tensorDims, protowire.BytesType)
	t = protowire.AppendBytes(t, dims)
	t = protowire.AppendTag(t, tensorDataType, protowire.VarintType)
	t = protowire.AppendVarint(t, onnxFloat)
	t = appendString(t, tensorName, w.Name)
	t = protowire.AppendTag(t, tensorRawData, protowire.BytesType)
	t = protowire.AppendBytes(t, raw)
	return t
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func metadataProps(c *Checkpoint) [][2]string {
	s := c.TrainingState
	m := c.Metadata
	props := [][2]string{
		{"epoch", strconv.Itoa(s.Epoch)},
		{"step", strconv.Itoa(s.Step)},
		{"total_steps", strconv.Itoa(s.TotalSteps)},
		{"learning_rate", strconv.FormatFloat(s.LearningRate, 'g', -1, 64)},
		{"best_score", strconv.FormatFloat(s.BestScore, 'g', -1, 64)},
		{"created_at", m.CreatedAt.Format(time.RFC3339Nano)},
	}
	if s.Dataset != "" {
		props = append(props, [2]string{"dataset", s.Dataset})
	}
	if m.RunID != "" {
		props = append(props, [2]string{"run_id", m.RunID})
	}
	return props
}

// ONNXImporter reads checkpoints written by ONNXExporter, or the
// initializers of any ONNX model with FLOAT weights.
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX reads a checkpoint from path
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	return oi.Unmarshal(data)
}

// Unmarshal decodes a serialized ModelProto.
func (oi *ONNXImporter) Unmarshal(data []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	props := map[string]string{}

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == modelProducerName && typ == protowire.BytesType:
			checkpoint.Metadata.Framework = string(v)
		case num == modelProducerVersion && typ == protowire.BytesType:
			checkpoint.Metadata.Version = string(v)
		case num == modelDocString && typ == protowire.BytesType:
			checkpoint.Metadata.Description = string(v)
		case num == modelGraph && typ == protowire.BytesType:
			weights, err := oi.parseGraph(v)
			if err != nil {
				return fmt.Errorf("graph: %w", err)
			}
			checkpoint.Weights = weights
		case num == modelMetadataProps && typ == protowire.BytesType:
			var key, value string
			err := walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
				switch num {
				case entryKey:
					key = string(v)
				case entryValue:
					value = string(v)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("metadata_props: %w", err)
			}
			props[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX model: %w", err)
	}

	if err := applyMetadata(checkpoint, props); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

func (oi *ONNXImporter) parseGraph(data []byte) ([]WeightTensor, error) {
	var weights []WeightTensor
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != graphInitializer || typ != protowire.BytesType {
			return nil
		}
		w, err := oi.parseTensor(v)
		if err != nil {
			return err
		}
		weights = append(weights, w)
		return nil
	})
	return weights, err
}

func (oi *ONNXImporter) parseTensor(data []byte) (WeightTensor, error) {
	var w WeightTensor
	dataType := uint64(0)
	var raw []byte

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case tensorDims:
			dims, err := consumeVarints(typ, v)
			if err != nil {
				return fmt.Errorf("dims: %w", err)
			}
			for _, d := range dims {
				w.Shape = append(w.Shape, int(d))
			}
		case tensorDataType:
			t, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return protowire.ParseError(n)
			}
			dataType = t
		case tensorFloatData:
			floats, err := consumeFloats(typ, v)
			if err != nil {
				return fmt.Errorf("float_data: %w", err)
			}
			w.Data = append(w.Data, floats...)
		case tensorName:
			w.Name = string(v)
		case tensorRawData:
			raw = v
		}
		return nil
	})
	if err != nil {
		return w, fmt.Errorf("initializer %s: %w", w.Name, err)
	}

	if dataType != onnxFloat {
		return w, fmt.Errorf("initializer %s: unsupported data type %d", w.Name, dataType)
	}
	if raw != nil {
		if len(raw)%4 != 0 {
			return w, fmt.Errorf("initializer %s: raw data length %d is not a multiple of 4", w.Name, len(raw))
		}
		w.Data = make([]float32, len(raw)/4)
		for i := range w.Data {
			w.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}

	expected := 1
	for _, d := range w.Shape {
		expected *= d
	}
	if expected != len(w.Data) {
		return w, fmt.Errorf("initializer %s: shape %v needs %d values, got %d", w.Name, w.Shape, expected, len(w.Data))
	}
	w.Layer, w.Type = splitName(w.Name)
	return w, nil
}

func applyMetadata(c *Checkpoint, props map[string]string) error {
	var err error
	atoi := func(key string, dst *int) {
		if v, ok := props[metadataPrefix+key]; ok && err == nil {
			*dst, err = strconv.Atoi(v)
		}
	}
	atof := func(key string, dst *float64) {
		if v, ok := props[metadataPrefix+key]; ok && err == nil {
			*dst, err = strconv.ParseFloat(v, 64)
		}
	}

	atoi("epoch", &c.TrainingState.Epoch)
	atoi("step", &c.TrainingState.Step)
	atoi("total_steps", &c.TrainingState.TotalSteps)
	atof("learning_rate", &c.TrainingState.LearningRate)
	atof("best_score", &c.TrainingState.BestScore)
	if v, ok := props[metadataPrefix+"created_at"]; ok && err == nil {
		c.Metadata.CreatedAt, err = time.Parse(time.RFC3339Nano, v)
	}
	c.TrainingState.Dataset = props[metadataPrefix+"dataset"]
	c.Metadata.RunID = props[metadataPrefix+"run_id"]

	if err != nil {
		return fmt.Errorf("invalid ONNX metadata: %w", err)
	}
	return nil
}

// walkFields calls fn for every top-level field of a serialized message.
// For length-delimited fields v is the payload; for others it is the raw
// encoded value.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		if typ == protowire.BytesType {
			v, n = protowire.ConsumeBytes(b)
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				v = b[:n]
			}
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

// consumeVarints decodes a packed or single varint field.
func consumeVarints(typ protowire.Type, v []byte) ([]uint64, error) {
	var out []uint64
	for len(v) > 0 {
		x, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, x)
		v = v[n:]
		if typ == protowire.VarintType {
			break
		}
	}
	return out, nil
}

// consumeFloats decodes a packed or single fixed32 float field.
func consumeFloats(typ protowire.Type, v []byte) ([]float32, error) {
	var out []float32
	for len(v) > 0 {
		x, n := protowire.ConsumeFixed32(v)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(x))
		v = v[n:]
		if typ == protowire.Fixed32Type {
			break
		}
	}
	return out, nil
}
