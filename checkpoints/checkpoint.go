package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/embedtrain/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Extension is the file extension for checkpoints in this format.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatONNX:
		return ".onnx"
	default:
		return ".json"
	}
}

// ParseFormat maps "json" or "onnx" (any case) to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "onnx":
		return FormatONNX, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint represents a model's learnable state plus the training progress
// at the time it was written
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", etc.
}

// TrainingState captures the training progress when the checkpoint was taken
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	TotalSteps   int     `json:"total_steps"`
	LearningRate float64 `json:"learning_rate"`
	BestScore    float64 `json:"best_score"`
	Dataset      string  `json:"dataset,omitempty"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

const (
	framework        = "embedtrain"
	frameworkVersion = "1.0.0"
)

// FromParameters snapshots params into a checkpoint. Data is copied.
func FromParameters(params []*tensor.Parameter, state TrainingState) *Checkpoint {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		layer, typ := splitName(p.Name)
		weights[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
			Layer: layer,
			Type:  typ,
		}
	}
	return &Checkpoint{Weights: weights, TrainingState: state}
}

// splitName turns "projection.weight" into ("projection", "weight").
func splitName(name string) (string, string) {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, "weight"
}

// LoadInto copies the checkpoint weights into params, matching by name.
// Every parameter must be present with the same shape.
func (c *Checkpoint) LoadInto(params []*tensor.Parameter) error {
	weightMap := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		weightMap[w.Name] = w
	}

	for _, p := range params {
		w, ok := weightMap[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no weight %s", p.Name)
		}
		if len(w.Shape) != len(p.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: parameter %v vs checkpoint %v", p.Name, p.Shape, w.Shape)
		}
		for j, dim := range p.Shape {
			if dim != w.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: parameter %d vs checkpoint %d",
					p.Name, j, dim, w.Shape[j])
			}
		}
		if len(w.Data) != len(p.Data) {
			return fmt.Errorf("weight %s has %d values, expected %d", p.Name, len(w.Data), len(p.Data))
		}
	}

	// Copy only after every weight is validated
	for _, p := range params {
		copy(p.Data, weightMap[p.Name].Data)
	}
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = framework
		checkpoint.Metadata.Version = frameworkVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return cs.saveONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return cs.loadONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a checkpoint, picking the format from the file extension.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	format := FormatJSON
	if strings.HasSuffix(path, FormatONNX.Extension()) {
		format = FormatONNX
	}
	return NewCheckpointSaver(format).LoadCheckpoint(path)
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return writeFile(path, data)
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// saveONNX saves checkpoint in ONNX format
func (cs *CheckpointSaver) saveONNX(checkpoint *Checkpoint, path string) error {
	return writeFile(path, NewONNXExporter().Marshal(checkpoint))
}

// loadONNX loads checkpoint from ONNX format
func (cs *CheckpointSaver) loadONNX(path string) (*Checkpoint, error) {
	return NewONNXImporter().ImportFromONNX(path)
}

// writeFile replaces path by renaming a temporary file from the same directory.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}
