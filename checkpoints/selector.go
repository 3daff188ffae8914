package checkpoints

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tsawler/embedtrain/model"
)

// Selector keeps the best model of a run on disk: a model is written to
// Dir/<name><ext> only when its score strictly beats the best so far.
type Selector struct {
	Dir    string
	Saver  *CheckpointSaver
	RunID  string
	Logger *slog.Logger
}

// NewSelector creates a selector writing format checkpoints under dir with a
// fresh run id.
func NewSelector(dir string, format CheckpointFormat, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		Dir:    dir,
		Saver:  NewCheckpointSaver(format),
		RunID:  uuid.NewString(),
		Logger: logger,
	}
}

// Path is the checkpoint file for a run name.
func (s *Selector) Path(name string) string {
	return filepath.Join(s.Dir, name+s.Saver.Format().Extension())
}

// MaybeSave writes the unwrapped model's parameters if score > best and
// returns the new best. Ties and NaN scores never overwrite.
func (s *Selector) MaybeSave(m model.Embedder, name string, score, best float64, state TrainingState) (float64, bool, error) {
	if !(score > best) {
		return best, false, nil
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return best, false, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	state.BestScore = score
	checkpoint := FromParameters(m.Unwrap().Parameters(), state)
	checkpoint.Metadata.RunID = s.RunID
	checkpoint.Metadata.Description = name

	path := s.Path(name)
	if err := s.Saver.SaveCheckpoint(checkpoint, path); err != nil {
		return best, false, fmt.Errorf("save %s: %w", path, err)
	}
	s.Logger.Info("new best model saved", "path", path, "score", score, "previous", best)
	return score, true, nil
}
