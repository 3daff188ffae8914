package training

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tsawler/embedtrain/amp"
	"github.com/tsawler/embedtrain/checkpoints"
	"github.com/tsawler/embedtrain/distributed"
	"github.com/tsawler/embedtrain/summary"
)

const (
	DefaultWeightsDir = "weights"
	DefaultRunsDir    = "runs"
)

// Options are the runtime knobs of a training run. The zero value is usable:
// unset fields take the defaults of DefaultOptions, except Precision and
// Scaler, whose zero values mean full precision without loss scaling.
type Options struct {
	WeightsDir       string
	RunsDir          string
	CheckpointFormat checkpoints.CheckpointFormat

	Precision amp.Precision
	Scaler    amp.ScalerConfig
	Schedule  ScheduleKind

	// WorldSize overrides device.Count() in TrainDDP.
	WorldSize  int
	Rendezvous distributed.Config

	// TotalSteps overrides Experiment.TotalSteps(). TrainDDP sets it before
	// spawning so every worker plans the same schedule.
	TotalSteps int

	// Seed feeds the distributed samplers.
	Seed uint64

	Logger *slog.Logger

	// Output receives the per-epoch loss lines; Progress, when set, receives
	// the progress bars.
	Output   io.Writer
	Progress io.Writer

	// NewWriter opens the metric stream of a run. Only the coordinator calls it.
	NewWriter func(name string) (summary.Writer, error)
}

// DefaultOptions enables float16 autocast with dynamic loss scaling.
func DefaultOptions() Options {
	return Options{
		WeightsDir:       DefaultWeightsDir,
		RunsDir:          DefaultRunsDir,
		CheckpointFormat: checkpoints.FormatJSON,
		Precision:        amp.Float16,
		Scaler:           amp.DefaultScalerConfig(),
		Schedule:         ScheduleLinear,
		Rendezvous:       distributed.DefaultConfig(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WeightsDir == "" {
		o.WeightsDir = d.WeightsDir
	}
	if o.RunsDir == "" {
		o.RunsDir = d.RunsDir
	}
	if o.Schedule == "" {
		o.Schedule = d.Schedule
	}
	if o.Rendezvous.Addr == "" {
		o.Rendezvous.Addr = d.Rendezvous.Addr
	}
	if o.Rendezvous.Port == 0 {
		o.Rendezvous.Port = d.Rendezvous.Port
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Output == nil {
		o.Output = os.Stdout
	}
	if o.NewWriter == nil {
		runs := o.RunsDir
		o.NewWriter = func(name string) (summary.Writer, error) {
			w, err := summary.NewFileWriter(filepath.Join(runs, name))
			if err != nil {
				return nil, fmt.Errorf("open metric stream: %w", err)
			}
			return w, nil
		}
	}
	return o
}
