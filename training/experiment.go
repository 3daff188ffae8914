package training

import (
	"errors"
	"fmt"

	"github.com/tsawler/embedtrain/data"
	"github.com/tsawler/embedtrain/device"
)

var (
	// ErrConfig reports an experiment or option set that cannot be trained.
	ErrConfig = errors.New("invalid training configuration")

	// ErrNoDevices is returned by TrainDDP when no worker can be started.
	ErrNoDevices = fmt.Errorf("%w: no devices available", ErrConfig)
)

// BenchmarkSplit names the loader the similarity evaluator scores after
// every validated dataset-epoch.
type BenchmarkSplit struct {
	Dataset string
	Split   string
}

// DefaultBenchmark is the STS-B validation split.
func DefaultBenchmark() BenchmarkSplit {
	return BenchmarkSplit{Dataset: "stsb", Split: "validation"}
}

// Experiment describes one training run: which datasets to train on, in which
// order, for how long.
type Experiment struct {
	Data          *data.Manager
	TrainDatasets []string
	NumEpochs     int
	WarmupSteps   int
	Device        device.Device
	Benchmark     BenchmarkSplit
}

func (e *Experiment) benchmark() BenchmarkSplit {
	if e.Benchmark == (BenchmarkSplit{}) {
		return DefaultBenchmark()
	}
	return e.Benchmark
}

// Validate reports every problem with the experiment at once.
func (e *Experiment) Validate() error {
	if e.Data == nil {
		return fmt.Errorf("%w: experiment has no data manager", ErrConfig)
	}

	var errs []error
	if e.NumEpochs <= 0 {
		errs = append(errs, fmt.Errorf("%w: num epochs must be positive, got %d", ErrConfig, e.NumEpochs))
	}
	if e.WarmupSteps < 0 {
		errs = append(errs, fmt.Errorf("%w: warmup steps cannot be negative, got %d", ErrConfig, e.WarmupSteps))
	}
	if len(e.TrainDatasets) == 0 {
		errs = append(errs, fmt.Errorf("%w: no training datasets", ErrConfig))
	}

	validated := false
	for _, name := range e.TrainDatasets {
		splits, ok := e.Data.Splits(name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: unknown training dataset %q", ErrConfig, name))
			continue
		}
		if _, _, ok := splits.Find("validation"); ok {
			validated = true
		}
	}

	if validated {
		b := e.benchmark()
		if _, ok := e.Data.Loader(b.Dataset, b.Split); !ok {
			errs = append(errs, fmt.Errorf("%w: benchmark split %s/%s not found", ErrConfig, b.Dataset, b.Split))
		}
	}

	return errors.Join(errs...)
}

// TotalSteps is the number of optimizer updates the run performs, counted on
// the unsharded train loaders.
func (e *Experiment) TotalSteps() int {
	total := 0
	for _, name := range e.TrainDatasets {
		if train, ok := e.Data.Loader(name, "train"); ok {
			total += train.Len() * e.NumEpochs
		}
	}
	return total
}

// Clone returns a copy whose loader tables can be changed without affecting e.
func (e *Experiment) Clone() *Experiment {
	c := *e
	c.TrainDatasets = append([]string(nil), e.TrainDatasets...)
	if e.Data != nil {
		c.Data = e.Data.Clone()
	}
	return &c
}
