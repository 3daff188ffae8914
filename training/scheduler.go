package training

import (
	"fmt"
	"math"

	"github.com/tsawler/embedtrain/optimizer"
)

// LRScheduler defines the interface for learning rate scheduling strategies
type LRScheduler interface {
	// GetLR returns the learning rate after step optimizer updates.
	// This is a pure function - no state modifications
	GetLR(step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// ScheduleKind selects the post-warmup shape of a schedule.
type ScheduleKind string

const (
	ScheduleLinear   ScheduleKind = "linear"
	ScheduleCosine   ScheduleKind = "cosine"
	ScheduleConstant ScheduleKind = "constant"
)

// ParseScheduleKind maps a config string to a ScheduleKind. The empty string
// selects the linear schedule.
func ParseScheduleKind(s string) (ScheduleKind, error) {
	switch ScheduleKind(s) {
	case "", ScheduleLinear:
		return ScheduleLinear, nil
	case ScheduleCosine:
		return ScheduleCosine, nil
	case ScheduleConstant:
		return ScheduleConstant, nil
	default:
		return "", fmt.Errorf("%w: unknown schedule %q", ErrConfig, s)
	}
}

// warmup is the shared ramp from 0 to 1 over the first WarmupSteps steps.
func warmup(step, warmupSteps int) float64 {
	return float64(step) / float64(max(1, warmupSteps))
}

// LinearWarmupScheduler ramps the learning rate up linearly from zero and
// then decays it linearly back to zero at TotalSteps
type LinearWarmupScheduler struct {
	WarmupSteps int
	TotalSteps  int
}

func (s *LinearWarmupScheduler) GetLR(step int, baseLR float64) float64 {
	if step < s.WarmupSteps {
		return baseLR * warmup(step, s.WarmupSteps)
	}
	remaining := float64(s.TotalSteps-step) / float64(max(1, s.TotalSteps-s.WarmupSteps))
	return baseLR * math.Max(0, remaining)
}

func (s *LinearWarmupScheduler) GetName() string {
	return "LinearWarmup"
}

// CosineWarmupScheduler ramps up linearly and then follows half a cosine
// wave down to zero at TotalSteps
type CosineWarmupScheduler struct {
	WarmupSteps int
	TotalSteps  int
}

func (s *CosineWarmupScheduler) GetLR(step int, baseLR float64) float64 {
	if step < s.WarmupSteps {
		return baseLR * warmup(step, s.WarmupSteps)
	}
	progress := float64(step-s.WarmupSteps) / float64(max(1, s.TotalSteps-s.WarmupSteps))
	if progress >= 1 {
		return 0
	}
	return baseLR * math.Max(0, 0.5*(1+math.Cos(math.Pi*progress)))
}

func (s *CosineWarmupScheduler) GetName() string {
	return "CosineWarmup"
}

// ConstantWarmupScheduler ramps up linearly and then holds the base rate
type ConstantWarmupScheduler struct {
	WarmupSteps int
}

func (s *ConstantWarmupScheduler) GetLR(step int, baseLR float64) float64 {
	if step < s.WarmupSteps {
		return baseLR * warmup(step, s.WarmupSteps)
	}
	return baseLR
}

func (s *ConstantWarmupScheduler) GetName() string {
	return "ConstantWarmup"
}

// Schedule drives an optimizer's learning rate one step at a time.
type Schedule struct {
	optimizer optimizer.Optimizer
	scheduler LRScheduler
	baseLR    float64
	step      int
}

// PlanSchedule captures the optimizer's current learning rate as the base
// rate and immediately applies the step-0 multiplier, which is 0 whenever
// warmupSteps > 0.
func PlanSchedule(opt optimizer.Optimizer, warmupSteps, totalSteps int, kind ScheduleKind) (*Schedule, error) {
	if err := checkBudget(warmupSteps, totalSteps); err != nil {
		return nil, err
	}

	var scheduler LRScheduler
	switch kind {
	case "", ScheduleLinear:
		scheduler = &LinearWarmupScheduler{WarmupSteps: warmupSteps, TotalSteps: totalSteps}
	case ScheduleCosine:
		scheduler = &CosineWarmupScheduler{WarmupSteps: warmupSteps, TotalSteps: totalSteps}
	case ScheduleConstant:
		scheduler = &ConstantWarmupScheduler{WarmupSteps: warmupSteps}
	default:
		return nil, fmt.Errorf("%w: unknown schedule %q", ErrConfig, kind)
	}

	s := &Schedule{optimizer: opt, scheduler: scheduler, baseLR: opt.GetLR()}
	s.apply()
	return s, nil
}

func checkBudget(warmupSteps, totalSteps int) error {
	if warmupSteps < 0 || totalSteps < 0 {
		return fmt.Errorf("%w: negative step budget (warmup %d, total %d)", ErrConfig, warmupSteps, totalSteps)
	}
	if warmupSteps > totalSteps {
		return fmt.Errorf("%w: warmup steps %d exceed total steps %d", ErrConfig, warmupSteps, totalSteps)
	}
	return nil
}

// Step advances the schedule by one optimizer update.
func (s *Schedule) Step() {
	s.step++
	s.apply()
}

func (s *Schedule) apply() {
	s.optimizer.SetLR(s.scheduler.GetLR(s.step, s.baseLR))
}

func (s *Schedule) LR() float64            { return s.optimizer.GetLR() }
func (s *Schedule) BaseLR() float64        { return s.baseLR }
func (s *Schedule) StepCount() int         { return s.step }
func (s *Schedule) Name() string           { return s.scheduler.GetName() }
func (s *Schedule) Scheduler() LRScheduler { return s.scheduler }
