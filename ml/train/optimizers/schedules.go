/*
 *	Copyright 2024 The Snorkel-Go Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package optimizers

// This file implements learning rate schedules.

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

var (
	// ErrUnrecognizedScheduler is returned when the configured decay policy is
	// not one of KnownSchedulers.
	ErrUnrecognizedScheduler = errors.New("unrecognized lr scheduler option")

	// ErrInvalidWarmup is returned for a negative warmup count or an unknown
	// warmup unit.
	ErrInvalidWarmup = errors.New("invalid warmup")
)

// Warmup units accepted by ScheduleConfig.WarmupUnit.
const (
	WarmupUnitBatches = "batches"
	WarmupUnitEpochs  = "epochs"
)

// ScheduleConfig mirrors the `lr_scheduler_config` section of the trainer
// configuration.
type ScheduleConfig struct {
	// Scheduler selects the decay policy applied after warmup, one of
	// KnownSchedulers.
	Scheduler string `yaml:"lr_scheduler"`

	// WarmupSteps is the length of the linear warmup ramp, measured in
	// WarmupUnit. Zero disables warmup (unless WarmupPercentage is set).
	WarmupSteps float64 `yaml:"warmup_steps"`

	// WarmupUnit is either "batches" or "epochs".
	WarmupUnit string `yaml:"warmup_unit"`

	// WarmupPercentage expresses the warmup length as a fraction of the total
	// training steps. Only consulted when WarmupSteps is zero.
	WarmupPercentage float64 `yaml:"warmup_percentage"`

	// MinLR is a floor for the decayed learning rate. Zero disables the clamp.
	MinLR float64 `yaml:"min_lr"`

	Exponential ExponentialOptions `yaml:"exponential_config"`
	Step        StepOptions        `yaml:"step_config"`
}

// ExponentialOptions tune the "exponential" decay policy.
type ExponentialOptions struct {
	Gamma float64 `yaml:"gamma"`
}

// StepOptions tune the "step" decay policy: the rate is multiplied by Gamma
// every StepSize steps.
type StepOptions struct {
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`
}

// DefaultScheduleConfig returns the documented schedule defaults.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Scheduler:   "constant",
		WarmupUnit:  WarmupUnitBatches,
		Exponential: ExponentialOptions{Gamma: 0.9},
		Step:        StepOptions{StepSize: 5, Gamma: 0.9},
	}
}

// Schedule is a stateful learning-rate policy. Each Advance corresponds to
// exactly one optimizer step and returns the rate to use for that step.
// Schedules carry their own step counter, so they are testable in isolation,
// without an optimizer attached.
type Schedule interface {
	Advance() float64
}

// NewWarmup returns the linear warmup ramp: the k-th Advance (1-based) returns
// base*k/steps, reaching the base rate exactly at the last warmup step.
func NewWarmup(base float64, steps int) Schedule {
	return &warmup{base: base, steps: steps}
}

type warmup struct {
	base  float64
	steps int
	count int
}

func (w *warmup) Advance() float64 {
	if w.count < w.steps {
		w.count++
	}
	return w.base * float64(w.count) / float64(w.steps)
}

// ComputeWarmupSteps resolves the configured warmup length to a number of
// batches. It returns 0 when no warmup is configured, and ErrInvalidWarmup for
// a negative count or an unknown unit.
func ComputeWarmupSteps(cfg *ScheduleConfig, nBatchesPerEpoch, nEpochs int) (int, error) {
	switch {
	case cfg.WarmupSteps < 0:
		return 0, errors.Wrapf(ErrInvalidWarmup, "warmup_steps must be >= 0, got %v", cfg.WarmupSteps)
	case cfg.WarmupSteps > 0:
		switch cfg.WarmupUnit {
		case WarmupUnitBatches:
			return int(cfg.WarmupSteps), nil
		case WarmupUnitEpochs:
			return int(cfg.WarmupSteps * float64(nBatchesPerEpoch)), nil
		default:
			return 0, errors.Wrapf(ErrInvalidWarmup,
				"warmup_unit must be %q or %q, got %q", WarmupUnitBatches, WarmupUnitEpochs, cfg.WarmupUnit)
		}
	case cfg.WarmupPercentage > 0:
		return int(cfg.WarmupPercentage * float64(nEpochs) * float64(nBatchesPerEpoch)), nil
	}
	return 0, nil
}

// KnownSchedulers maps decay policy names to their constructors. A nil
// constructor result means no decay is applied ("constant"). The set is
// closed: name validation happens once, at configuration time.
var KnownSchedulers = map[string]func(cfg *ScheduleConfig, base float64, totalSteps, warmupSteps int) Schedule{
	"constant": func(_ *ScheduleConfig, _ float64, _, _ int) Schedule {
		return nil
	},
	"linear": func(_ *ScheduleConfig, base float64, totalSteps, warmupSteps int) Schedule {
		return &linearDecay{base: base, total: totalSteps - warmupSteps}
	},
	"exponential": func(cfg *ScheduleConfig, base float64, _, _ int) Schedule {
		return &exponentialDecay{base: base, gamma: cfg.Exponential.Gamma}
	},
	"step": func(cfg *ScheduleConfig, base float64, _, _ int) Schedule {
		return &stepDecay{base: base, stepSize: cfg.Step.StepSize, gamma: cfg.Step.Gamma}
	},
}

// FromScheduleConfig builds the decay schedule selected by cfg.Scheduler. A
// nil Schedule (with nil error) means the rate stays constant after warmup.
// It returns ErrUnrecognizedScheduler for names outside KnownSchedulers.
func FromScheduleConfig(cfg *ScheduleConfig, base float64, totalSteps, warmupSteps int) (Schedule, error) {
	builder, found := KnownSchedulers[cfg.Scheduler]
	if !found {
		return nil, errors.Wrapf(ErrUnrecognizedScheduler, "%q, valid values are %v",
			cfg.Scheduler, maps.Keys(KnownSchedulers))
	}
	if cfg.Scheduler == "step" && cfg.Step.StepSize < 1 {
		return nil, errors.Errorf("step_config.step_size must be >= 1, got %d", cfg.Step.StepSize)
	}
	return builder(cfg, base, totalSteps, warmupSteps), nil
}

// linearDecay decays linearly to zero over the steps remaining after warmup.
type linearDecay struct {
	base  float64
	total int
	count int
}

func (s *linearDecay) Advance() float64 {
	if s.count < s.total {
		s.count++
	}
	return s.base * float64(s.total-s.count) / float64(s.total)
}

// exponentialDecay multiplies the rate by gamma at every step.
type exponentialDecay struct {
	base, gamma float64
	count       int
}

func (s *exponentialDecay) Advance() float64 {
	s.count++
	return s.base * math.Pow(s.gamma, float64(s.count))
}

// stepDecay multiplies the rate by gamma once every stepSize steps.
type stepDecay struct {
	base, gamma float64
	stepSize    int
	count       int
}

func (s *stepDecay) Advance() float64 {
	s.count++
	return s.base * math.Pow(s.gamma, float64(s.count/s.stepSize))
}
