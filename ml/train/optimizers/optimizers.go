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

// Package optimizers implements the parameter-update rules used by
// train.Trainer, along with the learning-rate schedules that drive them.
// They all implement optimizers.Interface and can also be used by themselves.
package optimizers

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/gonum/floats"
)

// Parameter is one flat slice of model weights with its gradient. The model
// owns the memory; optimizers update Data in place from Grad. Parameters not
// marked Trainable are ignored by every update rule.
type Parameter struct {
	Name      string
	Data      []float64
	Grad      []float64
	Trainable bool
}

// Interface implemented by all optimizers. An optimizer owns the live learning
// rate for the duration of training: schedules adjust it via SetLearningRate
// between steps.
type Interface interface {
	// Step applies one parameter update from the currently accumulated
	// gradients.
	Step() error

	// ZeroGrad clears the gradients of all parameters, trainable or not.
	ZeroGrad()

	// LearningRate returns the current (live) learning rate.
	LearningRate() float64

	// SetLearningRate overrides the current learning rate.
	SetLearningRate(lr float64)
}

// ErrUnrecognizedOptimizer is returned when the configured optimizer name is
// not one of KnownOptimizers.
var ErrUnrecognizedOptimizer = errors.New("unrecognized optimizer option")

// Config mirrors the `optimizer_config` section of the trainer configuration.
type Config struct {
	// Optimizer selects the update rule, one of KnownOptimizers.
	Optimizer string `yaml:"optimizer"`

	// LR is the base learning rate.
	LR float64 `yaml:"lr"`

	// L2 is the weight-decay coefficient applied by every rule.
	L2 float64 `yaml:"l2"`

	// GradClip caps the global L2 norm of the gradients before each step.
	// Zero disables clipping.
	GradClip float64 `yaml:"grad_clip"`

	SGD    SGDOptions  `yaml:"sgd_config"`
	Adam   AdamOptions `yaml:"adam_config"`
	Adamax AdamOptions `yaml:"adamax_config"`
}

// SGDOptions are the SGD-specific tuning parameters.
type SGDOptions struct {
	Momentum float64 `yaml:"momentum"`
}

// AdamOptions are the Adam/Adamax-specific tuning parameters.
type AdamOptions struct {
	Beta1   float64 `yaml:"beta1"`
	Beta2   float64 `yaml:"beta2"`
	Epsilon float64 `yaml:"eps"`
}

// DefaultConfig returns the documented optimizer defaults.
func DefaultConfig() Config {
	return Config{
		Optimizer: "adam",
		LR:        0.001,
		L2:        0.0,
		GradClip:  1.0,
		SGD:       SGDOptions{Momentum: 0.9},
		Adam:      AdamOptions{Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8},
		Adamax:    AdamOptions{Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8},
	}
}

// KnownOptimizers maps optimizer names to their constructors. The set is
// closed: name validation happens once, at configuration time.
var KnownOptimizers = map[string]func(cfg *Config, params []*Parameter) Interface{
	"sgd": func(cfg *Config, params []*Parameter) Interface {
		return SGD().
			LearningRate(cfg.LR).
			Momentum(cfg.SGD.Momentum).
			WeightDecay(cfg.L2).
			Done(params)
	},
	"adam": func(cfg *Config, params []*Parameter) Interface {
		return Adam().
			LearningRate(cfg.LR).
			Betas(cfg.Adam.Beta1, cfg.Adam.Beta2).
			Epsilon(cfg.Adam.Epsilon).
			WeightDecay(cfg.L2).
			Done(params)
	},
	"adamax": func(cfg *Config, params []*Parameter) Interface {
		return Adam().
			Adamax().
			LearningRate(cfg.LR).
			Betas(cfg.Adamax.Beta1, cfg.Adamax.Beta2).
			Epsilon(cfg.Adamax.Epsilon).
			WeightDecay(cfg.L2).
			Done(params)
	},
}

// FromConfig builds the optimizer selected by cfg.Optimizer over the given
// parameters. It returns ErrUnrecognizedOptimizer for names outside
// KnownOptimizers.
func FromConfig(cfg *Config, params []*Parameter) (Interface, error) {
	builder, found := KnownOptimizers[cfg.Optimizer]
	if !found {
		return nil, errors.Wrapf(ErrUnrecognizedOptimizer, "%q, valid values are %v",
			cfg.Optimizer, maps.Keys(KnownOptimizers))
	}
	return builder(cfg, params), nil
}

// trainableOnly filters params down to those flagged trainable, checking that
// each has a gradient slice matching its data.
func trainableOnly(params []*Parameter) []*Parameter {
	var trainable []*Parameter
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		if len(p.Grad) != len(p.Data) {
			exceptions.Panicf("parameter %q has %d weights but %d gradient entries",
				p.Name, len(p.Data), len(p.Grad))
		}
		trainable = append(trainable, p)
	}
	return trainable
}

// zeroGrads clears the gradients of all given parameters.
func zeroGrads(params []*Parameter) {
	for _, p := range params {
		clear(p.Grad)
	}
}

// GradNorm returns the global L2 norm of the gradients of all trainable
// parameters.
func GradNorm(params []*Parameter) float64 {
	var sumSquares float64
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		sumSquares += floats.Dot(p.Grad, p.Grad)
	}
	return math.Sqrt(sumSquares)
}

// ClipGradNorm rescales the gradients of all trainable parameters so their
// global L2 norm does not exceed maxNorm. It returns the norm measured before
// clipping.
func ClipGradNorm(params []*Parameter, maxNorm float64) float64 {
	norm := GradNorm(params)
	if norm <= maxNorm || norm == 0 {
		return norm
	}
	scale := maxNorm / (norm + 1e-6)
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		floats.Scale(scale, p.Grad)
	}
	return norm
}

// SGDDefaultLearningRate is used by SGD when no learning rate is configured.
const SGDDefaultLearningRate = 0.001

// SGD returns a configuration for a stochastic gradient descent optimizer,
// optionally with momentum and weight decay. Call Done to build it.
func SGD() *SGDConfig {
	return &SGDConfig{
		learningRate: SGDDefaultLearningRate,
	}
}

// SGDConfig holds the configuration of an SGD optimizer under construction.
// Created with SGD(), finalized with Done.
type SGDConfig struct {
	learningRate float64
	momentum     float64
	weightDecay  float64
}

// LearningRate sets the base learning rate.
func (c *SGDConfig) LearningRate(lr float64) *SGDConfig {
	c.learningRate = lr
	return c
}

// Momentum sets the momentum coefficient. Zero disables the velocity buffers.
func (c *SGDConfig) Momentum(momentum float64) *SGDConfig {
	c.momentum = momentum
	return c
}

// WeightDecay sets the L2 penalty coefficient added to the gradients.
func (c *SGDConfig) WeightDecay(weightDecay float64) *SGDConfig {
	c.weightDecay = weightDecay
	return c
}

// Done builds the optimizer over the given parameters.
func (c *SGDConfig) Done(params []*Parameter) Interface {
	return &sgd{
		config:    c,
		all:       params,
		trainable: trainableOnly(params),
		lr:        c.learningRate,
	}
}

// sgd implements Interface with classic momentum SGD.
type sgd struct {
	config    *SGDConfig
	all       []*Parameter
	trainable []*Parameter
	lr        float64

	// velocity buffers, one per trainable parameter, allocated on first Step.
	velocity [][]float64
}

func (o *sgd) Step() error {
	if o.config.momentum != 0 && o.velocity == nil {
		o.velocity = make([][]float64, len(o.trainable))
		for i, p := range o.trainable {
			o.velocity[i] = make([]float64, len(p.Data))
		}
	}
	for i, p := range o.trainable {
		if o.config.weightDecay != 0 {
			floats.AddScaled(p.Grad, o.config.weightDecay, p.Data)
		}
		if o.config.momentum != 0 {
			v := o.velocity[i]
			floats.Scale(o.config.momentum, v)
			floats.Add(v, p.Grad)
			floats.AddScaled(p.Data, -o.lr, v)
		} else {
			floats.AddScaled(p.Data, -o.lr, p.Grad)
		}
	}
	return nil
}

func (o *sgd) ZeroGrad() { zeroGrads(o.all) }

func (o *sgd) LearningRate() float64 { return o.lr }

func (o *sgd) SetLearningRate(lr float64) { o.lr = lr }
