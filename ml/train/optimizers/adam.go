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

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// AdamDefaultLearningRate is used by Adam if no learning rate is set.
const AdamDefaultLearningRate = 0.001

// Adam optimization is a stochastic gradient descent method based on adaptive
// estimation of first-order and second-order moments, as described in
// [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// It returns a configuration object that can be used to set its parameters.
// Once configured, call Done, and it will return an optimizers.Interface.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// AdamConfig holds the configuration for an Adam optimizer. Create it with
// Adam(), and once configured call Done.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
	adamax       bool
}

// LearningRate sets the base learning rate. Default is AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(lr float64) *AdamConfig {
	c.learningRate = lr
	return c
}

// Betas sets the two moving-average constants (exponential decays).
// They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used in the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay sets the L2 penalty coefficient added to the gradients before
// the moment updates, matching the torch-style coupled weight decay the
// original trainer used.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Adamax configures Adam to use the L-infinity norm (== max, which gives the
// name) for the second moment instead of L2, as described in the Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// Done builds the optimizer over the given parameters.
func (c *AdamConfig) Done(params []*Parameter) Interface {
	return &adam{
		config:    c,
		all:       params,
		trainable: trainableOnly(params),
		lr:        c.learningRate,
	}
}

// adam implements Interface for both Adam and Adamax.
type adam struct {
	config    *AdamConfig
	all       []*Parameter
	trainable []*Parameter
	lr        float64

	step   int
	m1, m2 [][]float64 // 1st and 2nd moment buffers, one per trainable parameter.
}

func (o *adam) Step() error {
	if o.m1 == nil {
		o.m1 = make([][]float64, len(o.trainable))
		o.m2 = make([][]float64, len(o.trainable))
		for i, p := range o.trainable {
			o.m1[i] = make([]float64, len(p.Data))
			o.m2[i] = make([]float64, len(p.Data))
		}
	}
	o.step++
	c := o.config
	debias1 := 1.0 - math.Pow(c.beta1, float64(o.step))
	debias2 := 1.0 - math.Pow(c.beta2, float64(o.step))
	for i, p := range o.trainable {
		if c.weightDecay != 0 {
			floats.AddScaled(p.Grad, c.weightDecay, p.Data)
		}
		m1, m2 := o.m1[i], o.m2[i]
		for j, g := range p.Grad {
			m1[j] = c.beta1*m1[j] + (1.0-c.beta1)*g
			var denominator float64
			if c.adamax {
				// L-infinity norm of the gradient history, no debiasing.
				m2[j] = math.Max(c.beta2*m2[j], math.Abs(g))
				denominator = m2[j] + c.epsilon
			} else {
				m2[j] = c.beta2*m2[j] + (1.0-c.beta2)*g*g
				denominator = math.Sqrt(m2[j]/debias2) + c.epsilon
			}
			p.Data[j] -= o.lr * (m1[j] / debias1) / denominator
		}
	}
	return nil
}

func (o *adam) ZeroGrad() { zeroGrads(o.all) }

func (o *adam) LearningRate() float64 { return o.lr }

func (o *adam) SetLearningRate(lr float64) { o.lr = lr }
