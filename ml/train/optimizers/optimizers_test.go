package optimizers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParam(name string, data ...float64) *Parameter {
	return &Parameter{
		Name:      name,
		Data:      data,
		Grad:      make([]float64, len(data)),
		Trainable: true,
	}
}

func TestSGDStep(t *testing.T) {
	p := newParam("w", 1.0, 2.0)
	opt := SGD().LearningRate(0.1).Done([]*Parameter{p})

	copy(p.Grad, []float64{1.0, -2.0})
	require.NoError(t, opt.Step())
	assert.InDelta(t, 0.9, p.Data[0], 1e-12)
	assert.InDelta(t, 2.2, p.Data[1], 1e-12)
}

func TestSGDMomentum(t *testing.T) {
	p := newParam("w", 0.0)
	opt := SGD().LearningRate(0.1).Momentum(0.9).Done([]*Parameter{p})

	// First step: velocity = grad.
	p.Grad[0] = 1.0
	require.NoError(t, opt.Step())
	assert.InDelta(t, -0.1, p.Data[0], 1e-12)

	// Second step: velocity = 0.9*1 + 1 = 1.9.
	opt.ZeroGrad()
	p.Grad[0] = 1.0
	require.NoError(t, opt.Step())
	assert.InDelta(t, -0.1-0.19, p.Data[0], 1e-12)
}

func TestSGDWeightDecay(t *testing.T) {
	p := newParam("w", 2.0)
	opt := SGD().LearningRate(0.1).WeightDecay(0.5).Done([]*Parameter{p})

	// grad = 0 + 0.5*2 = 1, so w -= 0.1.
	require.NoError(t, opt.Step())
	assert.InDelta(t, 1.9, p.Data[0], 1e-12)
}

func TestSGDSkipsNonTrainable(t *testing.T) {
	frozen := &Parameter{Name: "frozen", Data: []float64{1}, Grad: []float64{1}}
	p := newParam("w", 1.0)
	opt := SGD().LearningRate(0.1).Done([]*Parameter{frozen, p})

	p.Grad[0] = 1.0
	require.NoError(t, opt.Step())
	assert.Equal(t, 1.0, frozen.Data[0])
	assert.InDelta(t, 0.9, p.Data[0], 1e-12)
}

func TestZeroGrad(t *testing.T) {
	p := newParam("w", 1.0)
	frozen := &Parameter{Name: "frozen", Data: []float64{1}, Grad: []float64{3}}
	opt := SGD().Done([]*Parameter{p, frozen})

	p.Grad[0] = 7.0
	opt.ZeroGrad()
	assert.Equal(t, 0.0, p.Grad[0])
	// Non-trainable gradients are cleared too.
	assert.Equal(t, 0.0, frozen.Grad[0])
}

func TestGradLengthMismatchPanics(t *testing.T) {
	bad := &Parameter{Name: "bad", Data: []float64{1, 2}, Grad: []float64{1}, Trainable: true}
	require.Panics(t, func() { SGD().Done([]*Parameter{bad}) })
}

// minimizeQuadratic runs steps of gradient descent on f(w) = (w-target)^2 and
// returns the final w.
func minimizeQuadratic(t *testing.T, opt Interface, p *Parameter, target float64, steps int) float64 {
	for i := 0; i < steps; i++ {
		opt.ZeroGrad()
		p.Grad[0] = 2 * (p.Data[0] - target)
		require.NoError(t, opt.Step())
	}
	return p.Data[0]
}

func TestAdamConvergence(t *testing.T) {
	p := newParam("w", 0.0)
	opt := Adam().LearningRate(0.1).Done([]*Parameter{p})
	final := minimizeQuadratic(t, opt, p, 3.0, 300)
	assert.InDelta(t, 3.0, final, 0.05)
}

func TestAdamaxConvergence(t *testing.T) {
	p := newParam("w", 0.0)
	opt := Adam().Adamax().LearningRate(0.1).Done([]*Parameter{p})
	final := minimizeQuadratic(t, opt, p, -2.0, 300)
	assert.InDelta(t, -2.0, final, 0.05)
}

func TestAdamFirstStepMagnitude(t *testing.T) {
	// With debiasing, the very first Adam update has magnitude ~lr.
	p := newParam("w", 0.0)
	opt := Adam().LearningRate(0.1).Done([]*Parameter{p})
	p.Grad[0] = 5.0
	require.NoError(t, opt.Step())
	assert.InDelta(t, -0.1, p.Data[0], 1e-3)
}

func TestGradNorm(t *testing.T) {
	p1 := newParam("a", 0, 0)
	p2 := newParam("b", 0)
	copy(p1.Grad, []float64{3, 0})
	p2.Grad[0] = 4
	assert.InDelta(t, 5.0, GradNorm([]*Parameter{p1, p2}), 1e-12)
}

func TestClipGradNorm(t *testing.T) {
	p := newParam("w", 0, 0)
	copy(p.Grad, []float64{3, 4})

	norm := ClipGradNorm([]*Parameter{p}, 1.0)
	assert.InDelta(t, 5.0, norm, 1e-12)
	clipped := math.Sqrt(p.Grad[0]*p.Grad[0] + p.Grad[1]*p.Grad[1])
	assert.InDelta(t, 1.0, clipped, 1e-5)

	// Already inside the budget: untouched.
	copy(p.Grad, []float64{0.1, 0.1})
	ClipGradNorm([]*Parameter{p}, 1.0)
	assert.Equal(t, 0.1, p.Grad[0])
}

func TestFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	params := []*Parameter{newParam("w", 1.0)}

	for _, name := range []string{"sgd", "adam", "adamax"} {
		cfg.Optimizer = name
		opt, err := FromConfig(&cfg, params)
		require.NoError(t, err, "optimizer %q", name)
		assert.Equal(t, cfg.LR, opt.LearningRate())
	}

	cfg.Optimizer = "adagrad"
	_, err := FromConfig(&cfg, params)
	require.ErrorIs(t, err, ErrUnrecognizedOptimizer)
	assert.Contains(t, err.Error(), "adagrad")
}

func TestSetLearningRate(t *testing.T) {
	p := newParam("w", 1.0)
	for _, opt := range []Interface{
		SGD().LearningRate(0.1).Done([]*Parameter{p}),
		Adam().LearningRate(0.1).Done([]*Parameter{p}),
	} {
		assert.Equal(t, 0.1, opt.LearningRate())
		opt.SetLearningRate(0.05)
		assert.Equal(t, 0.05, opt.LearningRate())
	}
}
