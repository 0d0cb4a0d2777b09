package optimizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarmup(t *testing.T) {
	w := NewWarmup(0.1, 5)
	var got []float64
	for i := 0; i < 7; i++ {
		got = append(got, w.Advance())
	}
	want := []float64{0.02, 0.04, 0.06, 0.08, 0.1, 0.1, 0.1}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "advance %d", i)
	}
}

func TestComputeWarmupSteps(t *testing.T) {
	cfg := DefaultScheduleConfig()

	// No warmup configured.
	steps, err := ComputeWarmupSteps(&cfg, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, steps)

	cfg.WarmupSteps = 7
	cfg.WarmupUnit = WarmupUnitBatches
	steps, err = ComputeWarmupSteps(&cfg, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, 7, steps)

	cfg.WarmupSteps = 1.5
	cfg.WarmupUnit = WarmupUnitEpochs
	steps, err = ComputeWarmupSteps(&cfg, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, 15, steps)

	cfg.WarmupSteps = 0
	cfg.WarmupPercentage = 0.25
	steps, err = ComputeWarmupSteps(&cfg, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, 10, steps)

	cfg.WarmupSteps = -1
	_, err = ComputeWarmupSteps(&cfg, 10, 4)
	assert.ErrorIs(t, err, ErrInvalidWarmup)

	cfg.WarmupSteps = 1
	cfg.WarmupUnit = "minutes"
	_, err = ComputeWarmupSteps(&cfg, 10, 4)
	assert.ErrorIs(t, err, ErrInvalidWarmup)
}

func TestConstantSchedule(t *testing.T) {
	cfg := DefaultScheduleConfig()
	schedule, err := FromScheduleConfig(&cfg, 0.1, 100, 0)
	require.NoError(t, err)
	assert.Nil(t, schedule)
}

func TestLinearDecay(t *testing.T) {
	cfg := DefaultScheduleConfig()
	cfg.Scheduler = "linear"
	// 10 total steps, 5 of warmup: decay spans 5 steps.
	schedule, err := FromScheduleConfig(&cfg, 0.1, 10, 5)
	require.NoError(t, err)
	want := []float64{0.08, 0.06, 0.04, 0.02, 0.0, 0.0}
	for i, w := range want {
		assert.InDelta(t, w, schedule.Advance(), 1e-12, "advance %d", i)
	}
}

func TestExponentialDecay(t *testing.T) {
	cfg := DefaultScheduleConfig()
	cfg.Scheduler = "exponential"
	cfg.Exponential.Gamma = 0.5
	schedule, err := FromScheduleConfig(&cfg, 1.0, 100, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, schedule.Advance(), 1e-12)
	assert.InDelta(t, 0.25, schedule.Advance(), 1e-12)
	assert.InDelta(t, 0.125, schedule.Advance(), 1e-12)
}

func TestStepDecay(t *testing.T) {
	cfg := DefaultScheduleConfig()
	cfg.Scheduler = "step"
	cfg.Step.StepSize = 2
	cfg.Step.Gamma = 0.5
	schedule, err := FromScheduleConfig(&cfg, 1.0, 100, 0)
	require.NoError(t, err)
	want := []float64{1.0, 0.5, 0.5, 0.25, 0.25, 0.125}
	for i, w := range want {
		assert.InDelta(t, w, schedule.Advance(), 1e-12, "advance %d", i)
	}
}

func TestStepDecayRejectsZeroStepSize(t *testing.T) {
	cfg := DefaultScheduleConfig()
	cfg.Scheduler = "step"
	cfg.Step.StepSize = 0
	_, err := FromScheduleConfig(&cfg, 0.1, 100, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step_size")

	cfg.Step.StepSize = -2
	_, err = FromScheduleConfig(&cfg, 0.1, 100, 0)
	require.Error(t, err)
}

func TestUnrecognizedScheduler(t *testing.T) {
	cfg := DefaultScheduleConfig()
	cfg.Scheduler = "cosine"
	_, err := FromScheduleConfig(&cfg, 0.1, 100, 0)
	require.ErrorIs(t, err, ErrUnrecognizedScheduler)
	assert.Contains(t, err.Error(), "cosine")
}
