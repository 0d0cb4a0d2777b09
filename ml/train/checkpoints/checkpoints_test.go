package checkpoints

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anaymalpani/snorkel/ml/train/optimizers"
)

// paramModel is a minimal Model: a bag of parameters.
type paramModel struct {
	params []*optimizers.Parameter
}

func (m *paramModel) Parameters() []*optimizers.Parameter { return m.params }

func newParamModel(values ...float64) *paramModel {
	return &paramModel{params: []*optimizers.Parameter{
		{Name: "w", Data: values, Grad: make([]float64, len(values)), Trainable: true},
		{Name: "b", Data: []float64{-1}, Grad: make([]float64, 1), Trainable: true},
	}}
}

func newTestConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.CheckpointDir = t.TempDir()
	return cfg
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, ValidateConfig(&cfg))

	cfg = DefaultConfig()
	cfg.CheckpointMetric = "model/all/train/loss"
	err := ValidateConfig(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metric_name:mode")

	cfg = DefaultConfig()
	cfg.CheckpointMetric = "model/all/train/loss:smallest"
	err = ValidateConfig(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smallest")

	cfg = DefaultConfig()
	cfg.CheckpointFactor = 0
	require.Error(t, ValidateConfig(&cfg))
}

func TestNewValidation(t *testing.T) {
	cfg := DefaultConfig()
	_, err := New(&cfg)
	require.Error(t, err, "missing checkpoint_dir must fail")

	cfg = newTestConfig(t)
	cfg.CheckpointMetric = "model/all/train/loss"
	_, err = New(&cfg)
	require.Error(t, err, "metric without mode must fail")

	cfg = newTestConfig(t)
	cfg.CheckpointMetric = "model/all/train/loss:smallest"
	_, err = New(&cfg)
	require.Error(t, err, "unknown mode must fail")

	cfg = newTestConfig(t)
	cfg.CheckpointFactor = 0
	_, err = New(&cfg)
	require.Error(t, err, "factor below 1 must fail")

	cfg = newTestConfig(t)
	c, err := New(&cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Factor())
	assert.Equal(t, 0.0, c.Runway())
}

func TestCheckpointAndLoadBest(t *testing.T) {
	cfg := newTestConfig(t)
	c, err := New(&cfg)
	require.NoError(t, err)

	model := newParamModel(1.0, 2.0)
	require.NoError(t, c.Checkpoint(1, model, map[string]float64{"model/all/train/loss": 0.5}))

	// A better (lower) loss becomes the new best.
	model.params[0].Data[0] = 10.0
	require.NoError(t, c.Checkpoint(2, model, map[string]float64{"model/all/train/loss": 0.25}))

	// A worse one does not.
	model.params[0].Data[0] = 99.0
	require.NoError(t, c.Checkpoint(3, model, map[string]float64{"model/all/train/loss": 0.75}))

	restored, err := c.LoadBest(model)
	require.NoError(t, err)
	require.True(t, restored)
	assert.Equal(t, 10.0, model.params[0].Data[0])
	assert.Equal(t, 2.0, model.params[0].Data[1])
	assert.Equal(t, -1.0, model.params[1].Data[0])
}

func TestLoadBestWithoutCheckpoints(t *testing.T) {
	cfg := newTestConfig(t)
	c, err := New(&cfg)
	require.NoError(t, err)

	model := newParamModel(1.0)
	restored, err := c.LoadBest(model)
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Equal(t, 1.0, model.params[0].Data[0])
}

func TestCheckpointMaxMode(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.CheckpointMetric = "task0/ds0/valid/accuracy:max"
	c, err := New(&cfg)
	require.NoError(t, err)

	model := newParamModel(1.0)
	require.NoError(t, c.Checkpoint(1, model, map[string]float64{"task0/ds0/valid/accuracy": 0.8}))
	model.params[0].Data[0] = 2.0
	require.NoError(t, c.Checkpoint(2, model, map[string]float64{"task0/ds0/valid/accuracy": 0.9}))
	model.params[0].Data[0] = 3.0
	require.NoError(t, c.Checkpoint(3, model, map[string]float64{"task0/ds0/valid/accuracy": 0.7}))

	restored, err := c.LoadBest(model)
	require.NoError(t, err)
	require.True(t, restored)
	assert.Equal(t, 2.0, model.params[0].Data[0])
}

func TestCheckpointRunway(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.CheckpointRunway = 2.0
	c, err := New(&cfg)
	require.NoError(t, err)

	model := newParamModel(1.0)
	require.NoError(t, c.Checkpoint(1, model, map[string]float64{"model/all/train/loss": 0.1}))
	// Inside the runway nothing is written.
	matches, err := filepath.Glob(filepath.Join(cfg.CheckpointDir, "checkpoint_*"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, c.Checkpoint(2, model, map[string]float64{"model/all/train/loss": 0.1}))
	matches, err = filepath.Glob(filepath.Join(cfg.CheckpointDir, "checkpoint_*"))
	require.NoError(t, err)
	assert.Len(t, matches, 2) // json + bin
}

func TestCheckpointMissingMetric(t *testing.T) {
	cfg := newTestConfig(t)
	c, err := New(&cfg)
	require.NoError(t, err)

	// A snapshot without the tracked metric is saved but never best.
	model := newParamModel(1.0)
	require.NoError(t, c.Checkpoint(1, model, map[string]float64{"other/metric": 0.1}))
	restored, err := c.LoadBest(model)
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestClear(t *testing.T) {
	cfg := newTestConfig(t)
	c, err := New(&cfg)
	require.NoError(t, err)

	model := newParamModel(1.0)
	require.NoError(t, c.Checkpoint(1, model, map[string]float64{"model/all/train/loss": 0.5}))
	require.NoError(t, c.Checkpoint(2, model, map[string]float64{"model/all/train/loss": 0.25}))
	require.NoError(t, c.Checkpoint(3, model, map[string]float64{"model/all/train/loss": 0.75}))

	require.NoError(t, c.Clear())
	matches, err := filepath.Glob(filepath.Join(cfg.CheckpointDir, "checkpoint_*"))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, path := range matches {
		assert.Contains(t, filepath.Base(path), "checkpoint_2")
	}
}

func TestClearDisabled(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.CheckpointClear = false
	c, err := New(&cfg)
	require.NoError(t, err)

	model := newParamModel(1.0)
	require.NoError(t, c.Checkpoint(1, model, map[string]float64{"model/all/train/loss": 0.5}))
	require.NoError(t, c.Checkpoint(2, model, map[string]float64{"model/all/train/loss": 0.25}))

	require.NoError(t, c.Clear())
	matches, err := filepath.Glob(filepath.Join(cfg.CheckpointDir, "checkpoint_*"))
	require.NoError(t, err)
	assert.Len(t, matches, 4)
}

func TestLoadBestParameterMismatch(t *testing.T) {
	cfg := newTestConfig(t)
	c, err := New(&cfg)
	require.NoError(t, err)

	model := newParamModel(1.0)
	require.NoError(t, c.Checkpoint(1, model, map[string]float64{"model/all/train/loss": 0.5}))

	other := &paramModel{params: []*optimizers.Parameter{
		{Name: "missing", Data: []float64{0}},
	}}
	_, err = c.LoadBest(other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}
