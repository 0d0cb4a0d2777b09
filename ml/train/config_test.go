package train

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOptionsDefaults(t *testing.T) {
	cfg, err := ResolveOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.NEpochs)
	assert.True(t, cfg.ProgressBar)
	assert.Equal(t, "train", cfg.TrainSplit)
	assert.Equal(t, "adam", cfg.Optimizer.Optimizer)
	assert.Equal(t, 0.001, cfg.Optimizer.LR)
	assert.Equal(t, "constant", cfg.LRScheduler.Scheduler)
	assert.Equal(t, "shuffled", cfg.BatchScheduler)
	assert.Equal(t, "epochs", cfg.LogManager.CounterUnit)
}

func TestResolveOptionsOverride(t *testing.T) {
	cfg, err := ResolveOptions(map[string]any{
		"n_epochs": 5,
		"optimizer_config": map[string]any{
			"optimizer": "sgd",
			"lr":        0.01,
		},
		"lr_scheduler_config": map[string]any{
			"warmup_steps": 10,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.NEpochs)
	assert.Equal(t, "sgd", cfg.Optimizer.Optimizer)
	assert.Equal(t, 0.01, cfg.Optimizer.LR)
	// Untouched siblings keep their defaults.
	assert.Equal(t, 1.0, cfg.Optimizer.GradClip)
	assert.Equal(t, 10.0, cfg.LRScheduler.WarmupSteps)
	assert.Equal(t, "batches", cfg.LRScheduler.WarmupUnit)
}

func TestResolveOptionsKeepsUnknownKeys(t *testing.T) {
	cfg, err := ResolveOptions(map[string]any{
		"experiment_tag": "ablation-3",
		"optimizer_config": map[string]any{
			"custom_field": true,
		},
	})
	require.NoError(t, err)
	options := cfg.Options()
	assert.Equal(t, "ablation-3", options["experiment_tag"])
	optimizerOptions, ok := options["optimizer_config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, optimizerOptions["custom_field"])
	// Defaults are present in the merged tree too.
	assert.Equal(t, "adam", optimizerOptions["optimizer"])
}

func TestResolveOptionsStructureConflict(t *testing.T) {
	_, err := ResolveOptions(map[string]any{
		"optimizer_config": 5,
	})
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "optimizer_config")

	_, err = ResolveOptions(map[string]any{
		"n_epochs": map[string]any{"value": 3},
	})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestResolveOptionsUndecodableValue(t *testing.T) {
	_, err := ResolveOptions(map[string]any{
		"n_epochs": "three",
	})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trainer.yaml")
	content := []byte("n_epochs: 3\noptimizer_config:\n  lr: 0.005\n")
	require.NoError(t, os.WriteFile(path, content, 0660))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.NEpochs)
	assert.Equal(t, 0.005, cfg.Optimizer.LR)
	assert.Equal(t, "adam", cfg.Optimizer.Optimizer)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trainer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n  - ["), 0660))
	_, err := LoadConfig(path)
	require.Error(t, err)
}
