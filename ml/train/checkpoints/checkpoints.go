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

// Package checkpoints implements checkpoint management: saving model
// parameters together with the metric snapshot that produced them, tracking
// the best checkpoint seen so far, and restoring it at the end of training.
//
// Each checkpoint is a pair of files: a JSON metadata file (iteration, metric
// snapshot and the index of the serialized parameters) and a binary blob with
// the raw parameter values, little-endian float64.
package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/anaymalpani/snorkel/ml/train/optimizers"
)

// DirPermMode is the directory creation permission (before umask) used for
// checkpoint directories.
var DirPermMode = os.FileMode(0770)

const (
	baseNamePrefix = "checkpoint_"
	jsonNameSuffix = ".json"
	binNameSuffix  = ".bin"
)

// Metric comparison modes accepted in Config.CheckpointMetric.
const (
	ModeMin = "min"
	ModeMax = "max"
)

// Config mirrors the `checkpointer_config` section of the trainer
// configuration.
type Config struct {
	// CheckpointDir is where checkpoint files are written. When unset, the
	// trainer fills it in from the log writer's run directory.
	CheckpointDir string `yaml:"checkpoint_dir"`

	// CheckpointFactor multiplies the evaluation cadence: a checkpoint is
	// taken every CheckpointFactor evaluations.
	CheckpointFactor int `yaml:"checkpoint_factor"`

	// CheckpointMetric selects the metric that defines the best model, in the
	// form "metric_name:mode" with mode "min" or "max".
	CheckpointMetric string `yaml:"checkpoint_metric"`

	// CheckpointRunway suppresses checkpoints before this many cadence units
	// have elapsed.
	CheckpointRunway float64 `yaml:"checkpoint_runway"`

	// CheckpointClear removes all but the best checkpoint when training ends.
	CheckpointClear bool `yaml:"checkpoint_clear"`
}

// DefaultConfig returns the documented checkpointer defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointFactor: 1,
		CheckpointMetric: "model/all/train/loss:min",
		CheckpointClear:  true,
	}
}

// Model is the slice of the model contract the checkpointer needs: access to
// the parameters to serialize and restore.
type Model interface {
	Parameters() []*optimizers.Parameter
}

// Checkpointer persists model snapshots and tracks the best one according to
// the configured metric.
type Checkpointer struct {
	config     Config
	metricName string
	mode       string

	hasBest      bool
	bestValue    float64
	bestBaseName string
}

// ValidateConfig checks the parts of cfg that do not depend on the checkpoint
// directory: the checkpoint metric must name a mode, "min" or "max", and the
// factor must be at least 1. It has no side effects, so the trainer can run it
// before any run files are created.
func ValidateConfig(cfg *Config) error {
	name, mode, found := strings.Cut(cfg.CheckpointMetric, ":")
	if !found || name == "" {
		return errors.Errorf("checkpoint_metric must have the form \"metric_name:mode\", got %q",
			cfg.CheckpointMetric)
	}
	if mode != ModeMin && mode != ModeMax {
		return errors.Errorf("checkpoint_metric mode must be %q or %q, got %q", ModeMin, ModeMax, mode)
	}
	if cfg.CheckpointFactor < 1 {
		return errors.Errorf("checkpoint_factor must be >= 1, got %d", cfg.CheckpointFactor)
	}
	return nil
}

// New validates cfg and creates the checkpoint directory.
func New(cfg *Config) (*Checkpointer, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.CheckpointDir == "" {
		return nil, errors.Errorf("checkpoint_dir is not set and no log writer directory to inherit from")
	}
	if err := os.MkdirAll(cfg.CheckpointDir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %q", cfg.CheckpointDir)
	}
	name, mode, _ := strings.Cut(cfg.CheckpointMetric, ":")
	return &Checkpointer{
		config:     *cfg,
		metricName: name,
		mode:       mode,
	}, nil
}

// Factor returns the configured checkpoint factor.
func (c *Checkpointer) Factor() int { return c.config.CheckpointFactor }

// Runway returns the configured checkpoint runway, in cadence units.
func (c *Checkpointer) Runway() float64 { return c.config.CheckpointRunway }

// metadata is how a checkpoint is described in its JSON file.
type metadata struct {
	Iteration float64
	Metrics   map[string]float64
	Params    []paramIndex
}

// paramIndex locates one parameter inside the binary blob.
type paramIndex struct {
	Name        string
	Pos, Length int
}

// Checkpoint persists the model parameters and the given metric snapshot for
// the given iteration (measured in cadence units, so it may be fractional).
// Any I/O failure is returned immediately: a silently lost checkpoint would
// undermine recoverability.
func (c *Checkpointer) Checkpoint(iteration float64, model Model, metrics map[string]float64) error {
	if iteration < c.config.CheckpointRunway {
		klog.V(1).Infof("Checkpointing skipped at iteration %v: inside runway of %v units",
			iteration, c.config.CheckpointRunway)
		return nil
	}
	baseName := baseNamePrefix + strconv.FormatFloat(iteration, 'f', -1, 64)

	binPath := filepath.Join(c.config.CheckpointDir, baseName+binNameSuffix)
	binFile, err := os.Create(binPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint data file %q", binPath)
	}
	meta := metadata{
		Iteration: iteration,
		Metrics:   metrics,
		Params:    make([]paramIndex, 0, len(model.Parameters())),
	}
	pos := 0
	for _, p := range model.Parameters() {
		if err = binary.Write(binFile, binary.LittleEndian, p.Data); err != nil {
			_ = binFile.Close()
			return errors.Wrapf(err, "failed to write parameter %q to %q", p.Name, binPath)
		}
		meta.Params = append(meta.Params, paramIndex{Name: p.Name, Pos: pos, Length: len(p.Data)})
		pos += 8 * len(p.Data)
	}
	if err = binFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close checkpoint data file %q", binPath)
	}

	encoded, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode checkpoint metadata")
	}
	jsonPath := filepath.Join(c.config.CheckpointDir, baseName+jsonNameSuffix)
	if err = os.WriteFile(jsonPath, encoded, 0660); err != nil {
		return errors.Wrapf(err, "failed to write checkpoint metadata to %q", jsonPath)
	}
	klog.V(1).Infof("Saved checkpoint at iteration %v to %s", iteration, jsonPath)

	if value, ok := metrics[c.metricName]; ok && c.isBest(value) {
		c.hasBest = true
		c.bestValue = value
		c.bestBaseName = baseName
		klog.Infof("Best model saved at iteration %v with %s=%v", iteration, c.metricName, value)
	}
	return nil
}

func (c *Checkpointer) isBest(value float64) bool {
	if !c.hasBest {
		return true
	}
	if c.mode == ModeMin {
		return value < c.bestValue
	}
	return value > c.bestValue
}

// LoadBest restores the parameters of the best checkpoint seen so far into
// the model, matching parameters by name. It reports whether a best
// checkpoint existed.
func (c *Checkpointer) LoadBest(model Model) (bool, error) {
	if !c.hasBest {
		klog.Infof("No best model found, keeping final model state")
		return false, nil
	}
	jsonPath := filepath.Join(c.config.CheckpointDir, c.bestBaseName+jsonNameSuffix)
	encoded, err := os.ReadFile(jsonPath)
	if err != nil {
		return false, errors.Wrapf(err, "failed to read checkpoint metadata %q", jsonPath)
	}
	var meta metadata
	if err = json.Unmarshal(encoded, &meta); err != nil {
		return false, errors.Wrapf(err, "failed to decode checkpoint metadata %q", jsonPath)
	}
	index := make(map[string]paramIndex, len(meta.Params))
	for _, entry := range meta.Params {
		index[entry.Name] = entry
	}

	binPath := filepath.Join(c.config.CheckpointDir, c.bestBaseName+binNameSuffix)
	binFile, err := os.Open(binPath)
	if err != nil {
		return false, errors.Wrapf(err, "failed to open checkpoint data file %q", binPath)
	}
	defer func() { _ = binFile.Close() }()
	for _, p := range model.Parameters() {
		entry, ok := index[p.Name]
		if !ok {
			return false, errors.Errorf("checkpoint %q has no parameter %q", c.bestBaseName, p.Name)
		}
		if entry.Length != len(p.Data) {
			return false, errors.Errorf("checkpoint parameter %q has %d values, model expects %d",
				p.Name, entry.Length, len(p.Data))
		}
		section := make([]float64, entry.Length)
		if _, err = binFile.Seek(int64(entry.Pos), 0); err != nil {
			return false, errors.Wrapf(err, "failed to seek in checkpoint data file %q", binPath)
		}
		if err = binary.Read(binFile, binary.LittleEndian, section); err != nil {
			return false, errors.Wrapf(err, "failed to read parameter %q from %q", p.Name, binPath)
		}
		copy(p.Data, section)
	}
	klog.Infof("Restored best model (%s=%v) from %s", c.metricName, c.bestValue, c.bestBaseName)
	return true, nil
}

// Clear removes all checkpoint files except the best one, when
// checkpoint_clear is set.
func (c *Checkpointer) Clear() error {
	if !c.config.CheckpointClear {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(c.config.CheckpointDir, baseNamePrefix+"*"))
	if err != nil {
		return errors.Wrapf(err, "failed to list checkpoints in %q", c.config.CheckpointDir)
	}
	for _, path := range matches {
		base := filepath.Base(path)
		if c.hasBest && (base == c.bestBaseName+jsonNameSuffix || base == c.bestBaseName+binNameSuffix) {
			continue
		}
		if err = os.Remove(path); err != nil {
			return errors.Wrapf(err, "failed to remove checkpoint file %q", path)
		}
	}
	return nil
}
