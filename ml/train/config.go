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

package train

import (
	"maps"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/anaymalpani/snorkel/ml/train/checkpoints"
	"github.com/anaymalpani/snorkel/ml/train/logmanager"
	"github.com/anaymalpani/snorkel/ml/train/logwriter"
	"github.com/anaymalpani/snorkel/ml/train/optimizers"
)

// Config is the fully resolved trainer configuration: user options merged over
// DefaultConfig. Each component owns its own section's type.
type Config struct {
	// Seed, when non-zero, seeds the randomized batch scheduler so epochs are
	// reproducible.
	Seed int64 `yaml:"seed"`

	// ProgressBar enables the per-epoch progress display.
	ProgressBar bool `yaml:"progress_bar"`

	// NEpochs is the number of passes over the training data.
	NEpochs int `yaml:"n_epochs"`

	// Split labels used to classify loaders.
	TrainSplit string `yaml:"train_split"`
	ValidSplit string `yaml:"valid_split"`
	TestSplit  string `yaml:"test_split"`

	// Logging enables the metric log writer.
	Logging   bool             `yaml:"logging"`
	LogWriter logwriter.Config `yaml:"log_writer_config"`

	// Checkpointing enables periodic model checkpoints.
	Checkpointing bool               `yaml:"checkpointing"`
	Checkpointer  checkpoints.Config `yaml:"checkpointer_config"`

	LogManager  logmanager.Config         `yaml:"log_manager_config"`
	Optimizer   optimizers.Config         `yaml:"optimizer_config"`
	LRScheduler optimizers.ScheduleConfig `yaml:"lr_scheduler_config"`

	// BatchScheduler names the strategy interleaving batches across training
	// loaders.
	BatchScheduler string `yaml:"batch_scheduler"`

	// options is the merged raw option tree, including caller keys this core
	// does not recognize -- they propagate through to Options().
	options map[string]any
}

// DefaultConfig returns the documented defaults for every option.
func DefaultConfig() *Config {
	return &Config{
		ProgressBar:    true,
		NEpochs:        1,
		TrainSplit:     "train",
		ValidSplit:     "valid",
		TestSplit:      "test",
		LogWriter:      logwriter.DefaultConfig(),
		Checkpointer:   checkpoints.DefaultConfig(),
		LogManager:     logmanager.DefaultConfig(),
		Optimizer:      optimizers.DefaultConfig(),
		LRScheduler:    optimizers.DefaultScheduleConfig(),
		BatchScheduler: "shuffled",
	}
}

// Options returns the merged raw option tree, including unrecognized caller
// keys. It is what gets dumped next to the run's metrics.
func (c *Config) Options() map[string]any { return c.options }

// ResolveOptions merges the caller-supplied partial options over the default
// configuration tree and decodes the result into a typed Config. For keys
// present in both, the caller value wins; keys missing from the caller options
// are inserted from the defaults; caller keys unknown to this core are kept.
// It returns ErrConfiguration when the nested structure types conflict.
func ResolveOptions(options map[string]any) (*Config, error) {
	defaults, err := toOptionsMap(DefaultConfig())
	if err != nil {
		return nil, err
	}
	merged, err := mergeOptions(defaults, options)
	if err != nil {
		return nil, err
	}
	encoded, err := yaml.Marshal(merged)
	if err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "failed to encode merged options: %v", err)
	}
	cfg := &Config{}
	if err = yaml.Unmarshal(encoded, cfg); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "failed to decode options: %v", err)
	}
	cfg.options = merged
	return cfg, nil
}

// LoadConfig reads a YAML option file and resolves it over the defaults.
func LoadConfig(path string) (*Config, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", path)
	}
	var options map[string]any
	if err = yaml.Unmarshal(encoded, &options); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "failed to parse config file %q: %v", path, err)
	}
	return ResolveOptions(options)
}

// toOptionsMap converts the typed defaults into a generic option tree via a
// YAML round-trip, so user options can be merged key by key.
func toOptionsMap(cfg *Config) (map[string]any, error) {
	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "failed to encode default config: %v", err)
	}
	var tree map[string]any
	if err = yaml.Unmarshal(encoded, &tree); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "failed to decode default config: %v", err)
	}
	return tree, nil
}

// mergeOptions recursively merges overrides over defaults. Sub-mappings merge
// key by key; anything else is replaced wholesale. A scalar on one side and a
// mapping on the other is a structure conflict.
func mergeOptions(defaults, overrides map[string]any) (map[string]any, error) {
	merged := maps.Clone(defaults)
	for key, value := range overrides {
		existing, present := merged[key]
		if !present {
			merged[key] = value
			continue
		}
		existingMap, existingIsMap := existing.(map[string]any)
		valueMap, valueIsMap := value.(map[string]any)
		switch {
		case existingIsMap && valueIsMap:
			sub, err := mergeOptions(existingMap, valueMap)
			if err != nil {
				return nil, errors.WithMessagef(err, "in option %q", key)
			}
			merged[key] = sub
		case existingIsMap != valueIsMap:
			return nil, errors.Wrapf(ErrConfiguration,
				"option %q: cannot merge %T over %T", key, value, existing)
		default:
			merged[key] = value
		}
	}
	return merged, nil
}
