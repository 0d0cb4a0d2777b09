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

// Package logwriter implements the metric logging backends selected by the
// `log_writer_config.writer` option: a buffered JSON writer and a TensorBoard
// events writer. Both write into a per-run directory under the configured log
// directory.
package logwriter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// DirPermMode is the directory creation permission (before umask) used for run
// directories.
var DirPermMode = os.FileMode(0770)

// ErrUnrecognizedWriter is returned when the configured writer is neither
// "json" nor "tensorboard".
var ErrUnrecognizedWriter = errors.New("unrecognized writer option")

// Writer names accepted by Config.Writer.
const (
	WriterJSON        = "json"
	WriterTensorBoard = "tensorboard"
)

// Config mirrors the `log_writer_config` section of the trainer configuration.
type Config struct {
	// LogDir is the base directory; each run writes into its own subdirectory.
	LogDir string `yaml:"log_dir"`

	// RunName names the run subdirectory. Defaults to a timestamp plus a short
	// random suffix, so concurrent runs never collide.
	RunName string `yaml:"run_name"`

	// Writer selects the backend, "json" or "tensorboard".
	Writer string `yaml:"writer"`

	// Verbose enables info logging of where metrics are written.
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns the documented log writer defaults.
func DefaultConfig() Config {
	return Config{
		LogDir:  "logs",
		Writer:  WriterTensorBoard,
		Verbose: true,
	}
}

// Writer is the metric logging contract consumed by the trainer and the
// cadence manager.
type Writer interface {
	// AddScalar records one named scalar at the given step (the trainer uses
	// the total number of points seen as the step).
	AddScalar(name string, value float64, step int) error

	// WriteConfig dumps the resolved run configuration next to the metrics.
	WriteConfig(options map[string]any) error

	// Dir returns the run directory, also used as the default checkpoint
	// directory.
	Dir() string

	// Close flushes any buffered metrics and releases the backing file.
	Close() error
}

// ValidateName checks that name selects a known writer backend.
func ValidateName(name string) error {
	switch name {
	case WriterJSON, WriterTensorBoard:
		return nil
	}
	return errors.Wrapf(ErrUnrecognizedWriter, "%q, valid values are [%s %s]",
		name, WriterJSON, WriterTensorBoard)
}

// FromConfig creates the run directory and the configured Writer backend.
func FromConfig(cfg *Config) (Writer, error) {
	if err := ValidateName(cfg.Writer); err != nil {
		return nil, err
	}
	runName := cfg.RunName
	if runName == "" {
		runName = fmt.Sprintf("%s-%s", time.Now().Format("2006_01_02-15_04_05"), uuid.NewString()[:8])
	}
	runDir := filepath.Join(cfg.LogDir, runName)
	if err := os.MkdirAll(runDir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create log directory %q", runDir)
	}
	if cfg.Verbose {
		klog.Infof("Logging run metrics to %s", runDir)
	}
	switch cfg.Writer {
	case WriterJSON:
		return &jsonWriter{runDir: runDir, verbose: cfg.Verbose, runLog: make(map[string][]scalarPoint)}, nil
	default:
		return newTensorBoardWriter(runDir)
	}
}

// scalarPoint is one logged (step, value) pair.
type scalarPoint struct {
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// jsonWriter buffers scalars in memory and writes everything as one
// `log.json` file at Close.
type jsonWriter struct {
	runDir  string
	verbose bool
	runLog  map[string][]scalarPoint
}

func (w *jsonWriter) AddScalar(name string, value float64, step int) error {
	w.runLog[name] = append(w.runLog[name], scalarPoint{Step: step, Value: value})
	return nil
}

func (w *jsonWriter) WriteConfig(options map[string]any) error {
	return writeConfigFile(w.runDir, options)
}

func (w *jsonWriter) Dir() string { return w.runDir }

func (w *jsonWriter) Close() error {
	logPath := filepath.Join(w.runDir, "log.json")
	encoded, err := json.MarshalIndent(w.runLog, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode run log")
	}
	if err = os.WriteFile(logPath, encoded, 0660); err != nil {
		return errors.Wrapf(err, "failed to write run log to %q", logPath)
	}
	if w.verbose {
		klog.Infof("Wrote run log to %s", logPath)
	}
	return nil
}

// writeConfigFile dumps the resolved options as YAML, next to the metrics.
func writeConfigFile(runDir string, options map[string]any) error {
	encoded, err := yaml.Marshal(options)
	if err != nil {
		return errors.Wrapf(err, "failed to encode run config")
	}
	configPath := filepath.Join(runDir, "config.yaml")
	if err = os.WriteFile(configPath, encoded, 0660); err != nil {
		return errors.Wrapf(err, "failed to write run config to %q", configPath)
	}
	return nil
}
