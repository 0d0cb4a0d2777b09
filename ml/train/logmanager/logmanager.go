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

// Package logmanager implements the training cadence manager: it tracks
// elapsed points (examples), batches and epochs under a single clock and
// decides when evaluation and checkpointing should fire.
package logmanager

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/anaymalpani/snorkel/ml/train/checkpoints"
	"github.com/anaymalpani/snorkel/ml/train/logwriter"
)

// Counter units accepted by Config.CounterUnit.
const (
	UnitPoints  = "points"
	UnitBatches = "batches"
	UnitEpochs  = "epochs"
)

// ErrUnrecognizedUnit is returned for a counter_unit outside
// {points, batches, epochs}.
var ErrUnrecognizedUnit = errors.New("unrecognized counter_unit option")

// Config mirrors the `log_manager_config` section of the trainer
// configuration.
type Config struct {
	// CounterUnit is the unit the cadence thresholds are measured in:
	// "points", "batches" or "epochs".
	CounterUnit string `yaml:"counter_unit"`

	// EvaluationFreq fires an evaluation every EvaluationFreq counter units.
	EvaluationFreq float64 `yaml:"evaluation_freq"`
}

// DefaultConfig returns the documented cadence defaults.
func DefaultConfig() Config {
	return Config{
		CounterUnit:    UnitEpochs,
		EvaluationFreq: 1.0,
	}
}

// ValidateUnit checks that unit is a known counter unit.
func ValidateUnit(unit string) error {
	switch unit {
	case UnitPoints, UnitBatches, UnitEpochs:
		return nil
	}
	return errors.Wrapf(ErrUnrecognizedUnit, "%q, valid values are [%s %s %s]",
		unit, UnitPoints, UnitBatches, UnitEpochs)
}

// LogManager tracks training progress and decides when evaluation and
// checkpointing fire. It owns the log writer and checkpointer lifecycles:
// Close flushes the writer and restores the best checkpointed model.
type LogManager struct {
	nBatchesPerEpoch int
	unit             string
	evaluationFreq   float64
	checkpointFreq   float64 // evaluationFreq x checkpoint factor; 0 when checkpointing is off.

	writer       logwriter.Writer
	checkpointer *checkpoints.Checkpointer

	pointCount, pointTotal int
	batchCount, batchTotal int

	// Separate since-last-checkpoint counters, so evaluation triggers do not
	// disturb the checkpoint cadence.
	checkpointPointCount, checkpointBatchCount int
}

// New builds a LogManager over an optional writer and checkpointer (either
// may be nil when logging/checkpointing is disabled).
func New(nBatchesPerEpoch int, cfg *Config, writer logwriter.Writer, checkpointer *checkpoints.Checkpointer) (*LogManager, error) {
	if err := ValidateUnit(cfg.CounterUnit); err != nil {
		return nil, err
	}
	if nBatchesPerEpoch <= 0 {
		return nil, errors.Errorf("n_batches_per_epoch must be > 0, got %d", nBatchesPerEpoch)
	}
	m := &LogManager{
		nBatchesPerEpoch: nBatchesPerEpoch,
		unit:             cfg.CounterUnit,
		evaluationFreq:   cfg.EvaluationFreq,
		writer:           writer,
		checkpointer:     checkpointer,
	}
	if checkpointer != nil {
		m.checkpointFreq = cfg.EvaluationFreq * float64(checkpointer.Factor())
	}
	return m, nil
}

// Update advances the clock by one batch of the given size.
func (m *LogManager) Update(batchSize int) {
	m.pointCount += batchSize
	m.pointTotal += batchSize
	m.batchCount++
	m.batchTotal++
	m.checkpointPointCount += batchSize
	m.checkpointBatchCount++
}

// units converts integer point/batch counters into the configured counter
// unit. Derived from integers on every call, so a whole epoch of fractional
// increments still compares exactly against the threshold.
func (m *LogManager) units(pointCount, batchCount int) float64 {
	switch m.unit {
	case UnitPoints:
		return float64(pointCount)
	case UnitBatches:
		return float64(batchCount)
	default:
		return float64(batchCount) / float64(m.nBatchesPerEpoch)
	}
}

// TriggerEvaluation reports whether enough counter units have elapsed since
// the last evaluation; if so, the evaluation counters reset.
func (m *LogManager) TriggerEvaluation() bool {
	if m.units(m.pointCount, m.batchCount) < m.evaluationFreq {
		return false
	}
	m.pointCount = 0
	m.batchCount = 0
	return true
}

// TriggerCheckpointing reports whether enough counter units have elapsed
// since the last checkpoint; if so, the checkpoint counters reset. Always
// false when checkpointing is disabled.
func (m *LogManager) TriggerCheckpointing() bool {
	if m.checkpointer == nil {
		return false
	}
	if m.units(m.checkpointPointCount, m.checkpointBatchCount) < m.checkpointFreq {
		return false
	}
	m.checkpointPointCount = 0
	m.checkpointBatchCount = 0
	return true
}

// PointTotal returns the total number of examples seen, used as the scalar
// logging step.
func (m *LogManager) PointTotal() int { return m.pointTotal }

// BatchTotal returns the total number of batches seen.
func (m *LogManager) BatchTotal() int { return m.batchTotal }

// EpochTotal returns the (fractional) number of epochs seen.
func (m *LogManager) EpochTotal() float64 {
	return float64(m.batchTotal) / float64(m.nBatchesPerEpoch)
}

// UnitTotal returns total progress in the configured counter unit; it is the
// iteration handed to the checkpointer.
func (m *LogManager) UnitTotal() float64 {
	switch m.unit {
	case UnitPoints:
		return float64(m.pointTotal)
	case UnitBatches:
		return float64(m.batchTotal)
	default:
		return m.EpochTotal()
	}
}

// Close flushes and closes the log writer, restores the best checkpointed
// model (in place) and clears stale checkpoints. The returned model is the
// one the trainer hands back to the caller.
func (m *LogManager) Close(model checkpoints.Model) (checkpoints.Model, error) {
	if m.writer != nil {
		if err := m.writer.Close(); err != nil {
			return model, err
		}
	}
	if m.checkpointer != nil {
		restored, err := m.checkpointer.LoadBest(model)
		if err != nil {
			return model, err
		}
		if !restored {
			klog.V(1).Infof("Training finished without a best checkpoint to restore")
		}
		if err = m.checkpointer.Clear(); err != nil {
			return model, err
		}
	}
	return model, nil
}
