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

// Package train implements the multi-task training orchestrator: it drives
// the epoch/batch loop over a model and a set of dataloaders, coordinating
// the optimizer, the two-stage learning-rate schedule, batch interleaving
// across tasks, loss accumulation, and the logging/evaluation/checkpoint
// cadence under a single step clock.
package train

import (
	"fmt"
	"maps"
	"math"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/anaymalpani/snorkel/ml/data"
	"github.com/anaymalpani/snorkel/ml/train/checkpoints"
	"github.com/anaymalpani/snorkel/ml/train/logmanager"
	"github.com/anaymalpani/snorkel/ml/train/logwriter"
	"github.com/anaymalpani/snorkel/ml/train/optimizers"
	"github.com/anaymalpani/snorkel/ml/train/schedulers"
)

// lossKey attributes an accumulated loss to a (task, dataset, split) triple.
type lossKey struct {
	Task, Dataset, Split string
}

// identifier is the metric name for this key.
func (k lossKey) identifier() string {
	return k.Task + "/" + k.Dataset + "/" + k.Split + "/loss"
}

// lossAccumulator carries the count-weighted loss sum and the example count
// for one key within the current accumulation window. Losses stay weighted
// sums until aggregation divides them, so averages are exact regardless of
// uneven batch sizes.
type lossAccumulator struct {
	weightedSum float64
	count       int
}

// Trainer runs multi-task training over a Model and a set of loaders,
// according to its Config. Create it with NewTrainer (raw options) or
// NewTrainerWithConfig, then call TrainModel.
//
// A Trainer exclusively owns its optimizer, schedule and accumulator state
// for the duration of a TrainModel call; it is not safe for concurrent use.
type Trainer struct {
	config *Config

	nBatchesPerEpoch int
	logWriter        logwriter.Writer
	checkpointer     *checkpoints.Checkpointer
	logManager       *logmanager.LogManager
	optimizer        optimizers.Interface
	batchScheduler   schedulers.Scheduler

	warmupSchedule optimizers.Schedule
	warmupSteps    int
	decaySchedule  optimizers.Schedule

	running map[lossKey]*lossAccumulator
	metrics map[string]float64

	onBatchEnd *priorityHooks
}

// NewTrainer resolves the given raw options over the defaults and returns a
// Trainer. It returns ErrConfiguration if the option tree is malformed.
func NewTrainer(options map[string]any) (*Trainer, error) {
	cfg, err := ResolveOptions(options)
	if err != nil {
		return nil, err
	}
	return NewTrainerWithConfig(cfg), nil
}

// NewTrainerWithConfig returns a Trainer over an already resolved Config.
func NewTrainerWithConfig(cfg *Config) *Trainer {
	return &Trainer{
		config:     cfg,
		onBatchEnd: newPriorityHooks(),
	}
}

// Config returns the trainer's resolved configuration.
func (t *Trainer) Config() *Config { return t.config }

// Optimizer returns the live optimizer. Only valid during and after a
// TrainModel call.
func (t *Trainer) Optimizer() optimizers.Interface { return t.optimizer }

// LogManager returns the cadence manager. Only valid during and after a
// TrainModel call.
func (t *Trainer) LogManager() *logmanager.LogManager { return t.logManager }

// NumBatchesPerEpoch returns the total batches per epoch, summed over
// training loaders only. Only valid during and after a TrainModel call.
func (t *Trainer) NumBatchesPerEpoch() int { return t.nBatchesPerEpoch }

// Metrics returns the latest metric snapshot, updated after every batch.
func (t *Trainer) Metrics() map[string]float64 { return t.metrics }

// TrainModel runs the full training procedure: it validates the loaders,
// builds the training state from the configuration, iterates NEpochs over the
// interleaved training batches, and finalizes logging and checkpointing. It
// returns the trained model with the best checkpointed parameters restored,
// when checkpointing is enabled.
//
// Configuration and validation errors abort before any training state is
// created or any file is written. Mid-training errors (NaN loss, checkpoint
// I/O failures, model errors) abort the run and propagate; no retry is
// attempted.
func (t *Trainer) TrainModel(model Model, loaders []data.Loader) (Model, error) {
	if err := t.checkLoaders(loaders); err != nil {
		return nil, err
	}
	trainLoaders := data.BySplit(loaders, t.config.TrainSplit)
	t.nBatchesPerEpoch = 0
	for _, loader := range trainLoaders {
		t.nBatchesPerEpoch += loader.NumBatches()
	}
	if err := t.configure(model); err != nil {
		return nil, err
	}

	model.Train()
	klog.Infof("Start training: %d epochs, %d batches per epoch", t.config.NEpochs, t.nBatchesPerEpoch)

	t.metrics = make(map[string]float64)
	t.resetLosses()

	for epochNum := 0; epochNum < t.config.NEpochs; epochNum++ {
		scheduled := t.batchScheduler.GetBatches(trainLoaders)
		bar := t.newProgressBar(epochNum, len(scheduled))
		for batchNum, sb := range scheduled {
			totalBatchNum := epochNum*t.nBatchesPerEpoch + batchNum
			batchSize := sb.Batch.Size()

			t.advanceLRSchedule(totalBatchNum)
			t.optimizer.ZeroGrad()

			lossDict, countDict, err := model.CalculateLoss(sb.Batch.X, sb.Batch.Y)
			if err != nil {
				return nil, errors.WithMessagef(err, "CalculateLoss failed (epoch=%d, batch=%d)", epochNum, batchNum)
			}
			t.accumulate(sb.Loader.Dataset(), lossDict, countDict)

			// A batch where no task had applicable labels skips the update
			// entirely, but the cadence step below still runs.
			if len(lossDict) > 0 {
				if err = t.updateModel(model, lossDict, epochNum, batchNum); err != nil {
					return nil, err
				}
			}

			stepMetrics, err := t.logging(model, loaders, batchSize)
			if err != nil {
				return nil, err
			}
			maps.Copy(t.metrics, stepMetrics)

			if err = t.onBatchEnd.enumerate(t, totalBatchNum, t.metrics); err != nil {
				return nil, err
			}
			if bar != nil {
				_ = bar.Add(1)
			}
		}
		if bar != nil {
			_ = bar.Finish()
		}
	}

	if _, err := t.logManager.Close(model); err != nil {
		return nil, errors.WithMessagef(err, "failed to finalize training")
	}
	return model, nil
}

// checkLoaders validates the loader set against the configured split labels.
func (t *Trainer) checkLoaders(loaders []data.Loader) error {
	allSplits := []string{t.config.TrainSplit, t.config.ValidSplit, t.config.TestSplit}
	hasTrain := false
	for _, loader := range loaders {
		ds := loader.Dataset()
		known := false
		for _, split := range allSplits {
			if ds.Split == split {
				known = true
				break
			}
		}
		if !known {
			return errors.Wrapf(ErrInvalidSplit, "dataset %q has split %q, must be one of %v",
				ds.Name, ds.Split, allSplits)
		}
		if ds.Split == t.config.TrainSplit {
			hasTrain = true
		}
	}
	if !hasTrain {
		return errors.Wrapf(ErrNoTrainingData, "train split is %q", t.config.TrainSplit)
	}
	return nil
}

// configure builds the training state in dependency order. Everything that
// can fail on configuration alone is checked before the first component with
// side effects (the log writer's run directory) is created.
func (t *Trainer) configure(model Model) error {
	cfg := t.config
	if t.nBatchesPerEpoch == 0 {
		return errors.Wrapf(ErrNoTrainingData, "training loaders yield no batches")
	}

	warmupSteps, err := optimizers.ComputeWarmupSteps(&cfg.LRScheduler, t.nBatchesPerEpoch, cfg.NEpochs)
	if err != nil {
		return err
	}
	optimizer, err := optimizers.FromConfig(&cfg.Optimizer, model.Parameters())
	if err != nil {
		return err
	}
	totalSteps := cfg.NEpochs * t.nBatchesPerEpoch
	decaySchedule, err := optimizers.FromScheduleConfig(&cfg.LRScheduler, cfg.Optimizer.LR, totalSteps, warmupSteps)
	if err != nil {
		return err
	}
	batchScheduler, err := schedulers.ByName(cfg.BatchScheduler, cfg.Seed)
	if err != nil {
		return err
	}
	if err = logmanager.ValidateUnit(cfg.LogManager.CounterUnit); err != nil {
		return err
	}
	if cfg.Logging {
		if err = logwriter.ValidateName(cfg.LogWriter.Writer); err != nil {
			return err
		}
	}
	if cfg.Checkpointing {
		if err = checkpoints.ValidateConfig(&cfg.Checkpointer); err != nil {
			return err
		}
	}

	// Validation passed: construct, in dependency order.
	if cfg.Logging {
		if t.logWriter, err = logwriter.FromConfig(&cfg.LogWriter); err != nil {
			return err
		}
		if err = t.logWriter.WriteConfig(cfg.Options()); err != nil {
			return err
		}
	}
	if cfg.Checkpointing {
		checkpointerConfig := cfg.Checkpointer
		if checkpointerConfig.CheckpointDir == "" && t.logWriter != nil {
			checkpointerConfig.CheckpointDir = t.logWriter.Dir()
		}
		if t.checkpointer, err = checkpoints.New(&checkpointerConfig); err != nil {
			return err
		}
	}
	if t.logManager, err = logmanager.New(t.nBatchesPerEpoch, &cfg.LogManager, t.logWriter, t.checkpointer); err != nil {
		return err
	}

	t.optimizer = optimizer
	t.warmupSteps = warmupSteps
	t.warmupSchedule = nil
	if warmupSteps > 0 {
		t.warmupSchedule = optimizers.NewWarmup(cfg.Optimizer.LR, warmupSteps)
		klog.V(1).Infof("Warmup for %d batches", warmupSteps)
	}
	t.decaySchedule = decaySchedule
	t.batchScheduler = batchScheduler
	klog.V(1).Infof("Using optimizer %q with base learning rate %g", cfg.Optimizer.Optimizer, cfg.Optimizer.LR)
	return nil
}

// advanceLRSchedule moves the learning rate one step. Warmup and decay are
// mutually exclusive per step: the decay schedule only starts advancing once
// warmup is exhausted, and only decay is subject to the min_lr floor.
func (t *Trainer) advanceLRSchedule(step int) {
	if t.warmupSchedule != nil && step < t.warmupSteps {
		t.optimizer.SetLearningRate(t.warmupSchedule.Advance())
		return
	}
	if t.decaySchedule != nil {
		lr := t.decaySchedule.Advance()
		if minLR := t.config.LRScheduler.MinLR; minLR > 0 && lr < minLR {
			lr = minLR
		}
		t.optimizer.SetLearningRate(lr)
	}
}

// accumulate folds one batch's per-task losses into the running accumulators.
// Losses are accumulated as loss x count, never as plain averages.
func (t *Trainer) accumulate(dataset data.Dataset, lossDict map[string]float64, countDict map[string]int) {
	for task, loss := range lossDict {
		key := lossKey{Task: task, Dataset: dataset.Name, Split: dataset.Split}
		acc := t.running[key]
		if acc == nil {
			acc = &lossAccumulator{}
			t.running[key] = acc
		}
		count := countDict[task]
		acc.weightedSum += loss * float64(count)
		acc.count += count
	}
}

// updateModel performs the backward pass and one optimizer step. The per-task
// losses are combined as their unweighted sum: each task's loss is already an
// average over its own examples.
func (t *Trainer) updateModel(model Model, lossDict map[string]float64, epochNum, batchNum int) error {
	var batchLoss float64
	for _, loss := range lossDict {
		batchLoss += loss
	}
	if math.IsNaN(batchLoss) {
		return errors.Errorf("batch loss is NaN (epoch=%d, batch=%d), training interrupted", epochNum, batchNum)
	}
	if math.IsInf(batchLoss, 0) {
		return errors.Errorf("batch loss is infinity (%f) (epoch=%d, batch=%d), training interrupted",
			batchLoss, epochNum, batchNum)
	}
	if err := model.Backward(); err != nil {
		return errors.WithMessagef(err, "Backward failed (epoch=%d, batch=%d)", epochNum, batchNum)
	}
	if clip := t.config.Optimizer.GradClip; clip > 0 {
		optimizers.ClipGradNorm(model.Parameters(), clip)
	}
	if err := t.optimizer.Step(); err != nil {
		return errors.WithMessagef(err, "optimizer step failed (epoch=%d, batch=%d)", epochNum, batchNum)
	}
	return nil
}

// logging runs the per-batch cadence step: advance the cadence clock,
// aggregate the running losses, and fire evaluation and/or checkpointing when
// due. Both may fire on the same step; each resets the accumulation window.
// The model is switched back to training mode before returning, regardless of
// whether evaluation fired.
func (t *Trainer) logging(model Model, loaders []data.Loader, batchSize int) (map[string]float64, error) {
	model.Eval()
	defer model.Train()

	t.logManager.Update(batchSize)
	metricDict := t.aggregateLosses()

	if t.logManager.TriggerEvaluation() {
		evalMetrics, err := t.evaluate(model, loaders, t.config.ValidSplit)
		if err != nil {
			return nil, err
		}
		maps.Copy(metricDict, evalMetrics)
		if err = t.logMetrics(metricDict); err != nil {
			return nil, err
		}
		t.resetLosses()
	}

	if t.logManager.TriggerCheckpointing() {
		if err := t.checkpointModel(model, metricDict); err != nil {
			return nil, err
		}
		t.resetLosses()
	}

	return metricDict, nil
}

// evaluate invokes the model's scoring contract over the loaders of the given
// split.
func (t *Trainer) evaluate(model Model, loaders []data.Loader, split string) (map[string]float64, error) {
	evalLoaders := data.BySplit(loaders, split)
	metrics, err := model.Score(evalLoaders)
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluation failed on split %q", split)
	}
	return metrics, nil
}

// logMetrics writes every metric in the snapshot to the log writer, stepped
// by the total number of points seen.
func (t *Trainer) logMetrics(metricDict map[string]float64) error {
	if t.logWriter == nil {
		return nil
	}
	step := t.logManager.PointTotal()
	for name, value := range metricDict {
		if err := t.logWriter.AddScalar(name, value, step); err != nil {
			return err
		}
	}
	return nil
}

// checkpointModel persists the model and the current metric snapshot. A
// checkpoint failure aborts the run: silently losing checkpoints would
// undermine recoverability.
func (t *Trainer) checkpointModel(model Model, metricDict map[string]float64) error {
	if t.checkpointer == nil {
		return nil
	}
	return t.checkpointer.Checkpoint(t.logManager.UnitTotal(), model, metricDict)
}

// aggregateLosses turns the running accumulators into metrics: per-identifier
// averages, the overall micro average, and the current learning rate.
func (t *Trainer) aggregateLosses() map[string]float64 {
	metricDict := make(map[string]float64, len(t.running)+2)
	var totalLoss float64
	var totalCount int
	for key, acc := range t.running {
		if acc.count > 0 {
			metricDict[key.identifier()] = acc.weightedSum / float64(acc.count)
		}
		totalLoss += acc.weightedSum
		totalCount += acc.count
	}
	if totalCount > 0 {
		metricDict["model/all/train/loss"] = totalLoss / float64(totalCount)
	}
	metricDict["model/all/train/lr"] = t.optimizer.LearningRate()
	return metricDict
}

// resetLosses starts a fresh accumulation window.
func (t *Trainer) resetLosses() {
	t.running = make(map[lossKey]*lossAccumulator)
}

// newProgressBar returns the epoch progress bar, or nil when disabled.
func (t *Trainer) newProgressBar(epochNum, numBatches int) *progressbar.ProgressBar {
	if !t.config.ProgressBar {
		return nil
	}
	return progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d: ", epochNum)),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
}
