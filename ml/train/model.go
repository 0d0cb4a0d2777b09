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
	"github.com/anaymalpani/snorkel/ml/data"
	"github.com/anaymalpani/snorkel/ml/train/optimizers"
)

// Model is the multi-task model contract the trainer drives. The trainer
// never looks inside the forward/backward computation: it only combines the
// per-task losses the model reports and applies optimizer steps over the
// model's parameters.
type Model interface {
	// Train switches the model to training mode (gradient computation on).
	Train()

	// Eval switches the model to evaluation mode.
	Eval()

	// CalculateLoss computes the per-task scalar losses and per-task example
	// counts for one batch. Tasks without applicable labels in the batch are
	// absent from both maps; each task's loss is already an average over its
	// own examples.
	CalculateLoss(x map[string]any, y map[string][]int) (losses map[string]float64, counts map[string]int, err error)

	// Backward computes the gradients of the unweighted sum of the losses
	// reported by the last CalculateLoss call, accumulating them into the
	// parameters' Grad slices.
	Backward() error

	// Score evaluates the model over the given loaders and returns named
	// metrics.
	Score(loaders []data.Loader) (map[string]float64, error)

	// Parameters returns all model parameters; only those flagged Trainable
	// are updated by the optimizer.
	Parameters() []*optimizers.Parameter
}
