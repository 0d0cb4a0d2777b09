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

// Package data defines the dataset, batch and loader contracts consumed by the
// multi-task training loop.
//
// Loaders are provided by the caller and treated as read-only: the trainer only
// asks for their split, their length and their batches. The actual feature
// encoding inside a Batch is opaque to this package -- it is interpreted by the
// model's loss and scoring contracts.
package data

// Dataset identifies a source of examples: a name plus the split it belongs to.
// The split controls the dataset's role in the training loop (training,
// periodic evaluation or held-out testing), classified against the trainer's
// configured split labels.
type Dataset struct {
	Name  string
	Split string
}

// Batch is one unit of work for the trainer: a feature dict X and a label dict
// Y mapping task name to the gold labels for that task.
//
// Tasks without applicable labels in a batch are simply absent from Y. All
// tasks present in a batch share the same number of examples.
type Batch struct {
	X map[string]any
	Y map[string][]int
}

// Size returns the number of examples in the batch, taken from any one task's
// label count. It returns 0 for a batch with no labeled task.
func (b *Batch) Size() int {
	for _, labels := range b.Y {
		return len(labels)
	}
	return 0
}

// Loader yields the batches of one dataset. Implementations must be
// deterministic under repeated access: Batch(i) always returns the same batch,
// so an epoch can be replayed exactly.
type Loader interface {
	// Dataset returns the name/split metadata of the underlying dataset.
	Dataset() Dataset

	// NumBatches returns how many batches one pass over the loader yields.
	NumBatches() int

	// Batch returns the i-th batch, 0 <= i < NumBatches().
	Batch(i int) *Batch
}

// BySplit filters loaders down to those whose dataset belongs to the given
// split. The relative order of loaders is preserved.
func BySplit(loaders []Loader, split string) []Loader {
	var filtered []Loader
	for _, loader := range loaders {
		if loader.Dataset().Split == split {
			filtered = append(filtered, loader)
		}
	}
	return filtered
}

// sliceLoader is a Loader over a fixed in-memory slice of batches.
type sliceLoader struct {
	dataset Dataset
	batches []*Batch
}

// NewSliceLoader returns a Loader serving the given pre-built batches for a
// dataset with the given name and split. This is the loader used in tests and
// by callers whose data already fits in memory; streaming sources only need to
// implement the Loader interface.
func NewSliceLoader(name, split string, batches []*Batch) Loader {
	return &sliceLoader{
		dataset: Dataset{Name: name, Split: split},
		batches: batches,
	}
}

func (l *sliceLoader) Dataset() Dataset { return l.dataset }

func (l *sliceLoader) NumBatches() int { return len(l.batches) }

func (l *sliceLoader) Batch(i int) *Batch { return l.batches[i] }
