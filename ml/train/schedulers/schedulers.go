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

// Package schedulers implements the strategies that interleave batches from
// multiple training loaders within one epoch. Strategies are looked up by
// name, so the trainer consumes them purely through configuration.
package schedulers

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/anaymalpani/snorkel/ml/data"
)

// ErrUnrecognized is returned when the configured batch scheduler name is not
// one of KnownSchedulers.
var ErrUnrecognized = errors.New("unrecognized batch scheduler option")

// ScheduledBatch pairs a batch with the loader it was drawn from, so the
// trainer can attribute losses to the right dataset and split.
type ScheduledBatch struct {
	Batch  *data.Batch
	Loader data.Loader
}

// Scheduler yields one epoch's worth of batches, interleaved across loaders.
// Every batch of every loader appears exactly once, so the returned sequence
// always has length equal to the sum of the loader lengths.
type Scheduler interface {
	GetBatches(loaders []data.Loader) []ScheduledBatch
}

// KnownSchedulers maps scheduler names to their constructors. The seed is only
// consulted by randomized strategies; a zero seed means time-seeded.
var KnownSchedulers = map[string]func(seed int64) Scheduler{
	"sequential": func(_ int64) Scheduler { return &sequential{} },
	"shuffled":   func(seed int64) Scheduler { return newShuffled(seed) },
}

// ByName returns the named scheduler, or ErrUnrecognized.
func ByName(name string, seed int64) (Scheduler, error) {
	builder, found := KnownSchedulers[name]
	if !found {
		return nil, errors.Wrapf(ErrUnrecognized, "%q, valid values are %v",
			name, maps.Keys(KnownSchedulers))
	}
	return builder(seed), nil
}

// sequential exhausts each loader in turn, in the order given.
type sequential struct{}

func (s *sequential) GetBatches(loaders []data.Loader) []ScheduledBatch {
	var scheduled []ScheduledBatch
	for _, loader := range loaders {
		for i := 0; i < loader.NumBatches(); i++ {
			scheduled = append(scheduled, ScheduledBatch{Batch: loader.Batch(i), Loader: loader})
		}
	}
	return scheduled
}

// shuffled draws loaders in a random order, proportionally to their lengths,
// while keeping each loader's own batches in sequence.
type shuffled struct {
	rng *rand.Rand
}

func newShuffled(seed int64) *shuffled {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &shuffled{rng: rand.New(rand.NewSource(seed))}
}

func (s *shuffled) GetBatches(loaders []data.Loader) []ScheduledBatch {
	var draws []int // one entry per batch, naming the loader to draw from
	for idx, loader := range loaders {
		for i := 0; i < loader.NumBatches(); i++ {
			draws = append(draws, idx)
		}
	}
	s.rng.Shuffle(len(draws), func(i, j int) {
		draws[i], draws[j] = draws[j], draws[i]
	})

	positions := make([]int, len(loaders))
	scheduled := make([]ScheduledBatch, 0, len(draws))
	for _, idx := range draws {
		loader := loaders[idx]
		scheduled = append(scheduled, ScheduledBatch{Batch: loader.Batch(positions[idx]), Loader: loader})
		positions[idx]++
	}
	return scheduled
}
