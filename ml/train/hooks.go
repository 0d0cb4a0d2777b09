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
	"sort"

	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values run first. Defaults to 0, negative
// values are ok.
type Priority int

// OnBatchFn is the type of batch-end hooks. step is the monotonically
// increasing total batch number; metrics is the trainer's latest metric
// snapshot (read-only).
type OnBatchFn func(trainer *Trainer, step int, metrics map[string]float64) error

// OnBatchEnd registers a hook, with the given priority and a name for error
// reporting, to run after every trained batch. Display and monitoring tools
// attach through this.
func (t *Trainer) OnBatchEnd(name string, priority Priority, fn OnBatchFn) {
	t.onBatchEnd.add(priority, hookWithName{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName struct {
	name string
	fn   OnBatchFn
}

// priorityHooks organizes hooks per priority.
type priorityHooks struct {
	hooks map[Priority][]hookWithName
}

func newPriorityHooks() *priorityHooks {
	return &priorityHooks{hooks: make(map[Priority][]hookWithName)}
}

func (h *priorityHooks) add(priority Priority, hook hookWithName) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// enumerate calls all registered hooks in priority order, stopping at the
// first error.
func (h *priorityHooks) enumerate(trainer *Trainer, step int, metrics map[string]float64) error {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			if err := hook.fn(trainer, step, metrics); err != nil {
				return errors.WithMessagef(err, "OnBatchEnd(hook %q)", hook.name)
			}
		}
	}
	return nil
}
