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

import "github.com/pkg/errors"

// Errors raised before any training state is created. All of them abort
// TrainModel with no side effects: no files written, no optimizer steps taken.
var (
	// ErrConfiguration indicates a malformed option tree: a scalar supplied
	// where a sub-mapping is expected, or values the typed configuration
	// cannot decode.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidSplit indicates a loader whose split is none of the configured
	// train/valid/test split labels.
	ErrInvalidSplit = errors.New("invalid dataloader split")

	// ErrNoTrainingData indicates that no loader matches the configured train
	// split.
	ErrNoTrainingData = errors.New("no dataloaders with split matching train split")
)
