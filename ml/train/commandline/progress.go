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

// Package commandline provides a rich terminal display of training progress.
// It attaches to a train.Trainer through its batch-end hook and periodically
// redraws a table with the latest metric snapshot.
package commandline

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"

	"github.com/anaymalpani/snorkel/ml/train"
)

// StatsDisplayName is the hook name used when attaching to the trainer.
const StatsDisplayName = "snorkel.ml.train.commandline.statsDisplay"

// maxUpdateFrequency is the minimum time between redraws of the stats table,
// so a fast training loop does not overwhelm the terminal.
const maxUpdateFrequency = 200 * time.Millisecond

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

// statsDisplay redraws a metrics table in place after trained batches.
type statsDisplay struct {
	termenv    *termenv.Output
	statsStyle lipgloss.Style
	statsTable *lgtable.Table

	lastRender time.Time
	linesDrawn int

	lastStep    int
	lastMetrics map[string]float64
}

// AttachStatsDisplay attaches a periodically redrawn metrics table to the
// trainer and returns a function that draws the final state; call it after
// TrainModel returns. Disable the trainer's own progress bar
// (Config.ProgressBar) when using this display, the two would overwrite each
// other's lines.
func AttachStatsDisplay(trainer *train.Trainer) (done func()) {
	display := &statsDisplay{
		termenv:    termenv.NewOutput(os.Stdout),
		statsStyle: lipgloss.NewStyle().PaddingLeft(4),
		statsTable: lgtable.New().
			Border(lipgloss.RoundedBorder()).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			}),
	}
	trainer.OnBatchEnd(StatsDisplayName, 0, display.onBatchEnd)
	return display.finish
}

func (d *statsDisplay) onBatchEnd(_ *train.Trainer, step int, metrics map[string]float64) error {
	d.lastStep = step
	d.lastMetrics = metrics
	if time.Since(d.lastRender) < maxUpdateFrequency {
		return nil
	}
	d.render()
	return nil
}

// render redraws the table in place, clearing the previous drawing first.
func (d *statsDisplay) render() {
	if d.linesDrawn > 0 {
		d.termenv.ClearLines(d.linesDrawn)
	}

	names := make([]string, 0, len(d.lastMetrics))
	for name := range d.lastMetrics {
		names = append(names, name)
	}
	sort.Strings(names)

	d.statsTable.Data(lgtable.NewStringData())
	d.statsTable.Row("Batch", humanize.Comma(int64(d.lastStep)))
	for _, name := range names {
		d.statsTable.Row(name, fmt.Sprintf("%.5g", d.lastMetrics[name]))
	}

	rendered := d.statsStyle.Render(d.statsTable.String())
	fmt.Println(rendered)
	d.linesDrawn = countLines(rendered) + 1
	d.lastRender = time.Now()
}

// finish draws the final metric snapshot and moves past the table.
func (d *statsDisplay) finish() {
	if d.lastMetrics != nil {
		d.render()
	}
	d.linesDrawn = 0
	fmt.Println()
}

func countLines(s string) int {
	n := 1
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}
