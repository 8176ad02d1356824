// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/hknet/pipeline"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar displays the epochs of a pipeline.Trainer, with a table of the latest losses.
type progressBar struct {
	numEpochs int
	bar       *progressbar.ProgressBar

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	lastEpochEnd   time.Time
	epochDurations []time.Duration

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount  int
	metrics [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// AttachProgressBar creates a commandline progress bar and attaches it to the trainer: every epoch
// advances the bar and updates a table with the training and validation losses.
//
// The display starts when Trainer.Train is called and finishes when it returns.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(trainer *pipeline.Trainer, extraMetrics ...ExtraMetricFn) {
	pBar := newProgressBar(trainer.NumEpochs(), extraMetrics...)
	trainer.OnStart(pBar.onStart)
	trainer.OnEpoch(pBar.onEpoch)
	trainer.OnEnd(pBar.onEnd)
}

func newProgressBar(numEpochs int, extraMetrics ...ExtraMetricFn) *progressBar {
	return &progressBar{
		numEpochs:      numEpochs,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		extraMetricFns: extraMetrics,
	}
}

// onStart creates the bar and starts the goroutine drawing the updates.
func (pBar *progressBar) onStart() {
	pBar.isFirstOutput = true
	pBar.lastEpochEnd = time.Now()
	pBar.epochDurations = nil
	pBar.bar = progressbar.NewOptions(pBar.numEpochs,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("epochs"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
}

func (pBar *progressBar) onEpoch(epoch int, history *pipeline.History) {
	now := time.Now()
	pBar.epochDurations = append(pBar.epochDurations, now.Sub(pBar.lastEpochEnd))
	pBar.lastEpochEnd = now

	trainDiff, validationDiff := history.Diffs(epoch)
	update := progressBarUpdate{
		amount: 1,
		metrics: [][2]string{
			{"Epoch", fmt.Sprintf("%s of %s", humanize.Comma(int64(epoch+1)), humanize.Comma(int64(pBar.numEpochs)))},
			{"Median epoch duration", FormatDuration(medianDuration(pBar.epochDurations))},
			{"Train loss", fmt.Sprintf("%.3f dB (%+.3f)", history.TrainDB[epoch], trainDiff)},
			{"Validation loss", fmt.Sprintf("%.3f dB (%+.3f)", history.ValidationDB[epoch], validationDiff)},
			{"Best validation loss", fmt.Sprintf("%.3f dB @ epoch %d", history.BestDB, history.BestEpoch)},
		},
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.metrics = append(update.metrics, [2]string{name, value})
	}
	if pBar.updates != nil {
		pBar.updates <- update
	}
}

// drawUpdates asynchronously draws the updates, so a slow terminal doesn't slow down training.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.metrics {
			pBar.statsTable.Row(row[0], row[1])
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			numLinesToBackup := len(update.metrics) + 2 + 2
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false

		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar) onEnd(_ *pipeline.History) {
	if pBar.updates == nil {
		return
	}
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.updates = nil
	pBar.termenv.ShowCursor()
	fmt.Println()
}

func medianDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Sorted(slices.Values(durations))
	return sorted[len(sorted)/2]
}
