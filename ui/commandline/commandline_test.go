// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"testing"
	"time"

	"github.com/gomlx/hknet/dataset"
	"github.com/gomlx/hknet/layout"
	"github.com/gomlx/hknet/pipeline"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345678*time.Nanosecond))
	assert.Equal(t, "0s", FormatDuration(0))
}

func TestSprintEvaluation(t *testing.T) {
	regime := must.M1(dataset.NewRegime([]float64{0, 0, 1, 0.1}))
	report := &pipeline.Report{
		Regimes: []pipeline.RegimeResult{{
			Regime:        regime,
			Stats:         pipeline.NewStats([]float64{0.1, 0.3}),
			InferenceTime: 20 * time.Millisecond,
		}},
		Overall:              pipeline.NewStats([]float64{0.1, 0.3}),
		AverageInferenceTime: 20 * time.Millisecond,
	}
	out := SprintEvaluation(report)
	assert.Contains(t, out, "r2=1.0_q2=0.1")
	assert.Contains(t, out, "-6.990 dB")
	assert.Contains(t, out, "20.00ms")
}

func TestSprintTables(t *testing.T) {
	out := SprintParameterCounts(map[string]any{"estimator_weights": 24717, "hypernet_params": 12})
	assert.Contains(t, out, "24,717")
	assert.Contains(t, out, "hypernet_params")

	l := layout.MustNew(layout.Dims{StateDim: 3, ObsDim: 3, InMult: 40, OutMult: 5})
	out = SprintLayout(l)
	assert.Contains(t, out, "lstm_sigma_w_ih")
	assert.Contains(t, out, "24,717")
}

func TestMedianDuration(t *testing.T) {
	assert.Equal(t, time.Duration(0), medianDuration(nil))
	assert.Equal(t, 2*time.Second, medianDuration([]time.Duration{3 * time.Second, time.Second, 2 * time.Second}))
}

func TestProgressBarLifecycle(t *testing.T) {
	history := pipeline.NewHistory()
	history.Record(-1, -2)

	// Nothing runs until training starts, and ending without a start is a no-op.
	pBar := newProgressBar(2)
	assert.Nil(t, pBar.updates)
	pBar.onEpoch(0, history)
	pBar.onEnd(history)
	assert.Nil(t, pBar.updates)

	pBar.onStart()
	assert.NotNil(t, pBar.updates)
	pBar.onEpoch(0, history)
	pBar.onEnd(history) // Waits for the drawing goroutine to finish.
	assert.Nil(t, pBar.updates)
	assert.Len(t, pBar.epochDurations, 1)
	pBar.onEnd(history)
}
