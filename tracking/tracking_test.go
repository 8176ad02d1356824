// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/hknet/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	params []map[string]any
	steps  []int
	closed bool
}

func (r *recorder) LogParams(params map[string]any)           { r.params = append(r.params, params) }
func (r *recorder) LogMetrics(step int, _ map[string]float64) { r.steps = append(r.steps, step) }
func (r *recorder) Close() error {
	r.closed = true
	return nil
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	tracker, err := New("none", dir)
	require.NoError(t, err)
	assert.Equal(t, Nop, tracker)

	tracker, err = New("log", dir)
	require.NoError(t, err)
	assert.IsType(t, &Logger{}, tracker)

	tracker, err = New("log, csv", dir)
	require.NoError(t, err)
	assert.IsType(t, multi{}, tracker)

	_, err = New("log,mlflow", dir)
	assert.True(t, errors.Is(err, config.ErrConfigInvalid))

	testPath := filepath.Join(dir, TestMetricsFileName)
	tracker, err = NewWithCSVFile("csv", testPath)
	require.NoError(t, err)
	tracker.LogMetrics(0, map[string]float64{"test_db": -10})
	require.NoError(t, tracker.Close())
	assert.FileExists(t, testPath)
	assert.NoFileExists(t, filepath.Join(dir, MetricsFileName))
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	tracker := Multi(a, b)
	tracker.LogParams(map[string]any{"x": 1})
	tracker.LogMetrics(3, map[string]float64{"loss": 1})
	require.NoError(t, tracker.Close())
	for _, r := range []*recorder{a, b} {
		assert.Len(t, r.params, 1)
		assert.Equal(t, []int{3}, r.steps)
		assert.True(t, r.closed)
	}
}

func TestCSV(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "results", MetricsFileName)
	c := NewCSV(filePath)
	c.LogParams(map[string]any{"batch_size": 100})
	c.LogMetrics(0, map[string]float64{"train_db": -3.5, "validation_db": -4})
	c.LogMetrics(1, map[string]float64{"train_db": -5})
	df := c.DataFrame()
	assert.Equal(t, 2, df.Nrow())
	assert.Equal(t, []string{StepColumn, "train_db", "validation_db"}, df.Names())
	require.NoError(t, c.Close())

	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "step,train_db,validation_db", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0,-3.5"), lines[1])
}

func TestFormatMetrics(t *testing.T) {
	assert.Equal(t, "a=1, b=-2.5", FormatMetrics(map[string]float64{"b": -2.5, "a": 1}))
	assert.NotEmpty(t, NewRunID())
	assert.NotEqual(t, NewRunID(), NewRunID())
}
