// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// StepColumn is the name of the step column of the CSV tracker.
const StepColumn = "step"

// CSV is a tracker that accumulates the metrics in memory and writes them as one CSV table,
// one row per step and one column per metric, on Close. Parameters are logged, not written.
type CSV struct {
	filePath string
	steps    []int
	rows     []map[string]float64
	columns  map[string]bool
}

// NewCSV creates a CSV tracker that writes to filePath.
func NewCSV(filePath string) *CSV {
	return &CSV{filePath: filePath, columns: make(map[string]bool)}
}

// LogParams implements Tracker.
func (c *CSV) LogParams(params map[string]any) {
	klog.V(1).Infof("CSV tracker %q: %d params not written", c.filePath, len(params))
}

// LogMetrics implements Tracker.
func (c *CSV) LogMetrics(step int, metrics map[string]float64) {
	row := make(map[string]float64, len(metrics))
	for key, value := range metrics {
		row[key] = value
		c.columns[key] = true
	}
	c.steps = append(c.steps, step)
	c.rows = append(c.rows, row)
}

// DataFrame returns the metrics logged so far. Metrics missing in a step are NaN.
func (c *CSV) DataFrame() dataframe.DataFrame {
	columns := []series.Series{series.New(c.steps, series.Int, StepColumn)}
	names := maps.Keys(c.columns)
	slices.Sort(names)
	for _, name := range names {
		values := make([]float64, len(c.rows))
		for ii, row := range c.rows {
			value, found := row[name]
			if !found {
				value = math.NaN()
			}
			values[ii] = value
		}
		columns = append(columns, series.New(values, series.Float, name))
	}
	return dataframe.New(columns...)
}

// Close implements Tracker: it writes the CSV file.
func (c *CSV) Close() error {
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", c.filePath)
	}
	f, err := os.Create(c.filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create metrics file %q", c.filePath)
	}
	if err := c.DataFrame().WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write metrics to %q", c.filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", c.filePath)
}
