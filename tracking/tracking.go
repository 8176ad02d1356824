// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking reports experiment parameters and metrics to observational sinks.
//
// Trackers never affect the control flow of training: their failures are logged, not returned,
// except by Close.
package tracking

import (
	"path/filepath"
	"strings"

	"github.com/gomlx/hknet/config"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Tracker receives the parameters and the metrics of a run.
type Tracker interface {
	// LogParams reports hyperparameters and static figures (e.g. parameter counts).
	LogParams(params map[string]any)

	// LogMetrics reports the metrics of one step (epoch) of the run.
	LogMetrics(step int, metrics map[string]float64)

	// Close flushes the tracker.
	Close() error
}

// ParamRunID is the parameter holding the unique run identifier, see NewRunID.
const ParamRunID = "run_id"

// NewRunID returns a new unique run identifier.
func NewRunID() string { return uuid.NewString() }

// Nop is a tracker that discards everything.
var Nop Tracker = nopTracker{}

type nopTracker struct{}

func (nopTracker) LogParams(map[string]any)           {}
func (nopTracker) LogMetrics(int, map[string]float64) {}
func (nopTracker) Close() error                       { return nil }

// Sink names accepted by New.
const (
	SinkLog  = "log"
	SinkCSV  = "csv"
	SinkNone = "none"
)

// CSV files written by the "csv" sink in the results directory, for training and for testing.
const (
	MetricsFileName     = "metrics.csv"
	TestMetricsFileName = "test_metrics.csv"
)

// New creates the trackers listed in sinks, comma separated (e.g. "log,csv"). The CSV file is
// MetricsFileName in resultsDir.
func New(sinks, resultsDir string) (Tracker, error) {
	return NewWithCSVFile(sinks, filepath.Join(resultsDir, MetricsFileName))
}

// NewWithCSVFile is like New, but the "csv" sink writes to csvFilePath.
func NewWithCSVFile(sinks, csvFilePath string) (Tracker, error) {
	var trackers []Tracker
	for _, sink := range strings.Split(sinks, ",") {
		switch strings.TrimSpace(sink) {
		case SinkLog:
			trackers = append(trackers, NewLogger())
		case SinkCSV:
			trackers = append(trackers, NewCSV(csvFilePath))
		case SinkNone, "":
		default:
			return nil, errors.Wrapf(config.ErrConfigInvalid, "unknown tracking sink %q in %q", sink, sinks)
		}
	}
	switch len(trackers) {
	case 0:
		return Nop, nil
	case 1:
		return trackers[0], nil
	default:
		return Multi(trackers...), nil
	}
}

// Multi returns a tracker that forwards to all the given trackers.
func Multi(trackers ...Tracker) Tracker { return multi(trackers) }

type multi []Tracker

func (m multi) LogParams(params map[string]any) {
	for _, t := range m {
		t.LogParams(params)
	}
}

func (m multi) LogMetrics(step int, metrics map[string]float64) {
	for _, t := range m {
		t.LogMetrics(step, metrics)
	}
}

func (m multi) Close() error {
	var firstErr error
	for _, t := range m {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
