// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Logger is a tracker that logs with klog.
type Logger struct{}

// NewLogger returns a klog tracker.
func NewLogger() *Logger { return &Logger{} }

// LogParams implements Tracker.
func (l *Logger) LogParams(params map[string]any) {
	keys := maps.Keys(params)
	slices.Sort(keys)
	for _, key := range keys {
		klog.Infof("param %s=%v", key, params[key])
	}
}

// LogMetrics implements Tracker.
func (l *Logger) LogMetrics(step int, metrics map[string]float64) {
	klog.V(1).Infof("step %d: %s", step, FormatMetrics(metrics))
}

// Close implements Tracker.
func (l *Logger) Close() error { return nil }

// FormatMetrics formats the metrics sorted by name.
func FormatMetrics(metrics map[string]float64) string {
	parts := make([]string, 0, len(metrics))
	keys := maps.Keys(metrics)
	slices.Sort(keys)
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.4g", key, metrics[key]))
	}
	return strings.Join(parts, ", ")
}
