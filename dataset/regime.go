// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset holds the per-regime datasets of the estimator: observations, ground truth and
// initial estimates for the training, validation and test splits of each noise regime.
//
// Datasets are stored one file per regime, keyed by the regime noise variances. They can be
// generated (Generate), imported from MATLAB files (LoadMAT) or loaded from a previous run (Load).
package dataset

import (
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/gomlx/hknet/config"
	"github.com/pkg/errors"
)

// DescriptorLen is the length of the regime descriptors used by the Lorenz experiments.
const DescriptorLen = 4

// Regime is the immutable "statistics of the world" (SoW) descriptor of a noise regime:
// [structural, structural, r², q²]. Create it with NewRegime or RegimeFromConfig.
type Regime struct {
	vector []float64
}

// NewRegime creates a regime from its descriptor vector. The last two values are r² and q².
func NewRegime(vector []float64) (Regime, error) {
	if len(vector) < 2 {
		return Regime{}, errors.Wrapf(config.ErrConfigInvalid, "regime descriptor needs at least r² and q², got %v", vector)
	}
	return Regime{vector: slices.Clone(vector)}, nil
}

// RegimeFromConfig returns the regime of index i of the configuration.
func RegimeFromConfig(cfg config.Config, i int) Regime {
	return Regime{vector: cfg.Descriptor(i)}
}

// Vector returns a copy of the descriptor.
func (r Regime) Vector() []float64 { return slices.Clone(r.vector) }

// Float32 returns a copy of the descriptor as float32, the dtype fed to the hyper-network.
func (r Regime) Float32() []float32 {
	v := make([]float32, len(r.vector))
	for ii, x := range r.vector {
		v[ii] = float32(x)
	}
	return v
}

// Len of the descriptor.
func (r Regime) Len() int { return len(r.vector) }

// R2 is the measurement noise variance.
func (r Regime) R2() float64 { return r.vector[len(r.vector)-2] }

// Q2 is the process noise variance.
func (r Regime) Q2() float64 { return r.vector[len(r.vector)-1] }

// Key identifies the regime in file names: "r2=<r2>_q2=<q2>".
func (r Regime) Key() string {
	return fmt.Sprintf("r2=%s_q2=%s", formatKeyValue(r.R2()), formatKeyValue(r.Q2()))
}

// formatKeyValue always writes a decimal point, so 1 is written "1.0".
func formatKeyValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if v == math.Trunc(v) && !math.IsInf(v, 0) {
		s += ".0"
	}
	return s
}

// String implements fmt.Stringer.
func (r Regime) String() string { return fmt.Sprintf("Regime%v", r.vector) }

// Equal returns whether both descriptors are the same.
func (r Regime) Equal(other Regime) bool { return slices.Equal(r.vector, other.vector) }
