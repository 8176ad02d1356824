// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"io"
	"os"

	"github.com/daniellowtw/matlab"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/hknet/config"
	"github.com/pkg/errors"
)

// MATLAB variable names read by LoadMAT. The prefixes of the splits are "train", "cv" and "test".
//
// Sequence arrays are N×n×T (observations) and N×m×T (ground truth), in MATLAB column-major order.
// The scalars "m", "n", "T" and "T_test" give their dimensions. The optional "<split>_init" (N×m) defaults
// to ones, and the optional "<split>_lengths" (N) holds the number of valid time steps of each sequence.
const (
	MATStateDim   = "m"
	MATObsDim     = "n"
	MATSeqLen     = "T"
	MATTestSeqLen = "T_test"
)

var matSplitPrefixes = []string{"train", "cv", "test"}

// LoadMAT imports the dataset of a regime from a MATLAB (v5) file.
func LoadMAT(filePath string, regime Regime) (*RegimeData, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open MATLAB file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	d, err := ReadMAT(f, regime)
	if err != nil {
		return nil, errors.WithMessagef(err, "importing %q", filePath)
	}
	return d, nil
}

// ReadMAT is like LoadMAT, but reads from r.
func ReadMAT(r io.Reader, regime Regime) (*RegimeData, error) {
	matFile, err := matlab.NewFileFromReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse MATLAB file")
	}
	m, err := matScalar(matFile, MATStateDim)
	if err != nil {
		return nil, err
	}
	n, err := matScalar(matFile, MATObsDim)
	if err != nil {
		return nil, err
	}
	seqLen, err := matScalar(matFile, MATSeqLen)
	if err != nil {
		return nil, err
	}
	testSeqLen := seqLen
	if _, found := matFile.GetVar(MATTestSeqLen); found {
		if testSeqLen, err = matScalar(matFile, MATTestSeqLen); err != nil {
			return nil, err
		}
	}

	d := &RegimeData{Regime: regime}
	for ii, ns := range d.Splits() {
		prefix := matSplitPrefixes[ii]
		numSteps := seqLen
		if prefix == "test" {
			numSteps = testSeqLen
		}
		if *ns.Split, err = readMATSplit(matFile, prefix, m, n, numSteps); err != nil {
			return nil, err
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func readMATSplit(matFile *matlab.File, prefix string, m, n, numSteps int) (Split, error) {
	input, err := matValues(matFile, prefix+"_input")
	if err != nil {
		return Split{}, err
	}
	target, err := matValues(matFile, prefix+"_target")
	if err != nil {
		return Split{}, err
	}
	if len(input)%(n*numSteps) != 0 {
		return Split{}, errors.Wrapf(config.ErrConfigInvalid, "%s_input has %d values, not a multiple of n×T=%d",
			prefix, len(input), n*numSteps)
	}
	numSeqs := len(input) / (n * numSteps)
	if len(target) != numSeqs*m*numSteps {
		return Split{}, errors.Wrapf(config.ErrConfigInvalid, "%s_target has %d values, wanted N×m×T=%d",
			prefix, len(target), numSeqs*m*numSteps)
	}

	var init []float32
	if _, found := matFile.GetVar(prefix + "_init"); found {
		values, err := matValues(matFile, prefix+"_init")
		if err != nil {
			return Split{}, err
		}
		if len(values) != numSeqs*m {
			return Split{}, errors.Wrapf(config.ErrConfigInvalid, "%s_init has %d values, wanted N×m=%d", prefix, len(values), numSeqs*m)
		}
		init = columnMajorToRowMajor(values, numSeqs, m, 1)
	} else {
		init = make([]float32, numSeqs*m)
		for ii := range init {
			init[ii] = 1
		}
	}

	split := Split{
		Input:  tensors.FromFlatDataAndDimensions(columnMajorToRowMajor(input, numSeqs, n, numSteps), numSeqs, n, numSteps),
		Target: tensors.FromFlatDataAndDimensions(columnMajorToRowMajor(target, numSeqs, m, numSteps), numSeqs, m, numSteps),
		Init:   tensors.FromFlatDataAndDimensions(init, numSeqs, m),
	}
	if _, found := matFile.GetVar(prefix + "_lengths"); found {
		values, err := matValues(matFile, prefix+"_lengths")
		if err != nil {
			return Split{}, err
		}
		if len(values) != numSeqs {
			return Split{}, errors.Wrapf(config.ErrConfigInvalid, "%s_lengths has %d values, wanted N=%d", prefix, len(values), numSeqs)
		}
		lengths := make([]int, numSeqs)
		for ii, v := range values {
			lengths[ii] = int(v)
		}
		if split.Lengths, err = LengthsMask(lengths, numSteps); err != nil {
			return Split{}, errors.WithMessagef(err, "%s_lengths", prefix)
		}
	}
	return split, nil
}

// columnMajorToRowMajor converts a d0×d1×d2 MATLAB array to row-major order.
func columnMajorToRowMajor(values []float32, d0, d1, d2 int) []float32 {
	out := make([]float32, len(values))
	for i := range d0 {
		for j := range d1 {
			for k := range d2 {
				out[(i*d1+j)*d2+k] = values[i+d0*(j+d1*k)]
			}
		}
	}
	return out
}

func matScalar(matFile *matlab.File, name string) (int, error) {
	values, err := matValues(matFile, name)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 || values[0] <= 0 {
		return 0, errors.Wrapf(config.ErrConfigInvalid, "MATLAB variable %q must be a positive scalar, got %v", name, values)
	}
	return int(values[0]), nil
}

// matValues reads a numeric MATLAB variable as float32, whatever its storage type.
func matValues(matFile *matlab.File, name string) ([]float32, error) {
	v, found := matFile.GetVar(name)
	if !found {
		return nil, errors.Wrapf(config.ErrConfigInvalid, "MATLAB variable %q not found", name)
	}
	raw := v.Value()
	values := make([]float32, len(raw))
	for ii, x := range raw {
		switch x := x.(type) {
		case float64:
			values[ii] = float32(x)
		case float32:
			values[ii] = x
		case int8:
			values[ii] = float32(x)
		case uint8:
			values[ii] = float32(x)
		case int16:
			values[ii] = float32(x)
		case uint16:
			values[ii] = float32(x)
		case int32:
			values[ii] = float32(x)
		case uint32:
			values[ii] = float32(x)
		case int64:
			values[ii] = float32(x)
		case uint64:
			values[ii] = float32(x)
		default:
			return nil, errors.Wrapf(config.ErrConfigInvalid, "MATLAB variable %q has non-numeric value of type %T", name, x)
		}
	}
	return values, nil
}

// LengthsMask builds the boolean valid-steps mask [N, T] from per-sequence lengths.
func LengthsMask(lengths []int, numSteps int) (*tensors.Tensor, error) {
	mask := make([]bool, len(lengths)*numSteps)
	for ii, length := range lengths {
		if length <= 0 || length > numSteps {
			return nil, errors.Wrapf(config.ErrConfigInvalid, "sequence %d has length %d, must be in [1, %d]", ii, length, numSteps)
		}
		for t := range length {
			mask[ii*numSteps+t] = true
		}
	}
	return tensors.FromFlatDataAndDimensions(mask, len(lengths), numSteps), nil
}
