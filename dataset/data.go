// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/hknet/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FileExtension of the regime dataset files.
const FileExtension = ".gob"

// Split holds the sequences of one split (train, validation or test) of a regime.
type Split struct {
	// Input are the observations, shaped [N, n, T], float32.
	Input *tensors.Tensor

	// Target is the ground truth, shaped [N, m, T], float32.
	Target *tensors.Tensor

	// Init are the initial state estimates, shaped [N, m], float32.
	Init *tensors.Tensor

	// Lengths is optional: a boolean mask shaped [N, T], true for the valid time steps of each sequence.
	Lengths *tensors.Tensor
}

// Size is the number of sequences N.
func (s Split) Size() int { return s.Input.Shape().Dimensions[0] }

// SeqLen is the number of time steps T.
func (s Split) SeqLen() int { return s.Input.Shape().Dimensions[2] }

// Validate checks the shapes and dtypes of the split tensors.
func (s Split) Validate(name string) error {
	if s.Input == nil || s.Target == nil || s.Init == nil {
		return errors.Wrapf(config.ErrConfigInvalid, "split %q is missing tensors", name)
	}
	for _, t := range []*tensors.Tensor{s.Input, s.Target, s.Init} {
		if t.DType() != dtypes.Float32 {
			return errors.Wrapf(config.ErrConfigInvalid, "split %q: tensors must be float32, got %s", name, t.DType())
		}
	}
	in, target, init := s.Input.Shape(), s.Target.Shape(), s.Init.Shape()
	if in.Rank() != 3 || target.Rank() != 3 || init.Rank() != 2 {
		return errors.Wrapf(config.ErrConfigInvalid, "split %q: input must be [N, n, T], target [N, m, T] and init [N, m], got %s, %s and %s",
			name, in, target, init)
	}
	numSeqs, numSteps, m := in.Dimensions[0], in.Dimensions[2], target.Dimensions[1]
	if target.Dimensions[0] != numSeqs || init.Dimensions[0] != numSeqs || target.Dimensions[2] != numSteps || init.Dimensions[1] != m {
		return errors.Wrapf(config.ErrConfigInvalid, "split %q: inconsistent shapes input %s, target %s and init %s",
			name, in, target, init)
	}
	if s.Lengths != nil {
		lengths := s.Lengths.Shape()
		if lengths.DType != dtypes.Bool || lengths.Rank() != 2 || lengths.Dimensions[0] != numSeqs || lengths.Dimensions[1] != numSteps {
			return errors.Wrapf(config.ErrConfigInvalid, "split %q: lengths mask must be bool [%d, %d], got %s",
				name, numSeqs, numSteps, lengths)
		}
	}
	return nil
}

// RegimeData is the dataset of one noise regime.
type RegimeData struct {
	Regime                  Regime
	Train, Validation, Test Split
}

// Dims shared by the regimes trained together.
type Dims struct {
	StateDim, ObsDim   int
	SeqLen, TestSeqLen int
	DescriptorLen      int
}

// Splits returns the three splits with their names, in order.
func (d *RegimeData) Splits() []NamedSplit {
	return []NamedSplit{{"train", &d.Train}, {"validation", &d.Validation}, {"test", &d.Test}}
}

// NamedSplit is a pointer to one of the splits of a RegimeData.
type NamedSplit struct {
	Name  string
	Split *Split
}

// Validate checks every split and that they agree on the state and observation dimensions.
func (d *RegimeData) Validate() error {
	for _, ns := range d.Splits() {
		if err := ns.Split.Validate(ns.Name); err != nil {
			return errors.WithMessagef(err, "regime %s", d.Regime.Key())
		}
	}
	_, err := d.Dims()
	return err
}

// Dims returns the dimensions of the regime dataset.
func (d *RegimeData) Dims() (Dims, error) {
	dims := Dims{
		StateDim:      d.Train.Target.Shape().Dimensions[1],
		ObsDim:        d.Train.Input.Shape().Dimensions[1],
		SeqLen:        d.Train.SeqLen(),
		TestSeqLen:    d.Test.SeqLen(),
		DescriptorLen: d.Regime.Len(),
	}
	for _, ns := range d.Splits()[1:] {
		if ns.Split.Target.Shape().Dimensions[1] != dims.StateDim || ns.Split.Input.Shape().Dimensions[1] != dims.ObsDim {
			return Dims{}, errors.Wrapf(config.ErrConfigInvalid, "regime %s: split %q dimensions differ from the train split",
				d.Regime.Key(), ns.Name)
		}
	}
	if d.Validation.SeqLen() != dims.SeqLen {
		return Dims{}, errors.Wrapf(config.ErrConfigInvalid, "regime %s: validation length %d differs from train length %d",
			d.Regime.Key(), d.Validation.SeqLen(), dims.SeqLen)
	}
	return dims, nil
}

// ValidateShared checks that all regimes trained or tested together share the state and observation
// dimensions, the sequence lengths and the descriptor length. It returns the shared dimensions.
func ValidateShared(regimes []*RegimeData) (Dims, error) {
	if len(regimes) == 0 {
		return Dims{}, errors.Wrap(config.ErrConfigInvalid, "no regime datasets given")
	}
	var shared Dims
	for ii, d := range regimes {
		if err := d.Validate(); err != nil {
			return Dims{}, err
		}
		dims, _ := d.Dims()
		if ii == 0 {
			shared = dims
			continue
		}
		if dims != shared {
			return Dims{}, errors.Wrapf(config.ErrConfigInvalid, "regime %s has dimensions %+v, but regime %s has %+v",
				d.Regime.Key(), dims, regimes[0].Regime.Key(), shared)
		}
	}
	return shared, nil
}

// FilePath of the regime dataset in dir.
func FilePath(dir string, regime Regime) string {
	return filepath.Join(dir, regime.Key()+FileExtension)
}

// Save the regime dataset to dir, in the file given by FilePath.
func (d *RegimeData) Save(dir string) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create dataset directory %q", dir)
	}
	filePath := FilePath(dir, d.Regime)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	enc := gob.NewEncoder(f)
	err = d.encode(enc)
	if err == nil {
		err = f.Close()
	} else {
		_ = f.Close()
	}
	if err != nil {
		return errors.WithMessagef(err, "saving regime dataset to %q", filePath)
	}
	klog.V(1).Infof("Saved regime %s dataset to %q", d.Regime.Key(), filePath)
	return nil
}

func (d *RegimeData) encode(enc *gob.Encoder) error {
	if err := enc.Encode(d.Regime.vector); err != nil {
		return errors.Wrap(err, "failed to encode regime descriptor")
	}
	for _, ns := range d.Splits() {
		s := ns.Split
		for _, t := range []*tensors.Tensor{s.Input, s.Target, s.Init} {
			if err := t.GobSerialize(enc); err != nil {
				return errors.WithMessagef(err, "split %q", ns.Name)
			}
		}
		hasLengths := s.Lengths != nil
		if err := enc.Encode(hasLengths); err != nil {
			return errors.Wrapf(err, "split %q", ns.Name)
		}
		if hasLengths {
			if err := s.Lengths.GobSerialize(enc); err != nil {
				return errors.WithMessagef(err, "split %q lengths", ns.Name)
			}
		}
	}
	return nil
}

// Load the dataset of the regime from dir, saved with RegimeData.Save.
func Load(dir string, regime Regime) (*RegimeData, error) {
	filePath := FilePath(dir, regime)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open regime dataset %q", filePath)
	}
	defer func() { _ = f.Close() }()
	d, err := decode(gob.NewDecoder(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "loading regime dataset %q", filePath)
	}
	if !d.Regime.Equal(regime) {
		return nil, errors.Wrapf(config.ErrConfigInvalid, "file %q holds regime %s, wanted %s", filePath, d.Regime, regime)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func decode(dec *gob.Decoder) (*RegimeData, error) {
	d := &RegimeData{}
	var vector []float64
	if err := dec.Decode(&vector); err != nil {
		return nil, errors.Wrap(err, "failed to decode regime descriptor")
	}
	var err error
	if d.Regime, err = NewRegime(vector); err != nil {
		return nil, err
	}
	for _, ns := range d.Splits() {
		s := ns.Split
		for _, t := range []**tensors.Tensor{&s.Input, &s.Target, &s.Init} {
			if *t, err = tensors.GobDeserialize(dec); err != nil {
				return nil, errors.WithMessagef(err, "split %q", ns.Name)
			}
		}
		var hasLengths bool
		if err = dec.Decode(&hasLengths); err != nil {
			return nil, errors.Wrapf(err, "split %q", ns.Name)
		}
		if hasLengths {
			if s.Lengths, err = tensors.GobDeserialize(dec); err != nil {
				return nil, errors.WithMessagef(err, "split %q lengths", ns.Name)
			}
		}
	}
	return d, nil
}

// LoadAll loads the datasets of the given regime indices of the configuration from dir, and
// checks they share their dimensions.
func LoadAll(dir string, cfg config.Config, indices []int) ([]*RegimeData, Dims, error) {
	all := make([]*RegimeData, 0, len(indices))
	for _, idx := range indices {
		d, err := Load(dir, RegimeFromConfig(cfg, idx))
		if err != nil {
			return nil, Dims{}, err
		}
		all = append(all, d)
	}
	dims, err := ValidateShared(all)
	if err != nil {
		return nil, Dims{}, err
	}
	return all, dims, nil
}
