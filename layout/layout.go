// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layout defines how the flat weight vector produced by the hyper-network maps to the
// parameters of the estimator's gain network.
//
// The gain network has seven dense blocks (FC1 to FC7, FC2 with one hidden layer) and three
// recurrent tracks (Q, Sigma and S) with four-gate recurrent cells. Layout holds one ordered
// table of (name → shape) blocks, built once from Dims. The same table is used to count the
// parameters, to size the hyper-network output, to build a flat vector (ConcatFlat) and to
// consume one (Slice, SliceFlat), so the producer and the consumer can't drift apart.
package layout

import (
	"fmt"
	"strings"

	"github.com/gomlx/hknet/config"
	"github.com/pkg/errors"
)

// Dims are the inputs of the layout: state and observation dimensions and the width multipliers.
type Dims struct {
	// StateDim is m, the dimension of the state.
	StateDim int `json:"state_dim"`
	// ObsDim is n, the dimension of the observation.
	ObsDim int `json:"obs_dim"`
	// InMult multiplies the width of the input projections FC5, FC6 and FC7.
	InMult int `json:"in_mult"`
	// OutMult multiplies the width of the hidden layer of FC2.
	OutMult int `json:"out_mult"`
}

// Validate returns an error wrapping config.ErrConfigInvalid if any of the dimensions is not positive.
func (d Dims) Validate() error {
	if d.StateDim <= 0 || d.ObsDim <= 0 || d.InMult <= 0 || d.OutMult <= 0 {
		return errors.Wrapf(config.ErrConfigInvalid, "invalid layout dimensions %+v: all must be > 0", d)
	}
	return nil
}

// Names of the dense blocks and recurrent tracks.
const (
	FC1 = "fc1"
	FC2 = "fc2"
	FC3 = "fc3"
	FC4 = "fc4"
	FC5 = "fc5"
	FC6 = "fc6"
	FC7 = "fc7"

	TrackQ     = "lstm_q"
	TrackSigma = "lstm_sigma"
	TrackS     = "lstm_s"
)

// NumGates of the recurrent cells: input, forget, cell candidate and output, in this order.
const NumGates = 4

// Dense describes a feed-forward block. If Hidden > 0 the block has two layers (In → Hidden → Out),
// with weights named "<name>_w1", "<name>_b1", "<name>_w2", "<name>_b2". Otherwise it has one layer
// with weights "<name>_w" and "<name>_b". Weights are shaped [out, in].
type Dense struct {
	Name            string
	In, Hidden, Out int
}

// Recurrent describes a recurrent track, with weights "<name>_w_ih" [4H, In], "<name>_b_ih" [4H],
// "<name>_w_hh" [4H, H] and "<name>_b_hh" [4H].
type Recurrent struct {
	Name       string
	In, Hidden int
}

// Block is one named entry of the flat weight vector.
type Block struct {
	Name   string
	Shape  []int
	Offset int
}

// Size is the number of elements of the block.
func (b Block) Size() int {
	size := 1
	for _, dim := range b.Shape {
		size *= dim
	}
	return size
}

// Layout is the immutable table of blocks for one Dims. Create it with New.
type Layout struct {
	dims      Dims
	dense     []Dense
	recurrent []Recurrent
	blocks    []Block
	index     map[string]int
	total     int
}

// New builds the layout for the given dimensions.
func New(dims Dims) (*Layout, error) {
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	m, n := dims.StateDim, dims.ObsDim
	hiddenQ, hiddenSigma, hiddenS := m*m, m*m, n*n
	fc2In := hiddenS + hiddenSigma
	l := &Layout{
		dims: dims,
		dense: []Dense{
			{Name: FC1, In: hiddenSigma, Out: n * n},
			{Name: FC2, In: fc2In, Hidden: fc2In * dims.OutMult, Out: n * m},
			{Name: FC3, In: hiddenS + n*m, Out: m * m},
			{Name: FC4, In: hiddenSigma + m*m, Out: hiddenSigma},
			{Name: FC5, In: m, Out: m * dims.InMult},
			{Name: FC6, In: m, Out: m * dims.InMult},
			{Name: FC7, In: 2 * n, Out: 2 * n * dims.InMult},
		},
		recurrent: []Recurrent{
			{Name: TrackQ, In: m * dims.InMult, Hidden: hiddenQ},
			{Name: TrackSigma, In: hiddenQ + m*dims.InMult, Hidden: hiddenSigma},
			{Name: TrackS, In: n*n + 2*n*dims.InMult, Hidden: hiddenS},
		},
		index: make(map[string]int),
	}
	for _, d := range l.dense {
		if d.Hidden > 0 {
			l.add(d.Name+"_w1", d.Hidden, d.In)
			l.add(d.Name+"_b1", d.Hidden)
			l.add(d.Name+"_w2", d.Out, d.Hidden)
			l.add(d.Name+"_b2", d.Out)
		} else {
			l.add(d.Name+"_w", d.Out, d.In)
			l.add(d.Name+"_b", d.Out)
		}
	}
	for _, r := range l.recurrent {
		l.add(r.Name+"_w_ih", NumGates*r.Hidden, r.In)
		l.add(r.Name+"_b_ih", NumGates*r.Hidden)
		l.add(r.Name+"_w_hh", NumGates*r.Hidden, r.Hidden)
		l.add(r.Name+"_b_hh", NumGates*r.Hidden)
	}
	return l, nil
}

// MustNew is like New, but panics on error.
func MustNew(dims Dims) *Layout {
	l, err := New(dims)
	if err != nil {
		panic(err)
	}
	return l
}

func (l *Layout) add(name string, shape ...int) {
	block := Block{Name: name, Shape: shape, Offset: l.total}
	l.index[name] = len(l.blocks)
	l.blocks = append(l.blocks, block)
	l.total += block.Size()
}

// Dims used to build the layout.
func (l *Layout) Dims() Dims { return l.dims }

// TotalSize is the number of elements of the flat weight vector: the output size of the hyper-network.
func (l *Layout) TotalSize() int { return l.total }

// NumBlocks in the layout.
func (l *Layout) NumBlocks() int { return len(l.blocks) }

// Blocks returns a copy of the ordered blocks.
func (l *Layout) Blocks() []Block {
	blocks := make([]Block, len(l.blocks))
	for ii, b := range l.blocks {
		blocks[ii] = Block{Name: b.Name, Shape: append([]int(nil), b.Shape...), Offset: b.Offset}
	}
	return blocks
}

// Lookup returns the block with the given name.
func (l *Layout) Lookup(name string) (Block, bool) {
	idx, found := l.index[name]
	if !found {
		return Block{}, false
	}
	return l.blocks[idx], true
}

// Offset of the named block in the flat vector, or -1 if there is no such block.
func (l *Layout) Offset(name string) int {
	b, found := l.Lookup(name)
	if !found {
		return -1
	}
	return b.Offset
}

// DenseBlocks returns the description of the feed-forward blocks, FC1 to FC7.
func (l *Layout) DenseBlocks() []Dense { return append([]Dense(nil), l.dense...) }

// RecurrentTracks returns the description of the recurrent tracks Q, Sigma and S.
func (l *Layout) RecurrentTracks() []Recurrent { return append([]Recurrent(nil), l.recurrent...) }

// Track returns the description of the named recurrent track.
func (l *Layout) Track(name string) (Recurrent, bool) {
	for _, r := range l.recurrent {
		if r.Name == name {
			return r, true
		}
	}
	return Recurrent{}, false
}

// String returns a human-readable table of the layout.
func (l *Layout) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Layout(m=%d, n=%d, in_mult=%d, out_mult=%d): %d blocks, %d weights\n",
		l.dims.StateDim, l.dims.ObsDim, l.dims.InMult, l.dims.OutMult, len(l.blocks), l.total)
	for _, b := range l.blocks {
		_, _ = fmt.Fprintf(&sb, "\t%-16s %-12v offset=%d\n", b.Name, b.Shape, b.Offset)
	}
	return sb.String()
}
