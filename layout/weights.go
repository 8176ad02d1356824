// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Weights are the blocks of one flat weight vector, sliced and reshaped in the graph.
type Weights struct {
	layout *Layout
	nodes  []*Node
}

// RecurrentWeights of one recurrent track, in the [out, in] convention.
type RecurrentWeights struct {
	InputKernel, InputBias   *Node // [4H, In], [4H]
	HiddenKernel, HiddenBias *Node // [4H, H], [4H]
}

// Slice splits the flat weight vector (shape [TotalSize]) into the blocks of the layout.
//
// It panics (with exceptions.Panicf) if flat doesn't have the size of the layout: this is a
// graph-building error.
func (l *Layout) Slice(flat *Node) Weights {
	if flat.Rank() != 1 || flat.Shape().Dimensions[0] != l.total {
		exceptions.Panicf("layout.Slice: flat weights must be shaped [%d], got %s", l.total, flat.Shape())
	}
	w := Weights{layout: l, nodes: make([]*Node, len(l.blocks))}
	for ii, b := range l.blocks {
		part := Slice(flat, AxisRange(b.Offset, b.Offset+b.Size()))
		w.nodes[ii] = Reshape(part, b.Shape...)
	}
	return w
}

// Concat is the graph version of ConcatFlat: it flattens and concatenates the given blocks, in
// layout order, into a flat weight vector.
func (l *Layout) Concat(blocks []*Node) *Node {
	if len(blocks) != len(l.blocks) {
		exceptions.Panicf("layout.Concat: got %d blocks, layout has %d", len(blocks), len(l.blocks))
	}
	parts := make([]*Node, len(blocks))
	for ii, b := range l.blocks {
		if blocks[ii].Shape().Size() != b.Size() {
			exceptions.Panicf("layout.Concat: block %q shaped %s, expected %v", b.Name, blocks[ii].Shape(), b.Shape)
		}
		parts[ii] = Reshape(blocks[ii], b.Size())
	}
	return Concatenate(parts, 0)
}

// Layout of the weights.
func (w Weights) Layout() *Layout { return w.layout }

// Get returns the named block. It panics if there is no such block.
func (w Weights) Get(name string) *Node {
	idx, found := w.layout.index[name]
	if !found {
		exceptions.Panicf("layout: unknown weights block %q", name)
	}
	return w.nodes[idx]
}

// Nodes returns the blocks in layout order.
func (w Weights) Nodes() []*Node { return append([]*Node(nil), w.nodes...) }

// Dense returns the kernel and bias of a single-layer feed-forward block.
func (w Weights) Dense(name string) (kernel, bias *Node) {
	return w.Get(name + "_w"), w.Get(name + "_b")
}

// Dense2 returns the kernels and biases of a two-layer feed-forward block.
func (w Weights) Dense2(name string) (kernel1, bias1, kernel2, bias2 *Node) {
	return w.Get(name + "_w1"), w.Get(name + "_b1"), w.Get(name + "_w2"), w.Get(name + "_b2")
}

// Recurrent returns the weights of the named recurrent track.
func (w Weights) Recurrent(name string) RecurrentWeights {
	return RecurrentWeights{
		InputKernel:  w.Get(name + "_w_ih"),
		InputBias:    w.Get(name + "_b_ih"),
		HiddenKernel: w.Get(name + "_w_hh"),
		HiddenBias:   w.Get(name + "_b_hh"),
	}
}
