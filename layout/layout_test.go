// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/hknet/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// countParams computes the number of weights directly from the widths of the blocks, without
// going through the table.
func countParams(m, n, inMult, outMult int) int {
	hiddenQ, hiddenSigma, hiddenS := m*m, m*m, n*n
	fc2In := hiddenS + hiddenSigma
	fc2Hidden := fc2In * outMult
	dense := [][2]int{ // {out, in}
		{n * n, hiddenSigma},
		{fc2Hidden, fc2In},
		{n * m, fc2Hidden},
		{m * m, hiddenS + n*m},
		{hiddenSigma, hiddenSigma + m*m},
		{m * inMult, m},
		{m * inMult, m},
		{2 * n * inMult, 2 * n},
	}
	total := 0
	for _, d := range dense {
		total += d[0] * (d[1] + 1)
	}
	recurrent := [][2]int{ // {hidden, in}
		{hiddenQ, m * inMult},
		{hiddenSigma, hiddenQ + m*inMult},
		{hiddenS, n*n + 2*n*inMult},
	}
	for _, r := range recurrent {
		total += 4*r[0]*(r[1]+1) + 4*r[0]*(r[0]+1)
	}
	return total
}

func TestTotalSize(t *testing.T) {
	for _, dims := range []Dims{
		{StateDim: 3, ObsDim: 3, InMult: 40, OutMult: 5},
		{StateDim: 2, ObsDim: 3, InMult: 1, OutMult: 1},
		{StateDim: 3, ObsDim: 3, InMult: 1, OutMult: 1},
		{StateDim: 4, ObsDim: 2, InMult: 7, OutMult: 3},
		{StateDim: 1, ObsDim: 1, InMult: 1, OutMult: 1},
	} {
		l, err := New(dims)
		require.NoError(t, err)
		assert.Equal(t, countParams(dims.StateDim, dims.ObsDim, dims.InMult, dims.OutMult), l.TotalSize(), "dims=%+v", dims)

		sum := 0
		for _, b := range l.Blocks() {
			assert.Equal(t, sum, b.Offset, "block %q", b.Name)
			sum += b.Size()
		}
		assert.Equal(t, sum, l.TotalSize())
	}

	// Values of the reference Lorenz experiment.
	assert.Equal(t, 24717, MustNew(Dims{StateDim: 3, ObsDim: 3, InMult: 40, OutMult: 5}).TotalSize())
	assert.Equal(t, 1721, MustNew(Dims{StateDim: 2, ObsDim: 3, InMult: 1, OutMult: 1}).TotalSize())
}

func TestDeterministic(t *testing.T) {
	dims := Dims{StateDim: 3, ObsDim: 2, InMult: 4, OutMult: 2}
	l1, l2 := MustNew(dims), MustNew(dims)
	assert.Equal(t, l1.Blocks(), l2.Blocks())
	assert.Equal(t, l1.TotalSize(), l2.TotalSize())
}

func TestBlockOrder(t *testing.T) {
	l := MustNew(Dims{StateDim: 3, ObsDim: 3, InMult: 2, OutMult: 2})
	var names []string
	for _, b := range l.Blocks() {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{
		"fc1_w", "fc1_b", "fc2_w1", "fc2_b1", "fc2_w2", "fc2_b2",
		"fc3_w", "fc3_b", "fc4_w", "fc4_b", "fc5_w", "fc5_b", "fc6_w", "fc6_b", "fc7_w", "fc7_b",
		"lstm_q_w_ih", "lstm_q_b_ih", "lstm_q_w_hh", "lstm_q_b_hh",
		"lstm_sigma_w_ih", "lstm_sigma_b_ih", "lstm_sigma_w_hh", "lstm_sigma_b_hh",
		"lstm_s_w_ih", "lstm_s_b_ih", "lstm_s_w_hh", "lstm_s_b_hh",
	}, names)

	b, found := l.Lookup("fc2_w1")
	require.True(t, found)
	assert.Equal(t, []int{(9 + 9) * 2, 9 + 9}, b.Shape)
	b, found = l.Lookup("lstm_sigma_w_ih")
	require.True(t, found)
	assert.Equal(t, []int{4 * 9, 9 + 3*2}, b.Shape)
	assert.Equal(t, -1, l.Offset("missing"))
}

func TestInvalidDims(t *testing.T) {
	_, err := New(Dims{StateDim: 0, ObsDim: 3, InMult: 1, OutMult: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfigInvalid))
}

func TestFlatRoundTrip(t *testing.T) {
	l := MustNew(Dims{StateDim: 3, ObsDim: 2, InMult: 3, OutMult: 2})
	parts := make([][]float32, l.NumBlocks())
	for ii, b := range l.Blocks() {
		parts[ii] = make([]float32, b.Size())
		for jj := range parts[ii] {
			parts[ii][jj] = float32(ii*1000 + jj)
		}
	}
	flat, err := ConcatFlat(l, parts)
	require.NoError(t, err)
	require.Len(t, flat, l.TotalSize())

	got, err := SliceFlat(l, flat)
	require.NoError(t, err)
	assert.Equal(t, parts, got)

	_, err = SliceFlat(l, flat[1:])
	assert.True(t, errors.Is(err, config.ErrConfigInvalid))
	parts[3] = parts[3][1:]
	_, err = ConcatFlat(l, parts)
	assert.True(t, errors.Is(err, config.ErrConfigInvalid))
}

func TestGraphSlice(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	l := MustNew(Dims{StateDim: 2, ObsDim: 2, InMult: 2, OutMult: 1})
	flat := make([]float32, l.TotalSize())
	for ii := range flat {
		flat[ii] = float32(ii)
	}
	expected, err := SliceFlat(l, flat)
	require.NoError(t, err)

	// Slice, then concatenate back: must be the identity.
	exec := NewExec(backend, func(flat *Node) []*Node {
		w := l.Slice(flat)
		return append(w.Nodes(), l.Concat(w.Nodes()))
	})
	outputs := exec.Call(tensors.FromFlatDataAndDimensions(flat, len(flat)))
	require.Len(t, outputs, l.NumBlocks()+1)
	for ii, b := range l.Blocks() {
		assert.Equal(t, b.Shape, outputs[ii].Shape().Dimensions, "block %q", b.Name)
		assert.Equal(t, expected[ii], tensors.CopyFlatData[float32](outputs[ii]), "block %q", b.Name)
	}
	assert.Equal(t, flat, tensors.CopyFlatData[float32](outputs[l.NumBlocks()]))

	// Wrong size must panic at graph building.
	badExec := NewExec(backend, func(flat *Node) *Node {
		w := l.Slice(flat)
		return w.Get("fc1_w")
	})
	require.Panics(t, func() { _ = badExec.Call(tensors.FromFlatDataAndDimensions(flat[1:], len(flat)-1)) })
}
