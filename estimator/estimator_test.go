// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/hknet/config"
	"github.com/gomlx/hknet/layout"
	"github.com/gomlx/hknet/sysmodel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func newTestFilter(t *testing.T) *Filter {
	cfg, err := config.FromContext(config.CreateDefaultContext())
	require.NoError(t, err)
	cfg.InMult, cfg.OutMult = 2, 2
	estimatorCfg, err := NewConfig(cfg, 3, 3)
	require.NoError(t, err)
	f, err := New(estimatorCfg, sysmodel.NewLorenz())
	require.NoError(t, err)
	return f
}

// randomWeights returns a deterministic flat weights vector with small values.
func randomWeights(l *layout.Layout, seed uint64) []float32 {
	rng := rand.New(rand.NewPCG(seed, 0))
	flat := make([]float32, l.TotalSize())
	for ii := range flat {
		flat[ii] = float32(rng.Float64()*0.6 - 0.3)
	}
	return flat
}

// x0Tensor is the initial state [1,1,1] repeated batchSize times.
func x0Tensor(batchSize int) *tensors.Tensor {
	x0 := make([]float32, 3*batchSize)
	for ii := range x0 {
		x0[ii] = 1
	}
	return tensors.FromFlatDataAndDimensions(x0, batchSize, 3)
}

func observationsTensor(batchSize, numSteps int) *tensors.Tensor {
	y := make([]float32, batchSize*3*numSteps)
	for ii := range y {
		y[ii] = float32(math.Sin(float64(ii) * 0.37))
	}
	return tensors.FromFlatDataAndDimensions(y, batchSize, 3, numSteps)
}

func TestStepShapeAndState(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batchSize = 4
	f := newTestFilter(t)
	assert.Equal(t, Uninitialized, f.State())
	flat := randomWeights(f.Layout(), 1)

	exec := NewExec(backend, func(inputs []*Node) []*Node {
		x0, y, flat := inputs[0], inputs[1], inputs[2]
		f := newTestFilter(t)
		f.Reset(x0)
		require.Equal(t, Ready, f.State())
		require.Equal(t, batchSize, f.BatchSize())
		return []*Node{f.Step(y, flat)}
	})
	y := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 1, 2, 3, 0, 0, 0, -1, 4, 2}, batchSize, 3)
	outputs := exec.Call(x0Tensor(batchSize), y, tensors.FromFlatDataAndDimensions(flat, len(flat)))
	require.Len(t, outputs, 1)
	assert.Equal(t, []int{batchSize, 3}, outputs[0].Shape().Dimensions)
	for _, v := range tensors.CopyFlatData[float32](outputs[0]) {
		assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

func TestStepBeforeResetPanics(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	f := newTestFilter(t)
	flat := randomWeights(f.Layout(), 1)
	exec := NewExec(backend, func(y, flat *Node) *Node {
		return newTestFilter(t).Step(y, flat)
	})
	require.Panics(t, func() {
		exec.Call(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 1, 3), tensors.FromFlatDataAndDimensions(flat, len(flat)))
	})

	// ResetHidden before Reset also panics.
	require.Panics(t, func() { newTestFilter(t).ResetHidden() })
}

func TestStepBatchSizeMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	f := newTestFilter(t)
	flat := randomWeights(f.Layout(), 1)
	exec := NewExec(backend, func(inputs []*Node) []*Node {
		f := newTestFilter(t)
		f.Reset(inputs[0])
		return []*Node{f.Step(inputs[1], inputs[2])}
	})
	err := exceptions.TryCatch[error](func() {
		exec.Call(x0Tensor(2), tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 1, 3),
			tensors.FromFlatDataAndDimensions(flat, len(flat)))
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrBatchSize), "got %v", err)
}

func TestZeroInnovation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batchSize = 4
	f := newTestFilter(t)
	flat := randomWeights(f.Layout(), 7)
	exec := NewExec(backend, func(inputs []*Node) []*Node {
		x0, flat := inputs[0], inputs[1]
		f := newTestFilter(t)
		f.Reset(x0)
		prior := f.Model().Transition(x0)
		y := f.Model().Observe(prior) // Observation equals the predicted observation.
		posterior := f.Step(y, flat)
		return []*Node{posterior, prior}
	})
	x0 := []float32{1, 1, 1, 0.5, -2, 3, 10, 10, 10, 0, 0, 0}
	outputs := exec.Call(tensors.FromFlatDataAndDimensions(x0, batchSize, 3), tensors.FromFlatDataAndDimensions(flat, len(flat)))
	assert.Equal(t, tensors.CopyFlatData[float32](outputs[1]), tensors.CopyFlatData[float32](outputs[0]))
}

func unrollExec(backend backends.Backend, t *testing.T) *Exec {
	return NewExec(backend, func(inputs []*Node) *Node {
		f := newTestFilter(t)
		return f.Unroll(inputs[0], inputs[1], inputs[2])
	})
}

func TestUnrollDeterminism(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batchSize, numSteps = 4, 20
	f := newTestFilter(t)
	flat := randomWeights(f.Layout(), 3)
	y := observationsTensor(batchSize, numSteps)

	run := func() []float32 {
		exec := unrollExec(backend, t)
		out := exec.Call(y, x0Tensor(batchSize), tensors.FromFlatDataAndDimensions(flat, len(flat)))[0]
		require.Equal(t, []int{batchSize, 3, numSteps}, out.Shape().Dimensions)
		return tensors.CopyFlatData[float32](out)
	}
	first, second := run(), run()
	assert.Equal(t, first, second)

	// Different weights give a different unroll.
	otherFlat := randomWeights(f.Layout(), 4)
	other := unrollExec(backend, t).Call(y, x0Tensor(batchSize), tensors.FromFlatDataAndDimensions(otherFlat, len(otherFlat)))[0]
	assert.NotEqual(t, first, tensors.CopyFlatData[float32](other))
}

func TestSigmaCellOverwrittenByFC4(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batchSize = 2
	f := newTestFilter(t)
	l := f.Layout()
	parts, err := layout.SliceFlat(l, randomWeights(l, 11))
	require.NoError(t, err)
	for ii, b := range l.Blocks() {
		switch b.Name {
		case "fc4_w":
			clear(parts[ii])
		case "fc4_b":
			for jj := range parts[ii] {
				parts[ii][jj] = 0.5
			}
		}
	}
	flat, err := layout.ConcatFlat(l, parts)
	require.NoError(t, err)

	exec := NewExec(backend, func(inputs []*Node) []*Node {
		f := newTestFilter(t)
		f.Reset(inputs[0])
		_ = f.Step(inputs[1], inputs[2])
		mem := f.Memory()
		return []*Node{mem.Sigma.Cell, mem.Q.Cell}
	})
	y := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, batchSize, 3)
	outputs := exec.Call(x0Tensor(batchSize), y, tensors.FromFlatDataAndDimensions(flat, len(flat)))
	for _, v := range tensors.CopyFlatData[float32](outputs[0]) {
		assert.Equal(t, float32(0.5), v)
	}
	assert.Equal(t, []int{batchSize, 9}, outputs[1].Shape().Dimensions)
}

func TestResetHiddenAndUpdateModel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batchSize = 3
	f := newTestFilter(t)
	flat := randomWeights(f.Layout(), 5)
	exec := NewExec(backend, func(inputs []*Node) []*Node {
		f := newTestFilter(t)
		f.Reset(inputs[0])
		posterior := f.Step(inputs[1], inputs[2])
		f.UpdateModel(sysmodel.NewLorenz().WithObservation(sysmodel.RotationMatrix(2), 3))
		require.Same(t, posterior, f.Memory().Posterior)
		f.ResetHidden()
		mem := f.Memory()
		require.Same(t, posterior, mem.Posterior)
		return []*Node{mem.Q.Hidden, mem.Q.Cell, mem.Sigma.Hidden, mem.S.Hidden}
	})
	y := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, batchSize, 3)
	outputs := exec.Call(x0Tensor(batchSize), y, tensors.FromFlatDataAndDimensions(flat, len(flat)))
	identity := []float32{1, 0, 0, 0, 1, 0, 0, 0, 1}
	var want []float32
	for range batchSize {
		want = append(want, identity...)
	}
	assert.Equal(t, want, tensors.CopyFlatData[float32](outputs[0]))
	assert.Equal(t, make([]float32, batchSize*9), tensors.CopyFlatData[float32](outputs[1]))
	assert.Equal(t, make([]float32, batchSize*9), tensors.CopyFlatData[float32](outputs[2]))
	assert.Equal(t, want, tensors.CopyFlatData[float32](outputs[3]))

	// A model with other dimensions is rejected.
	require.Panics(t, func() {
		newTestFilter(t).UpdateModel(sysmodel.NewLorenz().WithObservation([]float64{1, 0, 0}, 1))
	})
}

func TestNormalize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(x *Node) []*Node {
		normalized := Normalize(x)
		grad := Gradient(ReduceAllSum(Normalize(x)), x)[0]
		return []*Node{normalized, grad}
	})
	outputs := exec.Call([][]float32{{0, 0, 0}, {3, 0, 4}})
	got := outputs[0].Value().([][]float32)
	assert.Equal(t, []float32{0, 0, 0}, got[0])
	assert.InDeltaSlice(t, []float32{0.6, 0, 0.8}, got[1], 1e-6)
	for _, v := range tensors.CopyFlatData[float32](outputs[1]) {
		assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "gradient %v", v)
	}
}

func TestConfigSaveLoad(t *testing.T) {
	f := newTestFilter(t)
	filePath := filepath.Join(t.TempDir(), "sub", ConfigFileName)
	require.NoError(t, f.Config().Save(filePath))
	loaded, err := LoadConfig(filePath)
	require.NoError(t, err)
	assert.Equal(t, f.Config(), loaded)

	bad := f.Config()
	bad.PriorS = bad.PriorS[:2]
	require.NoError(t, bad.Save(filePath))
	_, err = LoadConfig(filePath)
	assert.True(t, errors.Is(err, config.ErrConfigInvalid))
}
