// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sysmodel

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/hknet/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	_ "github.com/gomlx/gomlx/backends/default"
)

// referenceTransition computes the Lorenz transition of one state with gonum.
func referenceTransition(x []float64, deltaT float64, order int) []float64 {
	a := mat.NewDense(3, 3, nil)
	for i := range 3 {
		for j := range 3 {
			a.Set(i, j, lorenzC[i][j])
		}
	}
	a.Set(1, 0, a.At(1, 0)-x[2])
	a.Set(2, 0, a.At(2, 0)+x[1])
	a.Scale(deltaT, a)

	f := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	power := mat.DenseCopyOf(f)
	factorial := 1.0
	for j := 1; j <= order; j++ {
		var next mat.Dense
		next.Mul(power, a)
		power = &next
		factorial *= float64(j)
		var term mat.Dense
		term.Scale(1/factorial, power)
		f.Add(f, &term)
	}
	var next mat.VecDense
	next.MulVec(f, mat.NewVecDense(3, x))
	return next.RawVector().Data
}

func TestLorenzTransition(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := NewLorenz()
	states := [][]float64{{1, 1, 1}, {-3.5, 2, 20}, {0, 0, 0}, {10, -7, 30}}
	exec := NewExec(backend, model.Transition)
	got := exec.Call(tensors.FromValue(states))[0].Value().([][]float64)
	require.Len(t, got, len(states))
	for ii, x := range states {
		want := referenceTransition(x, DefaultDeltaT, DefaultTaylorOrder)
		assert.InDeltaSlice(t, want, got[ii], 1e-9, "state %v", x)
	}
	// Origin is a fixed point.
	assert.Equal(t, []float64{0, 0, 0}, got[2])
}

func TestLorenzObserve(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	states := [][]float64{{1, 2, 3}, {-1, 0.5, 4}}

	identityModel := NewLorenz()
	assert.Equal(t, 3, identityModel.ObsDim())
	got := NewExec(backend, identityModel.Observe).Call(tensors.FromValue(states))[0].Value().([][]float64)
	assert.Equal(t, states, got)

	rotation := RotationMatrix(1)
	rotated := NewLorenz().WithObservation(rotation, 3)
	got = NewExec(backend, rotated.Observe).Call(tensors.FromValue(states))[0].Value().([][]float64)
	h := mat.NewDense(3, 3, rotation)
	for ii, x := range states {
		var want mat.VecDense
		want.MulVec(h, mat.NewVecDense(3, x))
		assert.InDeltaSlice(t, want.RawVector().Data, got[ii], 1e-12)
	}

	projection := NewLorenz().WithObservation([]float64{1, 0, 0, 0, 1, 0}, 2)
	assert.Equal(t, 2, projection.ObsDim())
	got = NewExec(backend, projection.Observe).Call(tensors.FromValue(states))[0].Value().([][]float64)
	assert.Equal(t, [][]float64{{1, 2}, {-1, 0.5}}, got)
}

func TestRotationMatrixIsOrthonormal(t *testing.T) {
	r := mat.NewDense(3, 3, RotationMatrix(10))
	var prod mat.Dense
	prod.Mul(r, r.T())
	assert.True(t, mat.EqualApprox(&prod, mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}), 1e-12))
	assert.InDelta(t, 1.0, mat.Det(r), 1e-12)
}

func TestFromConfig(t *testing.T) {
	cfg, err := config.FromContext(config.CreateDefaultContext())
	require.NoError(t, err)
	model, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, model.StateDim())
	assert.Equal(t, 3, model.ObsDim())

	cfg.Observation = config.ObservationRotated
	model, err = FromConfig(cfg)
	require.NoError(t, err)
	assert.Contains(t, model.(*Lorenz).String(), "linear 3x3")
}

// referenceSpherical computes (ρ, θ, φ) of one state with the math package.
func referenceSpherical(x []float64) []float64 {
	rho := math.Sqrt(x[0]*x[0] + x[1]*x[1] + x[2]*x[2])
	phi := math.Atan2(x[1], x[0])
	if phi < 0 {
		phi += 2 * math.Pi
	}
	return []float64{rho, math.Acos(x[2] / rho), phi}
}

func TestSphericalObservation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := NewLorenz().WithSphericalObservation()
	assert.Equal(t, 3, model.ObsDim())
	assert.Contains(t, model.String(), "spherical")

	states := [][]float64{
		{1, 2, 3}, {-1, 0.5, 4}, {-3, -4, -5}, {2, -0.1, 0}, {0.2, 7, -1},
		{0, 0, 5}, {0, 0, -2}, {-1, 0, 0}, {1e-3, -1e-3, 1e-3},
	}
	got := NewExec(backend, model.Observe).Call(tensors.FromValue(states))[0].Value().([][]float64)
	require.Len(t, got, len(states))
	for ii, x := range states {
		assert.InDeltaSlice(t, referenceSpherical(x), got[ii], 2e-5, "state %v", x)
	}

	// Gradients stay finite at the origin and on the z axis.
	gradExec := NewExec(backend, func(x *Node) *Node {
		return Gradient(ReduceAllSum(model.Observe(x)), x)[0]
	})
	grads := gradExec.Call(tensors.FromValue([][]float64{{0, 0, 0}, {0, 0, 3}}))[0].Value().([][]float64)
	for _, row := range grads {
		for _, v := range row {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		}
	}

	cfg, err := config.FromContext(config.CreateDefaultContext())
	require.NoError(t, err)
	cfg.Observation = config.ObservationSpherical
	fromConfig, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Contains(t, fromConfig.(*Lorenz).String(), "spherical")
}
