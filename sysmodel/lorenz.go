// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sysmodel

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/hknet/config"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Lorenz attractor discretization defaults.
const (
	DefaultDeltaT      = 0.02
	DefaultTaylorOrder = 5
	LorenzStateDim     = 3
)

// lorenzC is the constant part of the state-dependent Lorenz matrix A(x), for σ=10, ρ=28 and β=8/3.
var lorenzC = [][]float64{
	{-10, 10, 0},
	{28, -1, 0},
	{0, 0, -8.0 / 3.0},
}

// Lorenz is the discrete-time Lorenz attractor:
//
//	A(x) = C + B(x), with B[1][0] = -x₂ and B[2][0] = x₁
//	F(x) = I + Σ_{j=1..J} (A(x)·Δt)ʲ / j!
//	x' = F(x)·x
//
// The observation is linear, y = H·x, with H the identity by default, or the spherical
// coordinates of the state (see Spherical).
type Lorenz struct {
	// DeltaT is the sampling interval.
	DeltaT float64

	// TaylorOrder is the number of terms J of the matrix exponential approximation.
	TaylorOrder int

	obsDim int
	// h is the observation matrix, [obsDim, 3] row-major. Nil means identity.
	h         []float64
	spherical bool
}

var _ Model = (*Lorenz)(nil)

// NewLorenz returns the Lorenz model with identity observation and the default discretization.
func NewLorenz() *Lorenz {
	return &Lorenz{DeltaT: DefaultDeltaT, TaylorOrder: DefaultTaylorOrder, obsDim: LorenzStateDim}
}

// WithObservation sets a linear observation matrix h, shaped [obsDim, 3] and given row-major.
// It returns the model itself, so calls can be cascaded.
func (l *Lorenz) WithObservation(h []float64, obsDim int) *Lorenz {
	if obsDim <= 0 || len(h) != obsDim*LorenzStateDim {
		exceptions.Panicf("sysmodel.Lorenz: observation matrix must have %d×%d values, got %d", obsDim, LorenzStateDim, len(h))
	}
	l.h = append([]float64(nil), h...)
	l.obsDim = obsDim
	l.spherical = false
	return l
}

// WithSphericalObservation makes the observation nonlinear: y = (ρ, θ, φ), the spherical
// coordinates of the state. It returns the model itself, so calls can be cascaded.
func (l *Lorenz) WithSphericalObservation() *Lorenz {
	l.h = nil
	l.obsDim = LorenzStateDim
	l.spherical = true
	return l
}

// FromConfig creates the Lorenz model with the observation selected in cfg.
func FromConfig(cfg config.Config) (Model, error) {
	model := NewLorenz()
	switch cfg.Observation {
	case config.ObservationIdentity:
	case config.ObservationRotated:
		model.WithObservation(RotationMatrix(cfg.RotationDegrees), LorenzStateDim)
	case config.ObservationSpherical:
		model.WithSphericalObservation()
	default:
		return nil, errors.Wrapf(config.ErrConfigInvalid, "unknown observation model %q", cfg.Observation)
	}
	return model, nil
}

// StateDim implements Model.
func (l *Lorenz) StateDim() int { return LorenzStateDim }

// ObsDim implements Model.
func (l *Lorenz) ObsDim() int { return l.obsDim }

// String implements fmt.Stringer.
func (l *Lorenz) String() string {
	obs := "identity"
	switch {
	case l.spherical:
		obs = "spherical"
	case l.h != nil:
		obs = fmt.Sprintf("linear %dx%d", l.obsDim, LorenzStateDim)
	}
	return fmt.Sprintf("Lorenz(Δt=%g, J=%d, observation=%s)", l.DeltaT, l.TaylorOrder, obs)
}

// Transition implements Model.
func (l *Lorenz) Transition(x *Node) *Node {
	checkState(x, LorenzStateDim)
	g := x.Graph()
	dtype := x.DType()
	batchSize := x.Shape().Dimensions[0]
	dims := []int{batchSize, LorenzStateDim, LorenzStateDim}

	// State-dependent part of A(x).
	x1 := Reshape(Slice(x, AxisRange(), AxisElem(1)), batchSize, 1, 1)
	x2 := Reshape(Slice(x, AxisRange(), AxisElem(2)), batchSize, 1, 1)
	at10 := BroadcastToDims(ConstAsDType(g, dtype, oneHot3x3(1, 0)), dims...)
	at20 := BroadcastToDims(ConstAsDType(g, dtype, oneHot3x3(2, 0)), dims...)
	stateTerm := Add(
		Mul(BroadcastToDims(Neg(x2), dims...), at10),
		Mul(BroadcastToDims(x1, dims...), at20))
	a := Add(BroadcastToDims(ConstAsDType(g, dtype, [][][]float64{lorenzC}), dims...), stateTerm)
	aDt := MulScalar(a, l.DeltaT)

	// Taylor expansion of exp(A·Δt).
	f := BroadcastToDims(ConstAsDType(g, dtype, [][][]float64{identity(LorenzStateDim)}), dims...)
	term := f
	for j := 1; j <= l.TaylorOrder; j++ {
		term = DivScalar(Einsum("bij,bjk->bik", term, aDt), float64(j))
		f = Add(f, term)
	}
	return Einsum("bij,bj->bi", f, x)
}

// Observe implements Model.
func (l *Lorenz) Observe(x *Node) *Node {
	checkState(x, LorenzStateDim)
	if l.spherical {
		return Spherical(x)
	}
	if l.h == nil {
		return x
	}
	h := ConstAsDType(x.Graph(), x.DType(), l.h)
	h = Reshape(h, l.obsDim, LorenzStateDim)
	return Einsum("ij,bj->bi", h, x)
}

func checkState(x *Node, stateDim int) {
	if x.Rank() != 2 || x.Shape().Dimensions[1] != stateDim {
		exceptions.Panicf("sysmodel: states must be shaped [batchSize, %d], got %s", stateDim, x.Shape())
	}
}

func oneHot3x3(row, col int) [][][]float64 {
	m := [][]float64{make([]float64, 3), make([]float64, 3), make([]float64, 3)}
	m[row][col] = 1
	return [][][]float64{m}
}

func identity(dim int) [][]float64 {
	m := make([][]float64, dim)
	for i := range m {
		m[i] = make([]float64, dim)
		m[i][i] = 1
	}
	return m
}

// RotationMatrix returns Rx·Ry·Rz, the composition of rotations of the given angle (in degrees)
// around the three axes, row-major. It is used as a slightly mismatched linear observation.
func RotationMatrix(degrees float64) []float64 {
	rad := degrees * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	})
	ry := mat.NewDense(3, 3, []float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	})
	rz := mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
	var rxy, rot mat.Dense
	rxy.Mul(rx, ry)
	rot.Mul(&rxy, rz)
	return mat.DenseCopyOf(&rot).RawMatrix().Data
}
