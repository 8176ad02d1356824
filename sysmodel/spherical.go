// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sysmodel

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
)

// sphericalEpsilon bounds the squared norms before square roots and divisions, so the origin and the
// z axis have finite values and gradients.
const sphericalEpsilon = 1e-12

// atanCoefficients of the odd minimax polynomial for atan(a), a ∈ [0, 1], with |error| < 1.2e-5
// (Abramowitz & Stegun 4.4.49), lowest order first.
var atanCoefficients = []float64{0.9998660, -0.3302995, 0.1801410, -0.0851330, 0.0208351}

// Spherical maps Cartesian states [batchSize, 3] to spherical coordinates [batchSize, 3]:
// the radius ρ, the polar angle θ ∈ [0, π] measured from the z axis, and the azimuth φ ∈ [0, 2π).
func Spherical(x *Node) *Node {
	checkState(x, LorenzStateDim)
	x0 := Slice(x, AxisRange(), AxisElem(0))
	x1 := Slice(x, AxisRange(), AxisElem(1))
	x2 := Slice(x, AxisRange(), AxisElem(2))
	planar := Add(Square(x0), Square(x1))
	rho := Sqrt(MaxScalar(Add(planar, Square(x2)), sphericalEpsilon))
	theta := atan2(Sqrt(MaxScalar(planar, sphericalEpsilon)), x2)
	phi := atan2(x1, x0)
	phi = Where(LessThan(phi, ZerosLike(phi)), AddScalar(phi, 2*math.Pi), phi)
	return Concatenate([]*Node{rho, theta, phi}, 1)
}

// atan2 returns the angle of (x, y) in (-π, π], built from elementwise operations only.
func atan2(y, x *Node) *Node {
	absX, absY := Abs(x), Abs(y)
	a := Div(Min(absX, absY), MaxScalar(Max(absX, absY), sphericalEpsilon))
	a2 := Square(a)
	poly := MulScalar(a2, atanCoefficients[len(atanCoefficients)-1])
	for ii := len(atanCoefficients) - 2; ii >= 1; ii-- {
		poly = Mul(AddScalar(poly, atanCoefficients[ii]), a2)
	}
	angle := Mul(a, AddScalar(poly, atanCoefficients[0]))

	// Unfold the first octant.
	angle = Where(GreaterThan(absY, absX), AddScalar(Neg(angle), math.Pi/2), angle)
	zeros := ZerosLike(x)
	angle = Where(LessThan(x, zeros), AddScalar(Neg(angle), math.Pi), angle)
	return Where(LessThan(y, zeros), Neg(angle), angle)
}
