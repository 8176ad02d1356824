// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/hknet/sysmodel"
)

// StateMask returns the mask of the state coordinates included in the loss: all of them, or only
// the first one if firstOnly is set.
func StateMask(stateDim int, firstOnly bool) []bool {
	mask := make([]bool, stateDim)
	for ii := range mask {
		mask[ii] = !firstOnly || ii == 0
	}
	return mask
}

// PerSequenceMSE returns the mean squared error of each sequence, shaped [B].
//
// estimate and target are shaped [B, d, T]. stateMask has d values and selects the coordinates
// included (nil includes all). lengthMask is optional: a boolean [B, T] selecting the valid time steps of
// each sequence. Each sequence is averaged over its own number of valid elements.
func PerSequenceMSE(estimate, target *Node, stateMask []bool, lengthMask *Node) *Node {
	if !estimate.Shape().Equal(target.Shape()) || estimate.Rank() != 3 {
		exceptions.Panicf("PerSequenceMSE: estimate and target must have the same shape [B, d, T], got %s and %s",
			estimate.Shape(), target.Shape())
	}
	g := estimate.Graph()
	dtype := estimate.DType()
	batchSize, dim, numSteps := estimate.Shape().Dimensions[0], estimate.Shape().Dimensions[1], estimate.Shape().Dimensions[2]

	weights := OnesLike(estimate)
	if stateMask != nil {
		if len(stateMask) != dim {
			exceptions.Panicf("PerSequenceMSE: state mask has %d values, but estimates have dimension %d", len(stateMask), dim)
		}
		coords := make([]float64, dim)
		for ii, selected := range stateMask {
			if selected {
				coords[ii] = 1
			}
		}
		weights = Mul(weights, Reshape(ConstAsDType(g, dtype, coords), 1, dim, 1))
	}
	if lengthMask != nil {
		lengthMask.AssertDims(batchSize, numSteps)
		steps := Reshape(ConvertDType(lengthMask, dtype), batchSize, 1, numSteps)
		weights = Mul(weights, steps)
	}
	sumSquares := ReduceSum(Mul(Square(Sub(estimate, target)), weights), 1, 2)
	count := MaxScalar(ReduceSum(weights, 1, 2), 1)
	return Div(sumSquares, count)
}

// MSELoss is the mean over the batch of PerSequenceMSE.
func MSELoss(estimate, target *Node, stateMask []bool, lengthMask *Node) *Node {
	return ReduceAllMean(PerSequenceMSE(estimate, target, stateMask, lengthMask))
}

// ObserveSequence applies the observation model to the estimates [B, m, T], returning [B, n, T].
func ObserveSequence(model sysmodel.Model, estimate *Node) *Node {
	batchSize, m, numSteps := estimate.Shape().Dimensions[0], estimate.Shape().Dimensions[1], estimate.Shape().Dimensions[2]
	x := Reshape(Transpose(estimate, 1, 2), batchSize*numSteps, m)
	y := model.Observe(x)
	n := y.Shape().Dimensions[1]
	return Transpose(Reshape(y, batchSize, numSteps, n), 1, 2)
}

// CompositeLoss mixes the state error with the error of the re-observed estimates:
// alpha·MSE(x̂, x) + (1-alpha)·MSE(h(x̂), y).
//
// The state mask is applied to the observation term only when the observations have the same
// dimension as the state.
func CompositeLoss(model sysmodel.Model, estimate, target, observations *Node, stateMask []bool, lengthMask *Node, alpha float64) *Node {
	stateLoss := MSELoss(estimate, target, stateMask, lengthMask)
	obsMask := observationMask(model.StateDim(), model.ObsDim(), stateMask)
	obsLoss := MSELoss(ObserveSequence(model, estimate), observations, obsMask, lengthMask)
	return mixLosses(stateLoss, obsLoss, alpha)
}

func observationMask(stateDim, obsDim int, stateMask []bool) []bool {
	if obsDim == stateDim {
		return stateMask
	}
	return nil
}

func mixLosses(stateLoss, obsLoss *Node, alpha float64) *Node {
	return Add(MulScalar(stateLoss, alpha), MulScalar(obsLoss, 1-alpha))
}

// Decibels converts a mean squared error to dB: 10·log10(mse).
func Decibels(mse float64) float64 { return 10 * math.Log10(mse) }
