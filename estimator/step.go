// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/hknet/layout"
	"github.com/gomlx/hknet/sysmodel"
)

// NormalizationEpsilon guards the L2 normalization of the difference features: vectors with a
// smaller norm are divided by NormalizationEpsilon instead, so a zero vector normalizes to zero.
const NormalizationEpsilon = 1e-12

// Track is the (hidden, cell) memory of one recurrent track, each shaped [batchSize, H].
type Track struct {
	Hidden, Cell *Node
}

// Memory is the recurrent memory of the estimator. All nodes have batchSize as the leading axis.
type Memory struct {
	// Posterior is the latest state estimate, [batchSize, m].
	Posterior *Node
	// PrevPosterior is the estimate before Posterior, [batchSize, m].
	PrevPosterior *Node
	// PrevPrior is the latest predicted (prior) state, [batchSize, m].
	PrevPrior *Node
	// PrevObservation is the latest observation, [batchSize, n].
	PrevObservation *Node

	// Q, Sigma and S are the three recurrent tracks of the gain network.
	Q, Sigma, S Track
}

// BatchSize of the memory.
func (m Memory) BatchSize() int {
	return m.Posterior.Shape().Dimensions[0]
}

// Step is the pure form of one estimator time step: given the memory, the new observation y
// ([batchSize, n]) and the gain network weights, it returns the updated memory and the new
// posterior ([batchSize, m]).
//
// The algorithm:
//
//  1. prior = f(posterior), ŷ = h(prior).
//  2. Four normalized difference features: y-y_prev, y-ŷ, posterior-posterior_prev and
//     posterior-prior_prev.
//  3. The gain network, forward flow and backward (correction) flow.
//  4. posterior' = prior + K·(y-ŷ), with K the gain reshaped to [batchSize, m, n].
func Step(model sysmodel.Model, mem Memory, y *Node, w layout.Weights) (Memory, *Node) {
	dims := w.Layout().Dims()
	batchSize := y.Shape().Dimensions[0]

	// Predict.
	prior := model.Transition(mem.Posterior)
	predictedObs := model.Observe(prior)

	// Features.
	obsDiff := Normalize(Sub(y, mem.PrevObservation))
	innovDiff := Normalize(Sub(y, predictedObs))
	evolDiff := Normalize(Sub(mem.Posterior, mem.PrevPosterior))
	updateDiff := Normalize(Sub(mem.Posterior, mem.PrevPrior))

	rawGain, next := gainNetwork(mem, w, obsDiff, innovDiff, evolDiff, updateDiff)

	// Correct.
	gain := Reshape(rawGain, batchSize, dims.StateDim, dims.ObsDim)
	innovation := Sub(y, predictedObs)
	posterior := Add(prior, Einsum("bmn,bn->bm", gain, innovation))

	next.PrevPosterior = mem.Posterior
	next.Posterior = posterior
	next.PrevPrior = prior
	next.PrevObservation = y
	return next, posterior
}

// gainNetwork runs the ten blocks of the gain network and returns the raw gain ([batchSize, m·n])
// and a copy of mem with the updated recurrent tracks.
func gainNetwork(mem Memory, w layout.Weights, obsDiff, innovDiff, evolDiff, updateDiff *Node) (*Node, Memory) {
	next := mem

	// Forward flow.
	outFC5 := denseRelu(w, layout.FC5, evolDiff)
	next.Q = lstmStep(w.Recurrent(layout.TrackQ), outFC5, mem.Q)

	outFC6 := denseRelu(w, layout.FC6, updateDiff)
	next.Sigma = lstmStep(w.Recurrent(layout.TrackSigma), Concatenate([]*Node{next.Q.Hidden, outFC6}, 1), mem.Sigma)

	outFC1 := denseRelu(w, layout.FC1, next.Sigma.Hidden)
	outFC7 := denseRelu(w, layout.FC7, Concatenate([]*Node{obsDiff, innovDiff}, 1))
	next.S = lstmStep(w.Recurrent(layout.TrackS), Concatenate([]*Node{outFC1, outFC7}, 1), mem.S)

	kernel1, bias1, kernel2, bias2 := w.Dense2(layout.FC2)
	outFC2 := activations.Relu(dense(Concatenate([]*Node{next.Sigma.Hidden, next.S.Hidden}, 1), kernel1, bias1))
	outFC2 = dense(outFC2, kernel2, bias2)

	// Backward flow.
	outFC3 := denseRelu(w, layout.FC3, Concatenate([]*Node{next.S.Hidden, outFC2}, 1))
	outFC4 := denseRelu(w, layout.FC4, Concatenate([]*Node{next.Sigma.Hidden, outFC3}, 1))

	// FC4 output replaces the cell of the Sigma track, not its hidden output.
	next.Sigma.Cell = outFC4
	return outFC2, next
}

// dense applies x·kernelᵀ + bias, with x shaped [batchSize, in], kernel [out, in] and bias [out].
func dense(x, kernel, bias *Node) *Node {
	out := Einsum("bi,oi->bo", x, kernel)
	return Add(out, Reshape(bias, 1, bias.Shape().Dimensions[0]))
}

func denseRelu(w layout.Weights, name string, x *Node) *Node {
	kernel, bias := w.Dense(name)
	return activations.Relu(dense(x, kernel, bias))
}

// lstmStep is one step of a four-gate recurrent cell, with the gates ordered input, forget,
// cell candidate and output:
//
//	gates = x·W_ihᵀ + b_ih + h·W_hhᵀ + b_hh
//	c' = σ(f)·c + σ(i)·tanh(g)
//	h' = σ(o)·tanh(c')
func lstmStep(w layout.RecurrentWeights, x *Node, track Track) Track {
	gates := Add(dense(x, w.InputKernel, w.InputBias), dense(track.Hidden, w.HiddenKernel, w.HiddenBias))
	hiddenDim := track.Hidden.Shape().Dimensions[1]
	gate := func(idx int) *Node {
		return Slice(gates, AxisRange(), AxisRange(idx*hiddenDim, (idx+1)*hiddenDim))
	}
	inputGate := Logistic(gate(0))
	forgetGate := Logistic(gate(1))
	candidate := Tanh(gate(2))
	outputGate := Logistic(gate(3))
	cell := Add(Mul(forgetGate, track.Cell), Mul(inputGate, candidate))
	return Track{
		Hidden: Mul(outputGate, Tanh(cell)),
		Cell:   cell,
	}
}

// Normalize divides each row of x ([batchSize, k]) by its L2 norm, or by NormalizationEpsilon if
// the norm is smaller. A zero row normalizes to zero, and the gradient stays finite.
func Normalize(x *Node) *Node {
	lastAxis := x.Rank() - 1
	sumSquares := ReduceAndKeep(Square(x), ReduceSum, lastAxis)
	norm := Sqrt(MaxScalar(sumSquares, NormalizationEpsilon*NormalizationEpsilon))
	return Div(x, norm)
}
