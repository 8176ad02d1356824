// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package estimator implements the recursive state estimator: a Kalman-like filter whose gain is
// computed, at every time step, by a small recurrent network whose weights are supplied from the
// outside (by the hyper-network) rather than owned by the estimator.
//
// The computation is split in two:
//
//   - Step is a pure graph function: (memory, observation, weights) → (new memory, posterior).
//   - Filter owns one Memory and implements the reset/step state machine on top of Step.
//
// Everything here builds graph nodes: a Filter is created while building a computation graph
// (inside a graph or context executor function), and its memory lives in that graph.
package estimator

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/hknet/config"
	"github.com/gomlx/hknet/layout"
	"github.com/gomlx/hknet/sysmodel"
	"github.com/pkg/errors"
)

// State of the Filter state machine.
type State int

const (
	// Uninitialized is the state of a new Filter: Step can't be called before Reset.
	Uninitialized State = iota

	// Ready is the state after Reset.
	Ready
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Ready:
		return "Ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Filter is the stateful recursive estimator. Create it with New.
type Filter struct {
	config Config
	layout *layout.Layout
	model  sysmodel.Model

	state     State
	memory    Memory
	batchSize int
	dtype     dtypes.DType
}

// New creates a Filter for the given configuration and process/observation model.
// The model dimensions must match cfg.Dims.
func New(cfg Config, model sysmodel.Model) (*Filter, error) {
	l, err := layout.New(cfg.Dims)
	if err != nil {
		return nil, err
	}
	if err := cfg.validatePriors(); err != nil {
		return nil, err
	}
	if err := checkModel(cfg.Dims, model); err != nil {
		return nil, err
	}
	return &Filter{config: cfg, layout: l, model: model}, nil
}

func checkModel(dims layout.Dims, model sysmodel.Model) error {
	if model.StateDim() != dims.StateDim || model.ObsDim() != dims.ObsDim {
		return errors.Wrapf(config.ErrConfigInvalid, "model dimensions (m=%d, n=%d) don't match the estimator's (m=%d, n=%d)",
			model.StateDim(), model.ObsDim(), dims.StateDim, dims.ObsDim)
	}
	return nil
}

// Config returns the configuration of the filter.
func (f *Filter) Config() Config { return f.config }

// Layout returns the weights layout the filter consumes.
func (f *Filter) Layout() *layout.Layout { return f.layout }

// Model currently used by the filter.
func (f *Filter) Model() sysmodel.Model { return f.model }

// State of the filter.
func (f *Filter) State() State { return f.state }

// BatchSize set by the last Reset. It is 0 before Reset.
func (f *Filter) BatchSize() int { return f.batchSize }

// Memory returns the current recurrent memory.
func (f *Filter) Memory() Memory { return f.memory }

// UpdateModel swaps the process/observation model. The memory is not touched.
// It panics if the dimensions of the new model don't match: the weights layout depends on them.
func (f *Filter) UpdateModel(model sysmodel.Model) {
	if err := checkModel(f.config.Dims, model); err != nil {
		panic(err)
	}
	f.model = model
}

// Reset starts a new batch of sequences with the initial state estimate x0, shaped [batchSize, m].
//
// The posterior, previous posterior and previous prior are set to x0, the previous observation to
// h(x0), and the recurrent memories to their prior references (see ResetHidden).
// The filter becomes Ready, for the batch size of x0.
func (f *Filter) Reset(x0 *Node) {
	m := f.config.Dims.StateDim
	if x0.Rank() != 2 || x0.Shape().Dimensions[1] != m {
		exceptions.Panicf("estimator.Reset: initial state must be shaped [batchSize, %d], got %s", m, x0.Shape())
	}
	f.batchSize = x0.Shape().Dimensions[0]
	f.dtype = x0.DType()
	f.memory = Memory{
		Posterior:       x0,
		PrevPosterior:   x0,
		PrevPrior:       x0,
		PrevObservation: f.model.Observe(x0),
	}
	f.resetHidden(x0.Graph())
	f.state = Ready
}

// ResetHidden re-broadcasts the prior references of the three recurrent tracks (Q, Sigma and S) to
// the hidden memories and zeroes their cells, without touching the state estimates.
//
// It uses the graph and batch size of the last Reset, and panics if Reset was never called.
func (f *Filter) ResetHidden() {
	if f.memory.Posterior == nil {
		exceptions.Panicf("estimator.ResetHidden called before Reset: batch size is not known")
	}
	f.resetHidden(f.memory.Posterior.Graph())
}

func (f *Filter) resetHidden(g *Graph) {
	f.memory.Q = priorTrack(g, f.dtype, f.config.PriorQ, f.batchSize)
	f.memory.Sigma = priorTrack(g, f.dtype, f.config.PriorSigma, f.batchSize)
	f.memory.S = priorTrack(g, f.dtype, f.config.PriorS, f.batchSize)
}

// priorTrack broadcasts a flattened prior to the batch for the hidden memory, with a zero cell.
func priorTrack(g *Graph, dtype dtypes.DType, prior []float64, batchSize int) Track {
	hidden := Reshape(ConstAsDType(g, dtype, prior), 1, len(prior))
	hidden = BroadcastToDims(hidden, batchSize, len(prior))
	return Track{Hidden: hidden, Cell: ZerosLike(hidden)}
}

// Step runs one time step with observation y, shaped [batchSize, n], and the flat weights vector
// produced by the hyper-network, shaped [layout.TotalSize()]. It returns the new posterior,
// shaped [batchSize, m].
//
// It panics if the filter is not Ready, or if the batch size differs from the one given to Reset.
func (f *Filter) Step(y, flatWeights *Node) *Node {
	return f.StepWithWeights(y, f.layout.Slice(flatWeights))
}

// StepWithWeights is like Step, but takes weights already sliced by the layout. Use it to slice
// once and reuse the weights at every step of an unroll.
func (f *Filter) StepWithWeights(y *Node, w layout.Weights) *Node {
	if f.state != Ready {
		exceptions.Panicf("estimator.Step called in state %s: Reset must be called first", f.state)
	}
	if w.Layout().TotalSize() != f.layout.TotalSize() {
		exceptions.Panicf("estimator.Step: weights for a layout of %d elements, the filter requires %d",
			w.Layout().TotalSize(), f.layout.TotalSize())
	}
	n := f.config.Dims.ObsDim
	if y.Rank() != 2 || y.Shape().Dimensions[1] != n {
		exceptions.Panicf("estimator.Step: observation must be shaped [batchSize, %d], got %s", n, y.Shape())
	}
	if y.Shape().Dimensions[0] != f.batchSize {
		panic(errors.Wrapf(config.ErrBatchSize, "estimator.Step: observation batch size %d, but filter was reset with %d",
			y.Shape().Dimensions[0], f.batchSize))
	}
	var posterior *Node
	f.memory, posterior = Step(f.model, f.memory, y, w)
	return posterior
}

// Unroll resets the filter with x0 ([batchSize, m]) and runs one step per time step of the
// observations y ([batchSize, n, T]), with the same weights at every step.
// It returns the posteriors stacked on the last axis: [batchSize, m, T].
func (f *Filter) Unroll(y, x0, flatWeights *Node) *Node {
	if y.Rank() != 3 {
		exceptions.Panicf("estimator.Unroll: observations must be shaped [batchSize, n, T], got %s", y.Shape())
	}
	f.Reset(x0)
	w := f.layout.Slice(flatWeights)
	batchSize, n, numSteps := y.Shape().Dimensions[0], y.Shape().Dimensions[1], y.Shape().Dimensions[2]
	posteriors := make([]*Node, numSteps)
	for t := range numSteps {
		yt := Reshape(Slice(y, AxisRange(), AxisRange(), AxisElem(t)), batchSize, n)
		posteriors[t] = f.StepWithWeights(yt, w)
	}
	return Stack(posteriors, 2)
}
