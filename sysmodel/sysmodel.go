// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sysmodel defines the process and observation models the estimator filters, and implements
// the discrete-time Lorenz attractor.
//
// Models are expressed as graph functions, batch-vectorized over the leading axis and
// differentiable, so the estimator can be unrolled and trained end-to-end through them.
package sysmodel

import (
	. "github.com/gomlx/gomlx/graph"
)

// Model is a process (state-transition) model plus an observation model.
type Model interface {
	// StateDim is the dimension m of the state.
	StateDim() int

	// ObsDim is the dimension n of the observations.
	ObsDim() int

	// Transition maps states shaped [batchSize, m] to the predicted next states, also [batchSize, m].
	Transition(x *Node) *Node

	// Observe maps states shaped [batchSize, m] to the expected observations, shaped [batchSize, n].
	Observe(x *Node) *Node
}
