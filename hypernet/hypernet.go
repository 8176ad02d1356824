// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hypernet implements the hyper-network: a regressor from the noise regime descriptor
// (the "statistics of the world", SoW) to the flat weights vector consumed by the estimator.
//
// The regressor is a GoMLX FNN (default) or KAN, configured by context hyperparameters:
//
//   - "hypernet_type": "fnn" or "kan".
//   - "hypernet_output_scale": the output of the regressor is multiplied by it, to keep the
//     initial gains of the estimator small.
//   - fnn.ParamNumHiddenLayers, fnn.ParamNumHiddenNodes, "activation" for the FNN.
//   - kan.ParamNumHiddenLayers, kan.ParamNumHiddenNodes, kan.ParamBSplineNumControlPoints for the KAN.
//
// All variables are created under the scope "/hypernet" of the context.
package hypernet

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/kan"
	"github.com/gomlx/hknet/config"
	"github.com/gomlx/hknet/layout"
	"github.com/pkg/errors"
)

const (
	// Scope of the hyper-network variables in the context.
	Scope = "hypernet"

	// ParamType selects the regressor: TypeFNN or TypeKAN.
	ParamType = "hypernet_type"

	// ParamOutputScale multiplies the output of the regressor.
	ParamOutputScale = "hypernet_output_scale"

	TypeFNN = "fnn"
	TypeKAN = "kan"
)

// ValidTypes of hyper-network regressors.
var ValidTypes = []string{TypeFNN, TypeKAN}

// SetDefaultParams sets the default hyperparameters of the hyper-network in ctx, for the ones not yet set.
func SetDefaultParams(ctx *context.Context) {
	defaults := map[string]any{
		ParamType:                TypeFNN,
		ParamOutputScale:         0.1,
		fnn.ParamNumHiddenLayers: 2,
		fnn.ParamNumHiddenNodes:  128,
		kan.ParamNumHiddenLayers: 1,
		kan.ParamNumHiddenNodes:  16,
		"activation":             "relu",
	}
	for key, value := range defaults {
		if _, found := ctx.GetParam(key); !found {
			ctx.SetParam(key, value)
		}
	}
}

// HyperNetwork maps a regime descriptor to the flat weights of one layout. Create it with New.
type HyperNetwork struct {
	layout      *layout.Layout
	netType     string
	outputScale float64
}

// New creates the hyper-network for the given layout, reading its configuration from ctx.
// Its variables are created (or reused) under the "/hypernet" scope when Weights is first called in a graph.
func New(ctx *context.Context, l *layout.Layout) (*HyperNetwork, error) {
	netType := context.GetParamOr(ctx, ParamType, TypeFNN)
	if !slices.Contains(ValidTypes, netType) {
		return nil, errors.Wrapf(config.ErrConfigInvalid, "invalid %q=%q, valid values are %q", ParamType, netType, ValidTypes)
	}
	scale := context.GetParamOr(ctx, ParamOutputScale, 0.1)
	if scale <= 0 {
		return nil, errors.Wrapf(config.ErrConfigInvalid, "%q must be > 0, got %g", ParamOutputScale, scale)
	}
	return &HyperNetwork{
		layout:      l,
		netType:     netType,
		outputScale: scale,
	}, nil
}

// Layout of the weights produced.
func (h *HyperNetwork) Layout() *layout.Layout { return h.layout }

// Type of the regressor, TypeFNN or TypeKAN.
func (h *HyperNetwork) Type() string { return h.netType }

// Weights returns the flat weights for the regime descriptor sow, using the variables of ctx under
// the "/hypernet" scope.
//
// If sow is shaped [S] the output is shaped [W], where W = layout.TotalSize(). If sow is shaped [B, S]
// (a batch of descriptors) the output is shaped [B, W].
func (h *HyperNetwork) Weights(ctx *context.Context, sow *Node) *Node {
	ctx = ctx.InAbsPath("/" + Scope)
	var batched bool
	switch sow.Rank() {
	case 1:
		sow = Reshape(sow, 1, sow.Shape().Dimensions[0])
	case 2:
		batched = true
	default:
		exceptions.Panicf("hypernet.Weights: descriptor must be shaped [S] or [B, S], got %s", sow.Shape())
	}
	total := h.layout.TotalSize()
	var flat *Node
	if h.netType == TypeKAN {
		flat = kan.New(ctx.In(TypeKAN), sow, total).Done()
	} else {
		flat = fnn.New(ctx.In(TypeFNN), sow, total).Done()
	}
	flat = MulScalar(flat, h.outputScale)
	if !batched {
		flat = Reshape(flat, total)
	}
	return flat
}

// ResetHidden is a no-op: the feed-forward regressors keep no recurrent memory.
func (h *HyperNetwork) ResetHidden() {}

// NumParameters returns the number of scalar trainable parameters of the hyper-network in ctx.
// It is 0 before the variables are created by the first graph that calls Weights.
func NumParameters(ctx *context.Context) int {
	var count int
	ctx.InAbsPath("/"+Scope).EnumerateVariablesInScope(func(v *context.Variable) {
		if v.Trainable {
			count += v.Shape().Size()
		}
	})
	return count
}
