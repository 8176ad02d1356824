// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hypernet

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/kan"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/hknet/config"
	"github.com/gomlx/hknet/layout"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func smallLayout() *layout.Layout {
	return layout.MustNew(layout.Dims{StateDim: 2, ObsDim: 3, InMult: 1, OutMult: 1})
}

func newTestContext(netType string) *context.Context {
	ctx := context.New()
	ctx.SetParam(ParamType, netType)
	SetDefaultParams(ctx)
	ctx.SetParam(kan.ParamNumHiddenLayers, 0)
	return ctx
}

func TestWeightsShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	l := smallLayout()
	for _, netType := range ValidTypes {
		t.Run(netType, func(t *testing.T) {
			ctx := newTestContext(netType)
			exec := context.NewExec(backend, ctx.Checked(false), func(ctx *context.Context, single, batch *Node) []*Node {
				h, err := New(ctx, l)
				require.NoError(t, err)
				return []*Node{h.Weights(ctx, single), h.Weights(ctx, batch)}
			})
			outputs := exec.Call([]float32{0, 0, 1, 0.1}, [][]float32{{0, 0, 1, 0.1}, {0, 0, 1, 0.9}})
			require.Equal(t, []int{l.TotalSize()}, outputs[0].Shape().Dimensions)
			require.Equal(t, []int{2, l.TotalSize()}, outputs[1].Shape().Dimensions)

			// The single descriptor and the first of the batch use the same variables.
			single := tensors.CopyFlatData[float32](outputs[0])
			batch := tensors.CopyFlatData[float32](outputs[1])
			assert.InDeltaSlice(t, single, batch[:l.TotalSize()], 1e-5)
			assert.NotEqual(t, batch[:l.TotalSize()], batch[l.TotalSize():], "different regimes must map to different weights")
			assert.Greater(t, NumParameters(ctx), l.TotalSize())
		})
	}
}

func TestNumParametersBeforeBuild(t *testing.T) {
	assert.Equal(t, 0, NumParameters(newTestContext(TypeFNN)))
}

func TestInvalidConfiguration(t *testing.T) {
	ctx := newTestContext("transformer")
	_, err := New(ctx, smallLayout())
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfigInvalid))

	ctx = newTestContext(TypeFNN)
	ctx.SetParam(ParamOutputScale, 0.0)
	_, err = New(ctx, smallLayout())
	assert.True(t, errors.Is(err, config.ErrConfigInvalid))
}
