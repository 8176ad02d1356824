// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContextDefaults(t *testing.T) {
	ctx := CreateDefaultContext()
	cfg, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.NumTrain)
	assert.Equal(t, 100, cfg.NumValidation)
	assert.Equal(t, 200, cfg.NumTest)
	assert.Equal(t, 20, cfg.SeqLen)
	assert.Equal(t, 40, cfg.InMult)
	assert.Equal(t, 5, cfg.OutMult)
	assert.True(t, cfg.CompositionLoss)
	assert.Equal(t, 7, cfg.NumRegimes())
	assert.Equal(t, []float64{0, 0, 1, 0.4}, cfg.Descriptor(1))
	assert.Equal(t, []int{0, 1, 2, 3}, cfg.TrainRegimes)
}

func TestFromContextInvalid(t *testing.T) {
	testCases := []struct {
		name  string
		param string
		value any
		want  error
	}{
		{"batch larger than pool", ParamBatchSize, 5000, ErrBatchSize},
		{"zero sequence length", ParamSeqLen, 0, ErrConfigInvalid},
		{"alpha out of range", ParamCompositionAlpha, 1.5, ErrConfigInvalid},
		{"regime lists differ", ParamRegimeQ2, []float64{0.1}, ErrConfigInvalid},
		{"regime index out of range", ParamTestRegimes, []int{0, 9}, ErrConfigInvalid},
		{"unknown observation", ParamObservation, "polar", ErrConfigInvalid},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := CreateDefaultContext()
			ctx.SetParam(tc.param, tc.value)
			_, err := FromContext(ctx)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestParamNames(t *testing.T) {
	// The optimizer reads its learning rate from the same hyperparameter.
	assert.Equal(t, optimizers.ParamLearningRate, ParamLearningRate)
	ctx := CreateDefaultContext()
	ctx.SetParam(optimizers.ParamLearningRate, 0.01)
	cfg, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.01, cfg.LearningRate)

	ctx.SetParam(ParamObservation, ObservationSpherical)
	cfg, err = FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, ObservationSpherical, cfg.Observation)
}

func TestConfigIsFrozen(t *testing.T) {
	ctx := CreateDefaultContext()
	cfg, err := FromContext(ctx)
	require.NoError(t, err)
	cfg.RegimeQ2[0] = 100
	again, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.1, again.RegimeQ2[0])
}

func TestPriors(t *testing.T) {
	cfg, err := FromContext(CreateDefaultContext())
	require.NoError(t, err)
	priorQ, priorSigma, priorS, err := cfg.Priors(2, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 0, 1}, priorQ)
	assert.Equal(t, []float64{0, 0, 0, 0}, priorSigma)
	assert.Equal(t, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, priorS)

	cfg.PriorSigma = []float64{1, 2, 3}
	_, _, _, err = cfg.Priors(2, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigInvalid))
}

func TestAcceleratorUnavailable(t *testing.T) {
	assert.True(t, IsAcceleratorConfig("xla:cuda"))
	assert.True(t, IsAcceleratorConfig("XLA:TPU"))
	assert.False(t, IsAcceleratorConfig("xla:cpu"))
	assert.False(t, IsAcceleratorConfig("go"))

	cfg, err := FromContext(CreateDefaultContext())
	require.NoError(t, err)
	cfg.UseAccelerator = true
	cfg.Backend = "xla:cpu"
	_, err = NewBackend(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAcceleratorUnavailable))
}
