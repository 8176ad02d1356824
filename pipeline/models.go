// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/gomlx/hknet/config"
	"github.com/gomlx/hknet/dataset"
	"github.com/gomlx/hknet/sysmodel"
	"github.com/pkg/errors"
)

// RegimeModels returns the system model of a regime. The estimator switches to it (Filter.UpdateModel)
// before unrolling the sequences of the regime.
//
// It must always return the same model for the same regime, and all models must share their dimensions.
type RegimeModels func(regime dataset.Regime) sysmodel.Model

// SameModel uses model for every regime.
func SameModel(model sysmodel.Model) RegimeModels {
	return func(dataset.Regime) sysmodel.Model { return model }
}

// checkModel verifies the model of the regime matches the dataset dimensions.
func checkModel(dims dataset.Dims, models RegimeModels, regime dataset.Regime) error {
	model := models(regime)
	if model == nil {
		return errors.Wrapf(config.ErrConfigInvalid, "no system model for regime %s", regime.Key())
	}
	if dims.StateDim != model.StateDim() || dims.ObsDim != model.ObsDim() {
		return errors.Wrapf(config.ErrConfigInvalid, "datasets have m=%d, n=%d but model %s of regime %s has m=%d, n=%d",
			dims.StateDim, dims.ObsDim, model, regime.Key(), model.StateDim(), model.ObsDim())
	}
	return nil
}
