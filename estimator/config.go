// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/hknet/config"
	"github.com/gomlx/hknet/layout"
	"github.com/pkg/errors"
)

// ConfigFileName is the default name of the estimator configuration saved next to the
// hyper-network checkpoint.
const ConfigFileName = "estimator.json"

// Config of the estimator: everything needed to rebuild it, besides the weights (which come from
// the hyper-network) and the process/observation model.
type Config struct {
	Dims layout.Dims `json:"dims"`

	// PriorQ, PriorSigma and PriorS are the prior references of the recurrent tracks, flattened:
	// m×m, m×m and n×n values respectively.
	PriorQ     []float64 `json:"prior_q"`
	PriorSigma []float64 `json:"prior_sigma"`
	PriorS     []float64 `json:"prior_s"`
}

// NewConfig creates the estimator configuration from the run configuration, for a state dimension
// m and an observation dimension n.
func NewConfig(cfg config.Config, m, n int) (Config, error) {
	priorQ, priorSigma, priorS, err := cfg.Priors(m, n)
	if err != nil {
		return Config{}, err
	}
	c := Config{
		Dims:       layout.Dims{StateDim: m, ObsDim: n, InMult: cfg.InMult, OutMult: cfg.OutMult},
		PriorQ:     priorQ,
		PriorSigma: priorSigma,
		PriorS:     priorS,
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate the configuration. Errors wrap config.ErrConfigInvalid.
func (c Config) Validate() error {
	if err := c.Dims.Validate(); err != nil {
		return err
	}
	return c.validatePriors()
}

func (c Config) validatePriors() error {
	m, n := c.Dims.StateDim, c.Dims.ObsDim
	for _, p := range []struct {
		name   string
		values []float64
		size   int
	}{
		{"prior_q", c.PriorQ, m * m},
		{"prior_sigma", c.PriorSigma, m * m},
		{"prior_s", c.PriorS, n * n},
	} {
		if len(p.values) != p.size {
			return errors.Wrapf(config.ErrConfigInvalid, "estimator %s must have %d values, got %d", p.name, p.size, len(p.values))
		}
	}
	return nil
}

// Save writes the configuration as JSON to filePath, creating the directory if needed.
func (c Config) Save(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize estimator configuration")
	}
	if err := os.WriteFile(filePath, data, 0666); err != nil {
		return errors.Wrapf(err, "failed to write estimator configuration to %q", filePath)
	}
	return nil
}

// LoadConfig reads a configuration saved with Config.Save.
func LoadConfig(filePath string) (Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read estimator configuration from %q", filePath)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse estimator configuration in %q", filePath)
	}
	if err := c.Validate(); err != nil {
		return Config{}, errors.WithMessagef(err, "estimator configuration in %q", filePath)
	}
	return c, nil
}
