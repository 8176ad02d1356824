// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the hyperparameters of a hknet run.
//
// Hyperparameters are stored in a GoMLX context.Context, so they can be set from the command line
// with "-set" (see commandline.ParseContextSettings) and are saved along with checkpoints.
// FromContext validates them and freezes their values into a Config, which is what every other
// component receives.
package config

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// Hyperparameter names.
const (
	ParamNumTrain         = "num_train"
	ParamNumValidation    = "num_validation"
	ParamNumTest          = "num_test"
	ParamSeqLen           = "seq_len"
	ParamTestSeqLen       = "test_seq_len"
	ParamNumSteps         = "num_steps"
	ParamBatchSize        = "batch_size"
	ParamLearningRate     = "learning_rate"
	ParamWeightDecay      = "weight_decay"
	ParamInMult           = "in_mult"
	ParamOutMult          = "out_mult"
	ParamCompositionLoss  = "composition_loss"
	ParamCompositionAlpha = "composition_alpha"
	ParamRandomLength     = "random_length"
	ParamRandomLengthMin  = "random_length_min"
	ParamMaskOnState      = "mask_on_state"
	ParamUseAccelerator   = "use_accelerator"
	ParamBackend          = "backend"
	ParamRegimeR2         = "regime_r2"
	ParamRegimeQ2         = "regime_q2"
	ParamTrainRegimes     = "train_regimes"
	ParamTestRegimes      = "test_regimes"
	ParamPriorQ           = "prior_q"
	ParamPriorSigma       = "prior_sigma"
	ParamPriorS           = "prior_s"
	ParamObservation      = "observation"
	ParamRotationDegrees  = "rotation_degrees"
	ParamSeed             = "seed"
	ParamTracking         = "tracking"
)

// Observation model names accepted by ParamObservation.
const (
	ObservationIdentity  = "identity"
	ObservationRotated   = "rotated"
	ObservationSpherical = "spherical"
)

// CreateDefaultContext returns a context with the default hyperparameters: the values of the reference
// Lorenz-attractor experiment.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		// Dataset sizes: number of sequences per regime for training, validation and test.
		ParamNumTrain:      1000,
		ParamNumValidation: 100,
		ParamNumTest:       200,

		// Sequence lengths (number of time steps) for train/validation and for test.
		ParamSeqLen:     20,
		ParamTestSeqLen: 20,

		// num_steps is the number of training epochs: each one does one update per training regime.
		ParamNumSteps:  2000,
		ParamBatchSize: 100,

		ParamLearningRate: 1e-4,
		ParamWeightDecay:  1e-4,

		// Width multipliers of the estimator's gain network.
		ParamInMult:  40,
		ParamOutMult: 5,

		// composition_loss mixes the state error with the error of the re-observed estimate:
		// alpha*MSE(x̂,x) + (1-alpha)*MSE(h(x̂),y).
		ParamCompositionLoss:  true,
		ParamCompositionAlpha: 0.5,

		// random_length uses per-sequence valid-length masks. Generated sequences have lengths
		// uniformly drawn from [random_length_min, seq_len].
		ParamRandomLength:    false,
		ParamRandomLengthMin: 10,

		// mask_on_state restricts the loss to the first state coordinate.
		ParamMaskOnState: false,

		// use_accelerator requires a GPU/TPU backend: the run aborts if none is available.
		ParamUseAccelerator: false,
		// backend configuration, e.g. "xla:cpu" or "xla:cuda". Empty uses the default backend.
		ParamBackend: "",

		// Noise regimes: measurement noise variance r² and process noise variance q², one entry per regime.
		ParamRegimeR2:     []float64{1, 1, 1, 1, 1, 1, 1},
		ParamRegimeQ2:     []float64{0.1, 0.4, 0.7, 1, 0.15, 0.55, 0.9},
		ParamTrainRegimes: []int{0, 1, 2, 3},
		ParamTestRegimes:  []int{0, 1, 2, 3, 4, 5, 6},

		// Prior reference values of the recurrent tracks, flattened row-major. Empty means identity
		// for prior_q and prior_s and zeros for prior_sigma.
		ParamPriorQ:     []float64{},
		ParamPriorSigma: []float64{},
		ParamPriorS:     []float64{},

		// Observation model of the Lorenz process: "identity", "rotated" or "spherical".
		ParamObservation:     ObservationIdentity,
		ParamRotationDegrees: 1.0,

		ParamSeed: 42,

		// tracking sinks, comma separated: "log", "csv" or "none".
		ParamTracking: "log",
	})
	return ctx
}

// Config is the frozen set of hyperparameters of a run. It is passed by value and never modified
// after FromContext returns it.
type Config struct {
	NumTrain, NumValidation, NumTest int
	SeqLen, TestSeqLen               int

	NumSteps, BatchSize       int
	LearningRate, WeightDecay float64

	InMult, OutMult int

	CompositionLoss  bool
	CompositionAlpha float64

	RandomLength    bool
	RandomLengthMin int
	MaskOnState     bool

	UseAccelerator bool
	Backend        string

	RegimeR2, RegimeQ2        []float64
	TrainRegimes, TestRegimes []int

	PriorQ, PriorSigma, PriorS []float64

	Observation     string
	RotationDegrees float64

	Seed     int
	Tracking string
}

// FromContext reads the hyperparameters from ctx and validates them.
// Errors wrap ErrConfigInvalid or ErrBatchSize.
func FromContext(ctx *context.Context) (Config, error) {
	cfg := Config{
		NumTrain:         context.GetParamOr(ctx, ParamNumTrain, 1000),
		NumValidation:    context.GetParamOr(ctx, ParamNumValidation, 100),
		NumTest:          context.GetParamOr(ctx, ParamNumTest, 200),
		SeqLen:           context.GetParamOr(ctx, ParamSeqLen, 20),
		TestSeqLen:       context.GetParamOr(ctx, ParamTestSeqLen, 20),
		NumSteps:         context.GetParamOr(ctx, ParamNumSteps, 2000),
		BatchSize:        context.GetParamOr(ctx, ParamBatchSize, 100),
		LearningRate:     context.GetParamOr(ctx, ParamLearningRate, 1e-4),
		WeightDecay:      context.GetParamOr(ctx, ParamWeightDecay, 1e-4),
		InMult:           context.GetParamOr(ctx, ParamInMult, 40),
		OutMult:          context.GetParamOr(ctx, ParamOutMult, 5),
		CompositionLoss:  context.GetParamOr(ctx, ParamCompositionLoss, true),
		CompositionAlpha: context.GetParamOr(ctx, ParamCompositionAlpha, 0.5),
		RandomLength:     context.GetParamOr(ctx, ParamRandomLength, false),
		RandomLengthMin:  context.GetParamOr(ctx, ParamRandomLengthMin, 10),
		MaskOnState:      context.GetParamOr(ctx, ParamMaskOnState, false),
		UseAccelerator:   context.GetParamOr(ctx, ParamUseAccelerator, false),
		Backend:          context.GetParamOr(ctx, ParamBackend, ""),
		RegimeR2:         slices.Clone(context.GetParamOr(ctx, ParamRegimeR2, []float64{})),
		RegimeQ2:         slices.Clone(context.GetParamOr(ctx, ParamRegimeQ2, []float64{})),
		TrainRegimes:     slices.Clone(context.GetParamOr(ctx, ParamTrainRegimes, []int{})),
		TestRegimes:      slices.Clone(context.GetParamOr(ctx, ParamTestRegimes, []int{})),
		PriorQ:           slices.Clone(context.GetParamOr(ctx, ParamPriorQ, []float64{})),
		PriorSigma:       slices.Clone(context.GetParamOr(ctx, ParamPriorSigma, []float64{})),
		PriorS:           slices.Clone(context.GetParamOr(ctx, ParamPriorS, []float64{})),
		Observation:      context.GetParamOr(ctx, ParamObservation, ObservationIdentity),
		RotationDegrees:  context.GetParamOr(ctx, ParamRotationDegrees, 1.0),
		Seed:             context.GetParamOr(ctx, ParamSeed, 42),
		Tracking:         context.GetParamOr(ctx, ParamTracking, "log"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the consistency of the configuration.
func (cfg Config) Validate() error {
	positives := []struct {
		name  string
		value int
	}{
		{ParamNumTrain, cfg.NumTrain},
		{ParamNumValidation, cfg.NumValidation},
		{ParamNumTest, cfg.NumTest},
		{ParamSeqLen, cfg.SeqLen},
		{ParamTestSeqLen, cfg.TestSeqLen},
		{ParamNumSteps, cfg.NumSteps},
		{ParamBatchSize, cfg.BatchSize},
		{ParamInMult, cfg.InMult},
		{ParamOutMult, cfg.OutMult},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return errors.Wrapf(ErrConfigInvalid, "%q must be > 0, got %d", p.name, p.value)
		}
	}
	if cfg.BatchSize > cfg.NumTrain {
		return errors.Wrapf(ErrBatchSize, "%q=%d is larger than the training pool %q=%d",
			ParamBatchSize, cfg.BatchSize, ParamNumTrain, cfg.NumTrain)
	}
	if cfg.LearningRate <= 0 || cfg.WeightDecay < 0 {
		return errors.Wrapf(ErrConfigInvalid, "invalid optimizer settings: learning_rate=%g, weight_decay=%g",
			cfg.LearningRate, cfg.WeightDecay)
	}
	if cfg.CompositionAlpha < 0 || cfg.CompositionAlpha > 1 {
		return errors.Wrapf(ErrConfigInvalid, "%q must be in [0, 1], got %g", ParamCompositionAlpha, cfg.CompositionAlpha)
	}
	if cfg.RandomLength && (cfg.RandomLengthMin <= 0 || cfg.RandomLengthMin > cfg.SeqLen) {
		return errors.Wrapf(ErrConfigInvalid, "%q must be in [1, %d], got %d", ParamRandomLengthMin, cfg.SeqLen, cfg.RandomLengthMin)
	}
	if len(cfg.RegimeR2) == 0 || len(cfg.RegimeR2) != len(cfg.RegimeQ2) {
		return errors.Wrapf(ErrConfigInvalid, "%q and %q must have the same non-zero length, got %d and %d",
			ParamRegimeR2, ParamRegimeQ2, len(cfg.RegimeR2), len(cfg.RegimeQ2))
	}
	for i := range cfg.RegimeR2 {
		if cfg.RegimeR2[i] < 0 || cfg.RegimeQ2[i] < 0 {
			return errors.Wrapf(ErrConfigInvalid, "noise variances of regime %d must be >= 0", i)
		}
	}
	for _, list := range []struct {
		name    string
		indices []int
	}{{ParamTrainRegimes, cfg.TrainRegimes}, {ParamTestRegimes, cfg.TestRegimes}} {
		if len(list.indices) == 0 {
			return errors.Wrapf(ErrConfigInvalid, "%q is empty", list.name)
		}
		for _, idx := range list.indices {
			if idx < 0 || idx >= cfg.NumRegimes() {
				return errors.Wrapf(ErrConfigInvalid, "%q has regime index %d, but only %d regimes are defined",
					list.name, idx, cfg.NumRegimes())
			}
		}
	}
	switch cfg.Observation {
	case ObservationIdentity, ObservationRotated, ObservationSpherical:
	default:
		return errors.Wrapf(ErrConfigInvalid, "unknown %q value %q", ParamObservation, cfg.Observation)
	}
	return nil
}

// NumRegimes is the number of defined noise regimes.
func (cfg Config) NumRegimes() int { return len(cfg.RegimeR2) }

// Descriptor returns the "statistics of the world" vector of regime i: [0, 0, r², q²].
// The first two entries are the structural indicators of the Lorenz model.
func (cfg Config) Descriptor(i int) []float64 {
	return []float64{0, 0, cfg.RegimeR2[i], cfg.RegimeQ2[i]}
}

// Priors returns the prior reference values of the Q, Sigma and S recurrent tracks for a state
// dimension m and an observation dimension n, applying the defaults for the ones not set.
func (cfg Config) Priors(m, n int) (priorQ, priorSigma, priorS []float64, err error) {
	priorQ, err = priorOrDefault(ParamPriorQ, cfg.PriorQ, m, true)
	if err != nil {
		return
	}
	priorSigma, err = priorOrDefault(ParamPriorSigma, cfg.PriorSigma, m, false)
	if err != nil {
		return
	}
	priorS, err = priorOrDefault(ParamPriorS, cfg.PriorS, n, true)
	return
}

func priorOrDefault(name string, values []float64, dim int, identity bool) ([]float64, error) {
	if len(values) == 0 {
		values = make([]float64, dim*dim)
		if identity {
			for i := range dim {
				values[i*dim+i] = 1
			}
		}
		return values, nil
	}
	if len(values) != dim*dim {
		return nil, errors.Wrapf(ErrConfigInvalid, "%q must have %d×%d=%d values, got %d",
			name, dim, dim, dim*dim, len(values))
	}
	return slices.Clone(values), nil
}

// Params returns the hyperparameters reported to experiment tracking.
func (cfg Config) Params() map[string]any {
	return map[string]any{
		ParamBatchSize:        cfg.BatchSize,
		ParamLearningRate:     cfg.LearningRate,
		ParamWeightDecay:      cfg.WeightDecay,
		ParamNumSteps:         cfg.NumSteps,
		ParamInMult:           cfg.InMult,
		ParamOutMult:          cfg.OutMult,
		ParamCompositionLoss:  cfg.CompositionLoss,
		ParamCompositionAlpha: cfg.CompositionAlpha,
		ParamRandomLength:     cfg.RandomLength,
		ParamMaskOnState:      cfg.MaskOnState,
		ParamSeqLen:           cfg.SeqLen,
	}
}

// String implements fmt.Stringer.
func (cfg Config) String() string {
	return fmt.Sprintf("Config{train=%d, validation=%d, test=%d, T=%d, steps=%d, batch=%d, lr=%s, wd=%s, in_mult=%d, out_mult=%d}",
		cfg.NumTrain, cfg.NumValidation, cfg.NumTest, cfg.SeqLen, cfg.NumSteps, cfg.BatchSize,
		strconv.FormatFloat(cfg.LearningRate, 'g', -1, 64), strconv.FormatFloat(cfg.WeightDecay, 'g', -1, 64),
		cfg.InMult, cfg.OutMult)
}
