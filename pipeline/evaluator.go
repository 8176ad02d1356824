// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/hknet/config"
	"github.com/gomlx/hknet/dataset"
	"github.com/gomlx/hknet/estimator"
	"github.com/gomlx/hknet/hypernet"
	"github.com/gomlx/hknet/layout"
	"github.com/gomlx/hknet/sysmodel"
	"github.com/gomlx/hknet/tracking"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Evaluator runs the estimator with the hyper-network weights on the test split of regimes.
type Evaluator struct {
	backend      backends.Backend
	ctx          *context.Context
	models       RegimeModels
	estimatorCfg estimator.Config
	hyper        *hypernet.HyperNetwork
	filter       *estimator.Filter
	stateMask    []bool
	tracker      tracking.Tracker

	// execs has one executor per distinct system model.
	execs map[sysmodel.Model]*context.Exec

	// compiled holds the executor and input shape pairs already compiled, so compilation is kept out
	// of the timed inference.
	compiled map[compiledKey]bool
}

type compiledKey struct {
	model sysmodel.Model
	shape string
}

// NewEvaluator creates an evaluator with the hyper-network variables in ctx, for example the ones
// of a Trainer. The estimator of each regime uses the system model given by models.
func NewEvaluator(backend backends.Backend, ctx *context.Context, cfg config.Config, models RegimeModels,
	estimatorCfg estimator.Config) (*Evaluator, error) {
	if err := estimatorCfg.Validate(); err != nil {
		return nil, err
	}
	l, err := layout.New(estimatorCfg.Dims)
	if err != nil {
		return nil, err
	}
	hyper, err := hypernet.New(ctx, l)
	if err != nil {
		return nil, err
	}
	e := &Evaluator{
		backend:      backend,
		ctx:          ctx,
		models:       models,
		estimatorCfg: estimatorCfg,
		hyper:        hyper,
		tracker:      tracking.Nop,
		execs:        make(map[sysmodel.Model]*context.Exec),
		compiled:     make(map[compiledKey]bool),
	}
	if cfg.MaskOnState {
		e.stateMask = StateMask(estimatorCfg.Dims.StateDim, true)
	}
	return e, nil
}

// WithTracker reports the test loss of every evaluated regime to tracker.
// It returns the evaluator itself, so calls can be cascaded.
func (e *Evaluator) WithTracker(tracker tracking.Tracker) *Evaluator {
	e.tracker = tracker
	return e
}

// LoadEvaluator loads the hyper-network checkpoint in hypernetDir and the estimator configuration
// in estimatorConfigPath, usually the ones saved by a Trainer in its results directory.
// The hyperparameters of the hyper-network are read from the checkpoint.
func LoadEvaluator(backend backends.Backend, cfg config.Config, models RegimeModels, hypernetDir, estimatorConfigPath string) (*Evaluator, error) {
	estimatorCfg, err := estimator.LoadConfig(estimatorConfigPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(hypernetDir); err != nil {
		return nil, errors.Wrapf(err, "hyper-network checkpoint directory %q", hypernetDir)
	}
	ctx := context.New()
	checkpoint, err := checkpoints.Build(ctx).Dir(hypernetDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load hyper-network checkpoint from %q", hypernetDir)
	}
	if found, err := checkpoint.HasCheckpoints(); err != nil || !found {
		return nil, errors.Errorf("no hyper-network checkpoint found in %q", hypernetDir)
	}
	// Variables must come from the checkpoint: creating new ones is an error.
	ctx = ctx.Reuse()
	klog.V(1).Infof("loaded hyper-network from %q, estimator configuration from %q", hypernetDir, estimatorConfigPath)
	return NewEvaluator(backend, ctx, cfg, models, estimatorCfg)
}

// LoadEvaluatorFromResults is LoadEvaluator with the paths used by the Trainer under resultsDir.
func LoadEvaluatorFromResults(backend backends.Backend, cfg config.Config, models RegimeModels, resultsDir string) (*Evaluator, error) {
	return LoadEvaluator(backend, cfg, models, filepath.Join(resultsDir, HypernetDir), filepath.Join(resultsDir, estimator.ConfigFileName))
}

// execFor returns the executor of the model, creating it on first use.
func (e *Evaluator) execFor(model sysmodel.Model) (*context.Exec, error) {
	if exec, found := e.execs[model]; found {
		return exec, nil
	}
	if e.filter == nil {
		filter, err := estimator.New(e.estimatorCfg, model)
		if err != nil {
			return nil, err
		}
		e.filter = filter
	}
	exec := context.NewExec(e.backend, e.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		e.filter.UpdateModel(model)
		return evaluationGraph(ctx, e.hyper, e.filter, e.stateMask, inputs)
	})
	e.execs[model] = exec
	return exec, nil
}

// Stats of the per-sequence MSE of a set of sequences.
type Stats struct {
	NumSequences int

	// MeanDB is the mean MSE in dB.
	MeanDB float64

	// StdDB is the unbiased standard deviation of the MSE in dB: 10·log10(std + mean) - MeanDB.
	StdDB float64
}

// NewStats computes the statistics of the linear per-sequence MSE values.
func NewStats(mse []float64) Stats {
	mean, std := stat.MeanStdDev(mse, nil)
	if len(mse) < 2 {
		std = 0
	}
	meanDB := Decibels(mean)
	return Stats{
		NumSequences: len(mse),
		MeanDB:       meanDB,
		StdDB:        10*math.Log10(std+mean) - meanDB,
	}
}

// RegimeResult is the evaluation of one regime.
type RegimeResult struct {
	Regime dataset.Regime
	Stats

	// MSE of each test sequence (linear).
	MSE []float64

	// Estimates of the test sequences, [N, m, T].
	Estimates *tensors.Tensor

	// InferenceTime is the wall-clock time of the unroll.
	InferenceTime time.Duration
}

// Report of an evaluation.
type Report struct {
	Regimes []RegimeResult

	// Overall pools the sequences of all the regimes.
	Overall Stats

	// AverageInferenceTime over the regimes.
	AverageInferenceTime time.Duration
}

// Evaluate runs the estimator over the full test split of each regime, with the regime's system model.
func (e *Evaluator) Evaluate(regimes []*dataset.RegimeData) (*Report, error) {
	dims, err := dataset.ValidateShared(regimes)
	if err != nil {
		return nil, err
	}
	if dims.StateDim != e.estimatorCfg.Dims.StateDim || dims.ObsDim != e.estimatorCfg.Dims.ObsDim {
		return nil, errors.Wrapf(config.ErrConfigInvalid, "datasets have m=%d, n=%d but the estimator has m=%d, n=%d",
			dims.StateDim, dims.ObsDim, e.estimatorCfg.Dims.StateDim, e.estimatorCfg.Dims.ObsDim)
	}
	report := &Report{}
	var pooled []float64
	var totalTime time.Duration
	for ii, r := range regimes {
		if err := checkModel(dims, e.models, r.Regime); err != nil {
			return nil, err
		}
		model := e.models(r.Regime)
		exec, err := e.execFor(model)
		if err != nil {
			return nil, err
		}
		batch := dataset.All(r.Test)
		sow := tensors.FromValue(r.Regime.Float32())
		key := compiledKey{model: model, shape: batch.Input.Shape().String()}
		var outputs []*tensors.Tensor
		var elapsed time.Duration
		err = exceptions.TryCatch[error](func() {
			if !e.compiled[key] {
				// Compile outside the timed call.
				exec.Call(sow, batch.Input, batch.Target, batch.Init, batch.Mask)
				e.compiled[key] = true
			}
			start := time.Now()
			outputs = exec.Call(sow, batch.Input, batch.Target, batch.Init, batch.Mask)
			elapsed = time.Since(start)
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating regime %s", r.Regime.Key())
		}
		mse32 := tensors.CopyFlatData[float32](outputs[1])
		mse := make([]float64, len(mse32))
		for jj, v := range mse32 {
			mse[jj] = float64(v)
		}
		result := RegimeResult{
			Regime:        r.Regime,
			Stats:         NewStats(mse),
			MSE:           mse,
			Estimates:     outputs[0],
			InferenceTime: elapsed,
		}
		klog.V(1).Infof("regime %s: test %.3f dB ± %.3f dB, inference time %s", r.Regime.Key(), result.MeanDB, result.StdDB, elapsed)
		e.tracker.LogMetrics(ii, map[string]float64{
			"r2":                r.Regime.R2(),
			"q2":                r.Regime.Q2(),
			"test_db":           result.MeanDB,
			"std_db":            result.StdDB,
			"inference_seconds": elapsed.Seconds(),
		})
		report.Regimes = append(report.Regimes, result)
		pooled = append(pooled, mse...)
		totalTime += elapsed
	}
	report.Overall = NewStats(pooled)
	report.AverageInferenceTime = totalTime / time.Duration(len(regimes))
	e.tracker.LogParams(map[string]any{
		"overall_test_db":    report.Overall.MeanDB,
		"overall_std_db":     report.Overall.StdDB,
		"num_test_sequences": report.Overall.NumSequences,
	})
	return report, nil
}

// DataFrame returns one row per regime with its noise variances and test statistics.
func (r *Report) DataFrame() dataframe.DataFrame {
	n := len(r.Regimes)
	keys := make([]string, n)
	r2, q2, meanDB, stdDB, seconds := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	numSeqs := make([]int, n)
	for ii, result := range r.Regimes {
		keys[ii] = result.Regime.Key()
		r2[ii], q2[ii] = result.Regime.R2(), result.Regime.Q2()
		meanDB[ii], stdDB[ii] = result.MeanDB, result.StdDB
		numSeqs[ii] = result.NumSequences
		seconds[ii] = result.InferenceTime.Seconds()
	}
	return dataframe.New(
		series.New(keys, series.String, "regime"),
		series.New(r2, series.Float, "r2"),
		series.New(q2, series.Float, "q2"),
		series.New(numSeqs, series.Int, "num_sequences"),
		series.New(meanDB, series.Float, "mse_db"),
		series.New(stdDB, series.Float, "std_db"),
		series.New(seconds, series.Float, "inference_seconds"),
	)
}

// WriteCSV writes the per-regime results to filePath.
func (r *Report) WriteCSV(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err := r.DataFrame().WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write results to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
