// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the training and evaluation loops of the hyper-network estimator.
//
// Training runs one optimizer update per training regime, in order, at every epoch: the regime
// descriptor goes through the hyper-network, the estimator is unrolled over a batch of sequences of
// that regime with the generated weights and the regime's system model, and the loss is
// back-propagated to the hyper-network variables. All regimes share the same variables and optimizer
// state. After each epoch the validation loss is compared to the best so far, and the hyper-network
// checkpoint and the estimator configuration are saved when it improves.
//
// Losses over several regimes are averaged in linear scale (MSE), each regime weighted equally,
// and only the average is converted to dB.
package pipeline

import (
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/hknet/config"
	"github.com/gomlx/hknet/dataset"
	"github.com/gomlx/hknet/estimator"
	"github.com/gomlx/hknet/hypernet"
	"github.com/gomlx/hknet/layout"
	"github.com/gomlx/hknet/tracking"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

const (
	// HypernetDir is the checkpoint directory of the hyper-network, under the results directory.
	HypernetDir = "hypernet"

	// ParamBestValidationDB is saved with the checkpoint: the validation loss of the checkpointed variables.
	ParamBestValidationDB = "best_validation_db"
)

// Options of the Trainer.
type Options struct {
	// ResultsDir where the best checkpoint (HypernetDir) and the estimator configuration
	// (estimator.ConfigFileName) are saved. If empty nothing is saved.
	ResultsDir string

	// ExcludeParams are hyperparameters not to be overwritten when resuming from a checkpoint:
	// usually the ones set in the command line.
	ExcludeParams []string

	// Tracker receives the parameters and the per-epoch metrics. Defaults to tracking.Nop.
	Tracker tracking.Tracker

	// RunID is reported to the tracker.
	RunID string
}

// Trainer trains the hyper-network on a set of regimes. Create it with NewTrainer.
//
// The optimizer updates are run by a train.Loop over a stream that yields one batch per regime in
// order: an epoch is one loop step per regime.
type Trainer struct {
	ctx          *context.Context
	cfg          config.Config
	models       RegimeModels
	estimatorCfg estimator.Config
	layout       *layout.Layout
	hyper        *hypernet.HyperNetwork
	filter       *estimator.Filter
	regimes      []*dataset.RegimeData
	stateMask    []bool
	opts         Options

	trainer         *train.Trainer
	loop            *train.Loop
	stream          *regimeStream
	validationExecs []*context.Exec
	weightsExec     *context.Exec
	checkpoint      *checkpoints.Handler
	history         *History

	// epochMSE collects the training loss of each regime during the current epoch.
	epochMSE []float64

	onStart []func()
	onEpoch []func(epoch int, history *History)
	onEnd   []func(history *History)
}

// NewTrainer creates a trainer for the training regimes, with the variables and hyperparameters in ctx.
// The estimator of each regime uses the system model given by models.
//
// If a checkpoint exists in the results directory, training resumes from it: its hyperparameters
// (except opts.ExcludeParams) replace the ones in ctx and cfg is re-read from ctx.
// All regimes must share their dimensions, and those must match their models.
func NewTrainer(backend backends.Backend, ctx *context.Context, cfg config.Config, models RegimeModels,
	regimes []*dataset.RegimeData, opts Options) (*Trainer, error) {
	// Variables are shared by the executors of all regimes.
	ctx = ctx.Checked(false)
	var checkpoint *checkpoints.Handler
	if opts.ResultsDir != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).
			Dir(filepath.Join(opts.ResultsDir, HypernetDir)).
			Keep(1).
			ExcludeParams(opts.ExcludeParams...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create checkpoint in %q", opts.ResultsDir)
		}
		if cfg, err = config.FromContext(ctx); err != nil {
			return nil, errors.WithMessagef(err, "hyperparameters restored from %q", checkpoint.Dir())
		}
	}

	dims, err := dataset.ValidateShared(regimes)
	if err != nil {
		return nil, err
	}
	for _, r := range regimes {
		if err := checkModel(dims, models, r.Regime); err != nil {
			return nil, err
		}
		if cfg.BatchSize > r.Train.Size() {
			return nil, errors.Wrapf(config.ErrBatchSize, "batch size %d is larger than the %d training sequences of regime %s",
				cfg.BatchSize, r.Train.Size(), r.Regime.Key())
		}
	}
	estimatorCfg, err := estimator.NewConfig(cfg, dims.StateDim, dims.ObsDim)
	if err != nil {
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
	filter, err := estimator.New(estimatorCfg, models(regimes[0].Regime))
	if err != nil {
		return nil, err
	}
	if opts.Tracker == nil {
		opts.Tracker = tracking.Nop
	}

	t := &Trainer{
		ctx:          ctx,
		cfg:          cfg,
		models:       models,
		estimatorCfg: estimatorCfg,
		layout:       l,
		hyper:        hyper,
		filter:       filter,
		regimes:      regimes,
		opts:         opts,
		checkpoint:   checkpoint,
		history:      NewHistory(),
		stream:       newRegimeStream(regimes, cfg.BatchSize, uint64(cfg.Seed)),
	}
	if cfg.MaskOnState {
		t.stateMask = StateMask(dims.StateDim, true)
	}
	if checkpoint != nil {
		t.history.BestDB = context.GetParamOr(ctx, ParamBestValidationDB, InitialBestDB)
	}

	optimizer := optimizers.Adam().FromContext(ctx).WeightDecay(cfg.WeightDecay).Done()
	t.trainer = train.NewTrainer(backend, ctx, t.modelGraph, t.lossGraph, optimizer, nil, nil)
	t.loop = train.NewLoop(t.trainer)
	t.loop.OnStep("regime_epochs", 0, t.onLoopStep)

	t.validationExecs = make([]*context.Exec, len(regimes))
	for ii, r := range regimes {
		model := models(r.Regime)
		t.validationExecs[ii] = context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
			t.filter.UpdateModel(model)
			return evaluationGraph(ctx, t.hyper, t.filter, t.stateMask, inputs)
		})
	}
	t.weightsExec = context.NewExec(backend, ctx, func(ctx *context.Context, sow *Node) *Node {
		return t.hyper.Weights(ctx, sow)
	})
	return t, nil
}

// Context with the variables being trained.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Config used by the trainer: the one given to NewTrainer, or the one restored from the checkpoint.
func (t *Trainer) Config() config.Config { return t.cfg }

// EstimatorConfig used by the trainer.
func (t *Trainer) EstimatorConfig() estimator.Config { return t.estimatorCfg }

// Layout of the estimator weights.
func (t *Trainer) Layout() *layout.Layout { return t.layout }

// History of the epochs trained so far.
func (t *Trainer) History() *History { return t.history }

// Loop running the optimizer updates, one step per regime. Other train.Loop tools can be attached to it.
func (t *Trainer) Loop() *train.Loop { return t.loop }

// OnStart registers fn to be called when Train starts.
func (t *Trainer) OnStart(fn func()) {
	t.onStart = append(t.onStart, fn)
}

// OnEpoch registers fn to be called at the end of every epoch, after validation.
func (t *Trainer) OnEpoch(fn func(epoch int, history *History)) {
	t.onEpoch = append(t.onEpoch, fn)
}

// OnEnd registers fn to be called when Train returns, also on errors.
func (t *Trainer) OnEnd(fn func(history *History)) {
	t.onEnd = append(t.onEnd, fn)
}

// NumEpochs to train: the configured number of steps.
func (t *Trainer) NumEpochs() int { return t.cfg.NumSteps }

// modelGraph unrolls the estimator of the regime whose index is the spec. Inputs are the descriptor [S],
// observations [B, n, T] and initial estimates [B, m].
//
// Predictions are the estimates [B, m, T] and, for the composite loss, the re-observed estimates and the
// observations, both [B, n, T].
func (t *Trainer) modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	model := t.models(t.regimes[spec.(int)].Regime)
	sow, y, x0 := inputs[0], inputs[1], inputs[2]
	weights := t.hyper.Weights(ctx, sow)
	t.filter.UpdateModel(model)
	estimate := t.filter.Unroll(y, x0, weights)
	if !t.cfg.CompositionLoss {
		return []*Node{estimate}
	}
	return []*Node{estimate, ObserveSequence(model, estimate), y}
}

// lossGraph takes the targets [B, m, T] and the valid-steps mask [B, T] as labels.
func (t *Trainer) lossGraph(labels, predictions []*Node) *Node {
	target, mask := labels[0], labels[1]
	stateLoss := MSELoss(predictions[0], target, t.stateMask, mask)
	if len(predictions) == 1 {
		return stateLoss
	}
	obsMask := observationMask(t.estimatorCfg.Dims.StateDim, t.estimatorCfg.Dims.ObsDim, t.stateMask)
	obsLoss := MSELoss(predictions[1], predictions[2], obsMask, mask)
	return mixLosses(stateLoss, obsLoss, t.cfg.CompositionAlpha)
}

// evaluationGraph takes the descriptor [S], observations [B, n, T], targets [B, m, T], initial estimates
// [B, m] and valid-steps mask [B, T]. It returns the estimates [B, m, T] and the per-sequence MSE [B].
func evaluationGraph(ctx *context.Context, hyper *hypernet.HyperNetwork, filter *estimator.Filter, stateMask []bool, inputs []*Node) []*Node {
	sow, y, target, x0, mask := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
	weights := hyper.Weights(ctx, sow)
	estimate := filter.Unroll(y, x0, weights)
	return []*Node{estimate, PerSequenceMSE(estimate, target, stateMask, mask)}
}

// onLoopStep collects the training loss of the regime just updated, and closes the epoch after the
// last regime.
func (t *Trainer) onLoopStep(_ *train.Loop, metrics []*tensors.Tensor) error {
	t.epochMSE = append(t.epochMSE, scalarToFloat64(metrics[0]))
	if len(t.epochMSE) < len(t.regimes) {
		return nil
	}
	for ii, mse := range t.epochMSE {
		klog.V(2).Infof("regime %s: train loss %.3f dB", t.regimes[ii].Regime.Key(), Decibels(mse))
	}
	trainDB := RegimeAverageDB(t.epochMSE)
	t.epochMSE = t.epochMSE[:0]
	return t.endEpoch(trainDB)
}

// endEpoch validates, saves the checkpoint if the validation loss improved and reports the epoch.
func (t *Trainer) endEpoch(trainDB float64) error {
	epoch := t.history.NumEpochs()
	if epoch == 0 {
		t.opts.Tracker.LogParams(t.ParameterCounts())
	}
	validationDB, _, err := t.Validate()
	if err != nil {
		return err
	}
	if t.history.Record(trainDB, validationDB) {
		if err := t.saveBest(validationDB); err != nil {
			return err
		}
	}
	t.opts.Tracker.LogMetrics(epoch, map[string]float64{
		"train_db":      trainDB,
		"validation_db": validationDB,
		"best_db":       t.history.BestDB,
	})
	klog.V(1).Info(t.history.EpochSummary(epoch))
	for _, fn := range t.onEpoch {
		fn(epoch, t.history)
	}
	return nil
}

// scalarToFloat64 converts a scalar float tensor, like the loss metric, to float64.
func scalarToFloat64(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		exceptions.Panicf("expected a float scalar, got %s", t.Shape())
		return 0
	}
}

// RegimeAverageDB averages the linear MSE of the regimes, each weighted equally, and converts the
// average to dB.
func RegimeAverageDB(regimeMSE []float64) float64 {
	return Decibels(stat.Mean(regimeMSE, nil))
}

// Validate evaluates every training regime on its validation split, without updating the variables.
// It returns the MSE of each regime and their average (RegimeAverageDB) in dB.
func (t *Trainer) Validate() (validationDB float64, regimeMSE []float64, err error) {
	regimeMSE = make([]float64, len(t.regimes))
	for ii, r := range t.regimes {
		batch := dataset.All(r.Validation)
		var mse []float32
		err = exceptions.TryCatch[error](func() {
			outputs := t.validationExecs[ii].Call(tensors.FromValue(r.Regime.Float32()), batch.Input, batch.Target, batch.Init, batch.Mask)
			mse = tensors.CopyFlatData[float32](outputs[1])
		})
		if err != nil {
			return 0, nil, errors.WithMessagef(err, "validation of regime %s", r.Regime.Key())
		}
		regimeMSE[ii] = mean32(mse)
	}
	return RegimeAverageDB(regimeMSE), regimeMSE, nil
}

func mean32(values []float32) float64 {
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return sum / float64(len(values))
}

// Train runs the configured number of epochs, and returns the history of the losses.
// The best checkpoint is saved whenever the validation loss improves.
func (t *Trainer) Train() (*History, error) {
	defer func() {
		for _, fn := range t.onEnd {
			fn(t.history)
		}
	}()
	for _, fn := range t.onStart {
		fn()
	}
	params := t.cfg.Params()
	if t.opts.RunID != "" {
		params[tracking.ParamRunID] = t.opts.RunID
	}
	params[hypernet.ParamType] = t.hyper.Type()
	t.opts.Tracker.LogParams(params)

	t.epochMSE = t.epochMSE[:0]
	t.stream.Reset()
	if _, err := t.loop.RunSteps(t.stream, t.cfg.NumSteps*len(t.regimes)); err != nil {
		return t.history, errors.WithMessagef(err, "training on %d regimes", len(t.regimes))
	}
	return t.history, nil
}

// saveBest saves the hyper-network checkpoint and the estimator configuration.
func (t *Trainer) saveBest(validationDB float64) error {
	if t.checkpoint == nil {
		return nil
	}
	t.ctx.InAbsPath(context.RootScope).SetParam(ParamBestValidationDB, validationDB)
	if err := t.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save best checkpoint")
	}
	if err := t.estimatorCfg.Save(filepath.Join(t.opts.ResultsDir, estimator.ConfigFileName)); err != nil {
		return err
	}
	klog.V(1).Infof("saved best checkpoint (validation %.3f dB) to %q", validationDB, t.checkpoint.Dir())
	return nil
}

// ParameterCounts returns the number of weights generated for the estimator, the number of trainable
// parameters of the hyper-network, and their total.
func (t *Trainer) ParameterCounts() map[string]any {
	hyperParams := hypernet.NumParameters(t.ctx)
	return map[string]any{
		"estimator_weights": t.layout.TotalSize(),
		"hypernet_params":   hyperParams,
		"total_params":      t.layout.TotalSize() + hyperParams,
	}
}

// RegimeWeights returns the flat estimator weights [W] generated for the regime with the current variables.
func (t *Trainer) RegimeWeights(regime dataset.Regime) (weights *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		weights = t.weightsExec.Call(tensors.FromValue(regime.Float32()))[0]
	})
	return
}
