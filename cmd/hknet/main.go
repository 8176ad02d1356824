// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// hknet generates datasets, trains the hyper-network conditioned recursive estimator and tests it.
//
// Usage:
//
//	hknet [flags] generate   # Simulates every configured regime into -data.
//	hknet [flags] import     # Converts <regime key>.mat files from -mat into -data.
//	hknet [flags] train      # Trains on the train_regimes, saving the best checkpoint to -results.
//	hknet [flags] test       # Evaluates a trained hyper-network on the test_regimes.
//	hknet [flags] layout     # Prints the weights layout for -m, -n and the in_mult/out_mult hyperparameters.
//
// Hyperparameters are set with -set, e.g.: -set="num_steps=100;batch_size=32;hypernet_type=kan".
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/ml/context"
	gomlxcli "github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/hknet/config"
	"github.com/gomlx/hknet/dataset"
	"github.com/gomlx/hknet/estimator"
	"github.com/gomlx/hknet/hypernet"
	"github.com/gomlx/hknet/layout"
	"github.com/gomlx/hknet/pipeline"
	"github.com/gomlx/hknet/sysmodel"
	"github.com/gomlx/hknet/tracking"
	"github.com/gomlx/hknet/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/hknet/data", "Directory with the per-regime datasets.")
	flagResultsDir = flag.String("results", "~/work/hknet/results", "Directory where to save (train) or load (test) the best hyper-network and estimator configuration.")
	flagMATDir     = flag.String("mat", "", "Directory with <regime key>.mat files, for the import command.")

	flagHypernetDir     = flag.String("hypernet_dir", "", "Checkpoint of the hyper-network to test. Defaults to <results>/hypernet.")
	flagEstimatorConfig = flag.String("estimator_config", "", "Estimator configuration to test. Defaults to <results>/estimator.json.")
	flagTestCSV         = flag.String("csv", "", "If set, the test command writes the per-regime results to this CSV file.")
	flagTestAfterTrain  = flag.Bool("test_after_train", false, "Run the test command after training.")

	flagStateDim = flag.Int("m", sysmodel.LorenzStateDim, "State dimension, for the layout command.")
	flagObsDim   = flag.Int("n", sysmodel.LorenzStateDim, "Observation dimension, for the layout command.")
)

func main() {
	ctx := config.CreateDefaultContext()
	hypernet.SetDefaultParams(ctx)
	settings := gomlxcli.CreateContextSettingsFlag(ctx, "set")
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "hknet requires exactly one command (generate, import, train, test or layout), got %q\n", flag.Args())
		flag.Usage()
		os.Exit(1)
	}
	paramsSet := must.M1(gomlxcli.ParseContextSettings(ctx, *settings))
	if len(paramsSet) > 0 {
		fmt.Println(gomlxcli.SprintModifiedContextSettings(ctx, paramsSet))
	}
	cfg, err := config.FromContext(ctx)
	AssertNoError(err)

	switch command := flag.Arg(0); command {
	case "generate":
		AssertNoError(generate(cfg))
	case "import":
		AssertNoError(importMAT(cfg))
	case "train":
		AssertNoError(train(ctx, cfg, paramsSet))
		if *flagTestAfterTrain {
			AssertNoError(test(cfg))
		}
	case "test":
		AssertNoError(test(cfg))
	case "layout":
		l, err := layout.New(layout.Dims{StateDim: *flagStateDim, ObsDim: *flagObsDim, InMult: cfg.InMult, OutMult: cfg.OutMult})
		AssertNoError(err)
		fmt.Println(commandline.SprintLayout(l))
	default:
		klog.Fatalf("unknown command %q: valid commands are generate, import, train, test and layout", command)
	}
}

// AssertNoError logs the error and exits, if err != nil.
func AssertNoError(err error) {
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

// expandPath replaces a leading "~" with the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home := must.M1(os.UserHomeDir())
		return filepath.Join(home, path[1:])
	}
	return path
}

func generate(cfg config.Config) error {
	backend, err := config.NewBackend(cfg)
	if err != nil {
		return err
	}
	model, err := sysmodel.FromConfig(cfg)
	if err != nil {
		return err
	}
	dataDir := expandPath(*flagDataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return errors.Wrapf(err, "creating data directory %q", dataDir)
	}
	fmt.Printf("Generating %d regimes with %s into %q\n", cfg.NumRegimes(), model, dataDir)
	return dataset.Generate(backend, model, cfg, dataDir)
}

func importMAT(cfg config.Config) error {
	if *flagMATDir == "" {
		return errors.Wrap(config.ErrConfigInvalid, "the import command requires -mat")
	}
	matDir, dataDir := expandPath(*flagMATDir), expandPath(*flagDataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return errors.Wrapf(err, "creating data directory %q", dataDir)
	}
	for idx := range cfg.NumRegimes() {
		regime := dataset.RegimeFromConfig(cfg, idx)
		d, err := dataset.LoadMAT(filepath.Join(matDir, regime.Key()+".mat"), regime)
		if err != nil {
			return err
		}
		if err := d.Save(dataDir); err != nil {
			return err
		}
		fmt.Printf("Imported %s: %d/%d/%d sequences\n", regime, d.Train.Size(), d.Validation.Size(), d.Test.Size())
	}
	return nil
}

// regimeModels returns the system model of every regime: all regimes share the observation model
// configured, their noise being in the datasets.
func regimeModels(cfg config.Config) (pipeline.RegimeModels, error) {
	model, err := sysmodel.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return pipeline.SameModel(model), nil
}

func train(ctx *context.Context, cfg config.Config, paramsSet []string) error {
	backend, err := config.NewBackend(cfg)
	if err != nil {
		return err
	}
	models, err := regimeModels(cfg)
	if err != nil {
		return err
	}
	regimes, dims, err := dataset.LoadAll(expandPath(*flagDataDir), cfg, cfg.TrainRegimes)
	if err != nil {
		return err
	}
	resultsDir := expandPath(*flagResultsDir)
	if err := os.MkdirAll(resultsDir, 0755); err != nil {
		return errors.Wrapf(err, "creating results directory %q", resultsDir)
	}
	tracker, err := tracking.New(cfg.Tracking, resultsDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			klog.Errorf("closing tracker: %+v", err)
		}
	}()

	trainer, err := pipeline.NewTrainer(backend, ctx, cfg, models, regimes, pipeline.Options{
		ResultsDir:    resultsDir,
		ExcludeParams: paramsSet,
		Tracker:       tracker,
		RunID:         tracking.NewRunID(),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Training on %d regimes (m=%d, n=%d, T=%d) with backend %s\n",
		len(regimes), dims.StateDim, dims.ObsDim, dims.SeqLen, backend.Name())
	commandline.AttachProgressBar(trainer)
	history, err := trainer.Train()
	if err != nil {
		return err
	}
	fmt.Println(commandline.SprintParameterCounts(trainer.ParameterCounts()))
	if history.BestEpoch >= 0 {
		fmt.Printf("Best validation loss: %.3f dB at epoch %d\n", history.BestDB, history.BestEpoch)
	}
	return nil
}

func test(cfg config.Config) error {
	backend, err := config.NewBackend(cfg)
	if err != nil {
		return err
	}
	models, err := regimeModels(cfg)
	if err != nil {
		return err
	}
	resultsDir := expandPath(*flagResultsDir)
	if err := os.MkdirAll(resultsDir, 0755); err != nil {
		return errors.Wrapf(err, "creating results directory %q", resultsDir)
	}
	tracker, err := tracking.NewWithCSVFile(cfg.Tracking, filepath.Join(resultsDir, tracking.TestMetricsFileName))
	if err != nil {
		return err
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			klog.Errorf("closing tracker: %+v", err)
		}
	}()

	var evaluator *pipeline.Evaluator
	if *flagHypernetDir != "" || *flagEstimatorConfig != "" {
		hypernetDir, estimatorConfig := expandPath(*flagHypernetDir), expandPath(*flagEstimatorConfig)
		if hypernetDir == "" {
			hypernetDir = filepath.Join(resultsDir, pipeline.HypernetDir)
		}
		if estimatorConfig == "" {
			estimatorConfig = filepath.Join(resultsDir, estimator.ConfigFileName)
		}
		evaluator, err = pipeline.LoadEvaluator(backend, cfg, models, hypernetDir, estimatorConfig)
	} else {
		evaluator, err = pipeline.LoadEvaluatorFromResults(backend, cfg, models, resultsDir)
	}
	if err != nil {
		return err
	}
	evaluator.WithTracker(tracker)
	regimes, _, err := dataset.LoadAll(expandPath(*flagDataDir), cfg, cfg.TestRegimes)
	if err != nil {
		return err
	}
	report, err := evaluator.Evaluate(regimes)
	if err != nil {
		return err
	}
	commandline.ReportEvaluation(report)
	if *flagTestCSV != "" {
		return report.WriteCSV(expandPath(*flagTestCSV))
	}
	return nil
}
