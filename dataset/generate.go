// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/hknet/config"
	"github.com/gomlx/hknet/sysmodel"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// Generator simulates noisy trajectories of a process model: x_t = f(x_{t-1}) + w_t, y_t = h(x_t) + v_t,
// with w_t ~ N(0, q²·I) and v_t ~ N(0, r²·I), starting from x_0 = [1, ..., 1].
type Generator struct {
	model sysmodel.Model
	exec  *Exec
	rng   *rand.Rand
}

// NewGenerator creates a generator for the model, running on backend, seeded with seed.
func NewGenerator(backend backends.Backend, model sysmodel.Model, seed uint64) *Generator {
	gen := &Generator{
		model: model,
		rng:   rand.New(rand.NewPCG(seed, 0x2545f4914f6cdd1d)),
	}
	gen.exec = NewExec(backend, func(inputs []*Node) []*Node {
		x, processNoise, obsNoise := inputs[0], inputs[1], inputs[2]
		next := Add(model.Transition(x), processNoise)
		y := Add(model.Observe(next), obsNoise)
		return []*Node{next, y}
	})
	return gen
}

// Split simulates numSeqs sequences of numSteps time steps for the regime.
// If minLength > 0, each sequence gets a random valid length uniformly drawn from [minLength, numSteps].
func (gen *Generator) Split(regime Regime, numSeqs, numSteps, minLength int) (split Split, err error) {
	if numSeqs <= 0 || numSteps <= 0 {
		return Split{}, errors.Wrapf(config.ErrConfigInvalid, "can't generate %d sequences of length %d", numSeqs, numSteps)
	}
	m, n := gen.model.StateDim(), gen.model.ObsDim()
	processNoise := gen.normal(regime.Q2())
	obsNoise := gen.normal(regime.R2())
	sample := func(dist distuv.Normal, size int, dims ...int) *tensors.Tensor {
		values := make([]float32, size)
		for ii := range values {
			values[ii] = float32(dist.Rand())
		}
		return tensors.FromFlatDataAndDimensions(values, dims...)
	}

	init := make([]float32, numSeqs*m)
	for ii := range init {
		init[ii] = 1
	}
	input := make([]float32, numSeqs*n*numSteps)
	target := make([]float32, numSeqs*m*numSteps)
	x := tensors.FromFlatDataAndDimensions(init, numSeqs, m)
	err = exceptions.TryCatch[error](func() {
		for t := range numSteps {
			outputs := gen.exec.Call(x, sample(processNoise, numSeqs*m, numSeqs, m), sample(obsNoise, numSeqs*n, numSeqs, n))
			x = outputs[0]
			scatterStep(target, tensors.CopyFlatData[float32](x), numSteps, t)
			scatterStep(input, tensors.CopyFlatData[float32](outputs[1]), numSteps, t)
		}
	})
	if err != nil {
		return Split{}, errors.WithMessagef(err, "simulating regime %s", regime.Key())
	}

	split = Split{
		Input:  tensors.FromFlatDataAndDimensions(input, numSeqs, n, numSteps),
		Target: tensors.FromFlatDataAndDimensions(target, numSeqs, m, numSteps),
		Init:   tensors.FromFlatDataAndDimensions(init, numSeqs, m),
	}
	if minLength > 0 {
		minLength = min(minLength, numSteps)
		lengths := make([]int, numSeqs)
		for ii := range lengths {
			lengths[ii] = minLength + gen.rng.IntN(numSteps-minLength+1)
		}
		if split.Lengths, err = LengthsMask(lengths, numSteps); err != nil {
			return Split{}, err
		}
	}
	return split, nil
}

func (gen *Generator) normal(variance float64) distuv.Normal {
	return distuv.Normal{Mu: 0, Sigma: math.Sqrt(variance), Src: gen.rng}
}

// scatterStep writes the values [N, dim] of time step t into the sequences [N, dim, T].
func scatterStep(dst, step []float32, numSteps, t int) {
	for ii, v := range step {
		dst[ii*numSteps+t] = v
	}
}

// Regime generates the three splits of the regime with the sizes and lengths of the configuration.
func (gen *Generator) Regime(cfg config.Config, regime Regime) (*RegimeData, error) {
	minLength := 0
	if cfg.RandomLength {
		minLength = cfg.RandomLengthMin
	}
	d := &RegimeData{Regime: regime}
	var err error
	if d.Train, err = gen.Split(regime, cfg.NumTrain, cfg.SeqLen, minLength); err != nil {
		return nil, err
	}
	if d.Validation, err = gen.Split(regime, cfg.NumValidation, cfg.SeqLen, minLength); err != nil {
		return nil, err
	}
	if d.Test, err = gen.Split(regime, cfg.NumTest, cfg.TestSeqLen, minLength); err != nil {
		return nil, err
	}
	return d, nil
}

// Generate simulates the datasets of all the regimes of the configuration and saves them to dir.
func Generate(backend backends.Backend, model sysmodel.Model, cfg config.Config, dir string) error {
	gen := NewGenerator(backend, model, uint64(cfg.Seed))
	for idx := range cfg.NumRegimes() {
		regime := RegimeFromConfig(cfg, idx)
		d, err := gen.Regime(cfg, regime)
		if err != nil {
			return err
		}
		if err := d.Save(dir); err != nil {
			return err
		}
		klog.Infof("Generated regime %s: %d/%d/%d sequences", regime.Key(), cfg.NumTrain, cfg.NumValidation, cfg.NumTest)
	}
	return nil
}
