// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/hknet/dataset"
	"github.com/pkg/errors"
)

// regimeStream is an endless train.Dataset that yields one random training batch of each regime in
// turn. The spec of a batch is the index of its regime, so each regime gets its own train step graph.
//
// Inputs are the regime descriptor [S], the observations [B, n, T] and the initial estimates [B, m].
// Labels are the targets [B, m, T] and the valid-steps mask [B, T].
type regimeStream struct {
	regimes   []*dataset.RegimeData
	batchSize int
	sampler   *dataset.Sampler
	next      int
}

var _ train.Dataset = (*regimeStream)(nil)

func newRegimeStream(regimes []*dataset.RegimeData, batchSize int, seed uint64) *regimeStream {
	return &regimeStream{regimes: regimes, batchSize: batchSize, sampler: dataset.NewSampler(seed)}
}

// Name implements train.Dataset.
func (s *regimeStream) Name() string { return "regimes" }

// Reset restarts from the first regime. The sampling is not restarted.
func (s *regimeStream) Reset() { s.next = 0 }

// Yield implements train.Dataset.
func (s *regimeStream) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	idx := s.next
	s.next = (s.next + 1) % len(s.regimes)
	r := s.regimes[idx]
	indices, err := s.sampler.Sample(r.Train.Size(), s.batchSize)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "sampling regime %s", r.Regime.Key())
	}
	batch, err := dataset.GatherBatch(r.Train, indices)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "gathering batch of regime %s", r.Regime.Key())
	}
	spec = idx
	inputs = []*tensors.Tensor{tensors.FromValue(r.Regime.Float32()), batch.Input, batch.Init}
	labels = []*tensors.Tensor{batch.Target, batch.Mask}
	return
}
