// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/hknet/config"
	"github.com/pkg/errors"
)

// Sampler draws batches of sequence indices without replacement. It is deterministic for a given seed.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a sampler seeded with seed.
func NewSampler(seed uint64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))}
}

// Sample returns batchSize distinct indices in [0, poolSize).
// It returns an error wrapping config.ErrBatchSize if batchSize > poolSize.
func (s *Sampler) Sample(poolSize, batchSize int) ([]int, error) {
	if batchSize <= 0 || batchSize > poolSize {
		return nil, errors.Wrapf(config.ErrBatchSize, "can't sample %d sequences without replacement from %d", batchSize, poolSize)
	}
	return s.rng.Perm(poolSize)[:batchSize], nil
}

// Batch of sequences gathered from a Split.
type Batch struct {
	// Input [B, n, T], Target [B, m, T] and Init [B, m] are float32.
	Input, Target, Init *tensors.Tensor

	// Mask [B, T] is true for the valid time steps. All true if the split has no lengths mask.
	Mask *tensors.Tensor
}

// GatherBatch builds a batch with the sequences of the split at the given indices.
// Observations and targets outside the valid length of a sequence are zeroed.
func GatherBatch(split Split, indices []int) (Batch, error) {
	numSeqs := split.Size()
	for _, idx := range indices {
		if idx < 0 || idx >= numSeqs {
			return Batch{}, errors.Wrapf(config.ErrBatchSize, "sequence index %d out of range [0, %d)", idx, numSeqs)
		}
	}
	batchSize, numSteps := len(indices), split.SeqLen()
	n, m := split.Input.Shape().Dimensions[1], split.Target.Shape().Dimensions[1]

	var lengths []bool
	if split.Lengths != nil {
		lengths = tensors.CopyFlatData[bool](split.Lengths)
	}
	mask := make([]bool, batchSize*numSteps)
	for b, idx := range indices {
		for t := range numSteps {
			mask[b*numSteps+t] = lengths == nil || lengths[idx*numSteps+t]
		}
	}

	gatherSeq := func(src []float32, dim int) []float32 {
		dst := make([]float32, batchSize*dim*numSteps)
		for b, idx := range indices {
			for i := range dim {
				for t := range numSteps {
					if mask[b*numSteps+t] {
						dst[(b*dim+i)*numSteps+t] = src[(idx*dim+i)*numSteps+t]
					}
				}
			}
		}
		return dst
	}
	init := tensors.CopyFlatData[float32](split.Init)
	batchInit := make([]float32, batchSize*m)
	for b, idx := range indices {
		copy(batchInit[b*m:(b+1)*m], init[idx*m:(idx+1)*m])
	}

	return Batch{
		Input:  tensors.FromFlatDataAndDimensions(gatherSeq(tensors.CopyFlatData[float32](split.Input), n), batchSize, n, numSteps),
		Target: tensors.FromFlatDataAndDimensions(gatherSeq(tensors.CopyFlatData[float32](split.Target), m), batchSize, m, numSteps),
		Init:   tensors.FromFlatDataAndDimensions(batchInit, batchSize, m),
		Mask:   tensors.FromFlatDataAndDimensions(mask, batchSize, numSteps),
	}, nil
}

// All returns the batch with every sequence of the split, in order.
func All(split Split) Batch {
	indices := make([]int, split.Size())
	for ii := range indices {
		indices[ii] = ii
	}
	batch, _ := GatherBatch(split, indices)
	return batch
}
