// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"strings"
)

// InitialBestDB is the best validation loss before the first epoch, so the first validation always improves it.
const InitialBestDB = 1000.0

// History of a training run: per-epoch training and validation losses in dB, and the best epoch.
type History struct {
	TrainDB, ValidationDB []float64

	// BestEpoch is the epoch with the lowest validation loss, -1 before any improvement.
	BestEpoch int
	BestDB    float64
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{BestEpoch: -1, BestDB: InitialBestDB}
}

// NumEpochs recorded.
func (h *History) NumEpochs() int { return len(h.TrainDB) }

// Record the losses of the next epoch. It returns whether the validation loss improved on the best one.
func (h *History) Record(trainDB, validationDB float64) (improved bool) {
	epoch := len(h.TrainDB)
	h.TrainDB = append(h.TrainDB, trainDB)
	h.ValidationDB = append(h.ValidationDB, validationDB)
	if validationDB < h.BestDB {
		h.BestDB = validationDB
		h.BestEpoch = epoch
		return true
	}
	return false
}

// Diffs returns the change of the training and validation losses from the previous epoch.
// Both are 0 for the first epoch.
func (h *History) Diffs(epoch int) (trainDiff, validationDiff float64) {
	if epoch <= 0 || epoch >= len(h.TrainDB) {
		return 0, 0
	}
	return h.TrainDB[epoch] - h.TrainDB[epoch-1], h.ValidationDB[epoch] - h.ValidationDB[epoch-1]
}

// EpochSummary formats the losses of the epoch, with the diffs from the previous one and the best so far.
func (h *History) EpochSummary(epoch int) string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "epoch %d: train %.3f dB, validation %.3f dB", epoch, h.TrainDB[epoch], h.ValidationDB[epoch])
	if epoch > 0 {
		trainDiff, validationDiff := h.Diffs(epoch)
		_, _ = fmt.Fprintf(&sb, " (diff train %+.3f dB, validation %+.3f dB)", trainDiff, validationDiff)
	}
	_, _ = fmt.Fprintf(&sb, ", best %.3f dB at epoch %d", h.BestDB, h.BestEpoch)
	return sb.String()
}
