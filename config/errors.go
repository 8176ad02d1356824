// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import "github.com/pkg/errors"

// Error conditions shared by all hknet packages. Returned errors wrap one of these, so callers
// can match them with errors.Is.
var (
	// ErrConfigInvalid is returned for inconsistent options or for datasets that can't share one model
	// (different state/observation dimensions, sequence lengths or descriptor sizes).
	ErrConfigInvalid = errors.New("configuration invalid")

	// ErrBatchSize is returned when a batch larger than the available pool is requested, or when a filter
	// step is given a batch size different from the one it was reset with.
	ErrBatchSize = errors.New("batch size mismatch")

	// ErrAcceleratorUnavailable is returned when hardware acceleration was requested but the backend
	// can't provide it. There is no fallback to CPU.
	ErrAcceleratorUnavailable = errors.New("hardware accelerator unavailable")
)
