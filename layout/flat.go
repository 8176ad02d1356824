// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"github.com/gomlx/hknet/config"
	"github.com/pkg/errors"
)

// SliceFlat splits a host-side flat weight vector into one slice per block, in layout order.
// The returned slices are copies, they don't alias flat.
func SliceFlat[T any](l *Layout, flat []T) ([][]T, error) {
	if len(flat) != l.total {
		return nil, errors.Wrapf(config.ErrConfigInvalid, "flat weight vector has %d elements, layout requires %d",
			len(flat), l.total)
	}
	parts := make([][]T, len(l.blocks))
	for ii, b := range l.blocks {
		parts[ii] = append([]T(nil), flat[b.Offset:b.Offset+b.Size()]...)
	}
	return parts, nil
}

// ConcatFlat builds a flat weight vector from one slice per block, in layout order.
// It is the exact inverse of SliceFlat.
func ConcatFlat[T any](l *Layout, parts [][]T) ([]T, error) {
	if len(parts) != len(l.blocks) {
		return nil, errors.Wrapf(config.ErrConfigInvalid, "got %d blocks, layout has %d", len(parts), len(l.blocks))
	}
	flat := make([]T, 0, l.total)
	for ii, b := range l.blocks {
		if len(parts[ii]) != b.Size() {
			return nil, errors.Wrapf(config.ErrConfigInvalid, "block %q has %d elements, shape %v requires %d",
				b.Name, len(parts[ii]), b.Shape, b.Size())
		}
		flat = append(flat, parts[ii]...)
	}
	return flat, nil
}
