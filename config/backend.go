// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultAcceleratorBackend is the backend configuration used when UseAccelerator is set and no
// explicit backend is given.
const DefaultAcceleratorBackend = "xla:cuda"

// acceleratorPlugins are the backend plugins that count as hardware acceleration.
var acceleratorPlugins = []string{"cuda", "gpu", "rocm", "tpu", "metal"}

// NewBackend creates the computation backend for cfg.
//
// If cfg.UseAccelerator is set, the backend must be an accelerator: the function returns an error
// wrapping ErrAcceleratorUnavailable rather than silently falling back to the CPU.
func NewBackend(cfg Config) (backend backends.Backend, err error) {
	backendConfig := cfg.Backend
	if cfg.UseAccelerator {
		if backendConfig == "" {
			backendConfig = DefaultAcceleratorBackend
		}
		if !IsAcceleratorConfig(backendConfig) {
			return nil, errors.Wrapf(ErrAcceleratorUnavailable, "backend %q is not an accelerator", backendConfig)
		}
	}
	err = exceptions.TryCatch[error](func() {
		if backendConfig == "" {
			backend = backends.New()
		} else {
			backend = backends.NewWithConfig(backendConfig)
		}
	})
	if err != nil {
		if cfg.UseAccelerator {
			return nil, errors.Wrapf(ErrAcceleratorUnavailable, "failed to create backend %q: %v", backendConfig, err)
		}
		return nil, errors.WithMessagef(err, "failed to create backend %q", backendConfig)
	}
	klog.V(1).Infof("Backend: %s", backend.Name())
	return backend, nil
}

// IsAcceleratorConfig reports whether the backend configuration string (e.g. "xla:cuda") selects a
// hardware accelerator plugin.
func IsAcceleratorConfig(backendConfig string) bool {
	_, plugin, found := strings.Cut(strings.ToLower(backendConfig), ":")
	if !found {
		return false
	}
	for _, accelerator := range acceleratorPlugins {
		if strings.HasPrefix(plugin, accelerator) {
			return true
		}
	}
	return false
}
