// Package backend opens accelerator devices by name.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/samcharles93/accelops/internal/backend/emu"
	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/logger"
)

const (
	Emu    = "emu"
	CUDA   = "cuda"
	WebGPU = "webgpu"
	Auto   = "auto"
)

// Options configures Open. Zero values pick backend defaults.
type Options struct {
	Ordinal int
	// Workers bounds concurrent work-groups on the emulated device.
	Workers int
	// MemoryLimit caps live emulated allocations in bytes.
	MemoryLimit int64
}

// Normalize lower-cases name and maps "" to Auto.
func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Emu, CUDA, WebGPU, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, emu, cuda, or webgpu)", backend)
	}
}

// Open returns a device for the named backend. Auto picks the first
// hardware backend that initialises and falls back to emu.
func Open(ctx context.Context, name string, opts Options) (device.Device, error) {
	backend, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)

	switch backend {
	case Emu:
		return newEmu(opts), nil
	case CUDA:
		return newCUDA(opts)
	case WebGPU:
		return newWebGPU(opts)
	}

	for _, candidate := range []string{CUDA, WebGPU} {
		if !Has(candidate) {
			continue
		}
		var dev device.Device
		if candidate == CUDA {
			dev, err = newCUDA(opts)
		} else {
			dev, err = newWebGPU(opts)
		}
		if err == nil {
			log.Info("backend selected", "backend", candidate, "device", dev.Info().Name)
			return dev, nil
		}
		log.Debug("backend unavailable", "backend", candidate, "error", err)
	}
	dev := newEmu(opts)
	log.Info("backend selected", "backend", Emu, "device", dev.Info().Name)
	return dev, nil
}

func newEmu(opts Options) device.Device {
	return emu.New(emu.Options{
		Ordinal:      opts.Ordinal,
		ComputeUnits: opts.Workers,
		MemoryLimit:  opts.MemoryLimit,
	})
}
