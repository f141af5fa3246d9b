package emu

import (
	"fmt"
	"sync"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/gemm"
	"github.com/samcharles93/accelops/internal/tensor"
)

// kernels binds GEMM variants lazily and keeps them for the device lifetime.
type kernels struct {
	dev *Device

	mu   sync.Mutex
	gemm map[gemm.Key]*gemmKernel
}

func newKernels(d *Device) *kernels {
	return &kernels{dev: d, gemm: make(map[gemm.Key]*gemmKernel)}
}

func (k *kernels) Add(dtype tensor.DType) (device.AddKernel, bool) {
	if dtype != tensor.F16 {
		return nil, false
	}
	return addF16{dev: k.dev}, true
}

func (k *kernels) Gemm(inst gemm.Instantiation) (device.GemmKernel, error) {
	if err := inst.Descriptor.Validate(); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if gk, ok := k.gemm[inst.Key]; ok {
		if gk.inst.Descriptor.Name != inst.Descriptor.Name {
			return nil, fmt.Errorf("emu: %s already bound to %s", inst.Key, gk.inst.Descriptor.Name)
		}
		return gk, nil
	}
	gk := newGemmKernel(k.dev, inst)
	k.gemm[inst.Key] = gk
	return gk, nil
}
