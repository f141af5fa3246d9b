//go:build windows

package backend

import (
	"github.com/samcharles93/accelops/internal/backend/webgpu"
	"github.com/samcharles93/accelops/internal/device"
)

const webgpuEnabled = true

func newWebGPU(opts Options) (device.Device, error) {
	return webgpu.New(opts.Ordinal)
}
