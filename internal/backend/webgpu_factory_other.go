//go:build !windows

package backend

import (
	"fmt"

	"github.com/samcharles93/accelops/internal/device"
)

const webgpuEnabled = false

func newWebGPU(Options) (device.Device, error) {
	return nil, fmt.Errorf("webgpu backend is not available in this build")
}
