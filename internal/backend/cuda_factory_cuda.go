//go:build cuda

package backend

import (
	"github.com/samcharles93/accelops/internal/backend/cuda"
	"github.com/samcharles93/accelops/internal/device"
)

const cudaEnabled = true

func newCUDA(opts Options) (device.Device, error) {
	return cuda.New(opts.Ordinal)
}
