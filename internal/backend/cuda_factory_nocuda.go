//go:build !cuda

package backend

import (
	"fmt"

	"github.com/samcharles93/accelops/internal/device"
)

const cudaEnabled = false

func newCUDA(Options) (device.Device, error) {
	return nil, fmt.Errorf("cuda backend is not available in this build")
}
