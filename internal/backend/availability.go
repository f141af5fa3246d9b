package backend

import "strings"

// Available returns a comma-separated list of backends compiled into this build.
func Available() string {
	entries := []string{Emu}
	if Has(CUDA) {
		entries = append(entries, CUDA)
	}
	if Has(WebGPU) {
		entries = append(entries, WebGPU)
	}
	return strings.Join(entries, ",")
}

// Has reports whether the named backend is compiled in. It does not probe
// for hardware.
func Has(name string) bool {
	switch name {
	case Emu:
		return true
	case CUDA:
		return cudaEnabled
	case WebGPU:
		return webgpuEnabled
	default:
		return false
	}
}
