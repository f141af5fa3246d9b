package emu

import (
	"fmt"
	"sync/atomic"

	"github.com/samcharles93/accelops/internal/tensor"
)

// Buffer is emulated device memory.
type Buffer struct {
	dev   *Device
	data  []byte
	freed atomic.Bool
}

func (b *Buffer) Size() int64 { return int64(len(b.data)) }

func (b *Buffer) Device() tensor.Device { return b.dev.info.ID }

// Free returns the memory to the device. A second Free is an error.
func (b *Buffer) Free() error {
	if !b.freed.CompareAndSwap(false, true) {
		return fmt.Errorf("emu: double free of %d byte buffer", len(b.data))
	}
	b.dev.release(int64(len(b.data)))
	return nil
}

// span returns the byte range [off, off+n) after a bounds check.
func (b *Buffer) span(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > int64(len(b.data)) {
		return nil, fmt.Errorf("emu: range [%d,%d) outside %d byte buffer", off, off+n, len(b.data))
	}
	return b.data[off : off+n], nil
}
