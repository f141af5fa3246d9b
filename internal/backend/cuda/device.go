//go:build cuda

// Package cuda runs the operators on NVIDIA GPUs through the CUDA runtime
// and cuBLAS.
package cuda

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/accelops/internal/backend/cuda/native"
	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/launch"
	"github.com/samcharles93/accelops/internal/tensor"
)

// Kind is the device kind reported in tensor.Device.
const Kind = "cuda"

// Device is one CUDA GPU.
type Device struct {
	info    device.Info
	kernels *kernels

	mu     sync.Mutex
	closed bool
}

// New opens GPU ordinal.
func New(ordinal int) (device.Device, error) {
	count, err := native.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("cuda device query failed: %w", err)
	}
	if count < 1 {
		return nil, fmt.Errorf("no cuda devices detected")
	}
	if ordinal < 0 || ordinal >= count {
		return nil, fmt.Errorf("cuda device %d out of range (%d detected)", ordinal, count)
	}

	d := &Device{info: device.Info{
		ID:   tensor.Device{Kind: Kind, Ordinal: ordinal},
		Name: fmt.Sprintf("CUDA device %d", ordinal),
	}}
	unbind, err := d.bind()
	if err != nil {
		return nil, err
	}
	defer unbind()
	sm, threads, err := native.DeviceLimits(ordinal)
	if err != nil {
		return nil, fmt.Errorf("cuda device %d attributes: %w", ordinal, err)
	}
	_, total, err := native.MemInfo()
	if err != nil {
		return nil, fmt.Errorf("cuda device %d memory: %w", ordinal, err)
	}
	d.info.ComputeUnits = sm
	d.info.MaxGroupSize = min(threads, launch.MaxGroupSize)
	d.info.MemoryBytes = total
	d.info.Features = []string{"cublas", "bf16"}
	d.kernels = &kernels{dev: d}
	return d, nil
}

// bind pins the goroutine to its OS thread and makes this device current
// on it. Call the returned func when the CUDA calls are done.
func (d *Device) bind() (func(), error) {
	runtime.LockOSThread()
	if err := native.SetDevice(d.info.ID.Ordinal); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return runtime.UnlockOSThread, nil
}

func (d *Device) Info() device.Info {
	info := d.info
	info.Features = append([]string(nil), d.info.Features...)
	return info
}

func (d *Device) Alloc(bytes int64) (tensor.Buffer, error) {
	if bytes <= 0 {
		return nil, fmt.Errorf("cuda: alloc size must be > 0, got %d", bytes)
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, device.ErrClosed
	}
	unbind, err := d.bind()
	if err != nil {
		return nil, err
	}
	defer unbind()
	mem, err := native.AllocDevice(bytes)
	if err != nil {
		return nil, fmt.Errorf("cuda: alloc %d bytes: %w", bytes, err)
	}
	return &Buffer{dev: d, mem: mem, size: bytes}, nil
}

func (d *Device) NewStream() (device.Stream, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, device.ErrClosed
	}
	return newStream(d)
}

func (d *Device) Kernels() device.Kernels {
	return d.kernels
}

// Close rejects further allocations and streams.
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Buffer is CUDA device memory.
type Buffer struct {
	dev   *Device
	mem   native.DeviceBuffer
	size  int64
	freed atomic.Bool
}

func (b *Buffer) Size() int64           { return b.size }
func (b *Buffer) Device() tensor.Device { return b.dev.info.ID }

func (b *Buffer) Free() error {
	if b.freed.Swap(true) {
		return nil
	}
	unbind, err := b.dev.bind()
	if err != nil {
		return err
	}
	defer unbind()
	return b.mem.Free()
}

// own resolves buf to this device's memory.
func (d *Device) own(buf tensor.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.dev != d {
		return nil, fmt.Errorf("%w: buffer is not on %s", device.ErrForeignBuffer, d.info.ID)
	}
	if b.freed.Load() {
		return nil, fmt.Errorf("cuda: use of freed buffer")
	}
	return b, nil
}

// span returns the device pointer off bytes into b after a bounds check.
func (b *Buffer) span(off, n int64) (native.DeviceBuffer, error) {
	if off < 0 || n < 0 || off+n > b.size {
		return native.DeviceBuffer{}, fmt.Errorf("range [%d,%d) outside %d byte buffer", off, off+n, b.size)
	}
	return b.mem.Offset(off), nil
}
