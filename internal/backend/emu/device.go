// Package emu is a software accelerator. Device memory is host memory,
// streams are ordered goroutine queues and kernels run their work-groups
// on a bounded pool. It is always available and is the reference the
// hardware backends are tested against.
package emu

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/launch"
	"github.com/samcharles93/accelops/internal/tensor"
)

// Kind is the device kind reported in tensor.Device.
const Kind = "emu"

// maxAlloc is the largest buffer the Go heap can back.
const maxAlloc int64 = min(1<<48, math.MaxInt)

// Options configures a Device. Zero values pick defaults.
type Options struct {
	Ordinal int
	// ComputeUnits bounds how many work-groups run at once.
	ComputeUnits int
	// MemoryLimit caps live allocations in bytes; 0 means unlimited.
	MemoryLimit int64
}

// Stats counts allocations over the device lifetime.
type Stats struct {
	Allocs      int64
	Frees       int64
	LiveBuffers int64
	LiveBytes   int64
	PeakBytes   int64
}

// Device implements device.Device on host memory.
type Device struct {
	info  device.Info
	limit int64

	mu     sync.Mutex
	stats  Stats
	closed bool

	kernels *kernels
}

// New creates an emulated device.
func New(opts Options) *Device {
	units := opts.ComputeUnits
	if units <= 0 {
		units = max(runtime.GOMAXPROCS(0), 1)
	}
	d := &Device{
		info: device.Info{
			ID:           tensor.Device{Kind: Kind, Ordinal: opts.Ordinal},
			Name:         fmt.Sprintf("emulated accelerator (%s/%s)", runtime.GOOS, runtime.GOARCH),
			ComputeUnits: units,
			MaxGroupSize: launch.MaxGroupSize,
			MemoryBytes:  opts.MemoryLimit,
			Features:     hostFeatures(),
		},
		limit: opts.MemoryLimit,
	}
	d.kernels = newKernels(d)
	return d
}

func (d *Device) Info() device.Info {
	info := d.info
	info.Features = append([]string(nil), d.info.Features...)
	return info
}

// Alloc returns a zeroed buffer.
func (d *Device) Alloc(bytes int64) (tensor.Buffer, error) {
	if bytes <= 0 {
		return nil, fmt.Errorf("emu: alloc size must be > 0, got %d", bytes)
	}
	if bytes > maxAlloc {
		return nil, fmt.Errorf("emu: alloc %d bytes: exceeds the %d byte host limit", bytes, maxAlloc)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, device.ErrClosed
	}
	if d.limit > 0 && d.stats.LiveBytes+bytes > d.limit {
		return nil, fmt.Errorf("emu: alloc %d bytes: out of memory (%d of %d live)", bytes, d.stats.LiveBytes, d.limit)
	}
	d.stats.Allocs++
	d.stats.LiveBuffers++
	d.stats.LiveBytes += bytes
	d.stats.PeakBytes = max(d.stats.PeakBytes, d.stats.LiveBytes)
	return &Buffer{dev: d, data: make([]byte, bytes)}, nil
}

func (d *Device) release(bytes int64) {
	d.mu.Lock()
	d.stats.Frees++
	d.stats.LiveBuffers--
	d.stats.LiveBytes -= bytes
	d.mu.Unlock()
}

// Stats returns a snapshot of the allocation counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Device) NewStream() (device.Stream, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, device.ErrClosed
	}
	return newStream(d), nil
}

func (d *Device) Kernels() device.Kernels {
	return d.kernels
}

// Close rejects further allocations. Live buffers stay valid until freed.
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// own resolves buf to this device's backing store.
func (d *Device) own(buf tensor.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.dev != d {
		return nil, fmt.Errorf("%w: %v is not on %s", device.ErrForeignBuffer, deviceOf(buf), d.info.ID)
	}
	if b.freed.Load() {
		return nil, fmt.Errorf("emu: use of freed buffer")
	}
	return b, nil
}

func deviceOf(buf tensor.Buffer) any {
	if buf == nil {
		return "nil buffer"
	}
	return buf.Device()
}

func hostFeatures() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
		add(cpu.X86.HasAVX512BF16, "avx512bf16")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "asimd")
		add(cpu.ARM64.HasFPHP, "fphp")
		add(cpu.ARM64.HasASIMDHP, "asimdhp")
	}
	return out
}
