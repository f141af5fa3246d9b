//go:build windows

package webgpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/tensor"
)

// Kind is the device kind reported in tensor.Device.
const Kind = "webgpu"

// workgroupSize is the elementwise workgroup width used by the shaders.
const workgroupSize = 256

// Device is the default WebGPU adapter.
type Device struct {
	info     device.Info
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	dev      *wgpu.Device
	queue    *wgpu.Queue
	kernels  *kernels

	mu        sync.Mutex
	closed    bool
	shaders   []*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
}

// New opens the high-performance adapter. Only ordinal 0 is addressable.
func New(ordinal int) (d device.Device, err error) {
	if ordinal != 0 {
		return nil, fmt.Errorf("webgpu: adapter %d not addressable, only 0", ordinal)
	}
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request adapter: %w", err)
	}
	gpu, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w", err)
	}
	queue := gpu.GetQueue()
	if queue == nil {
		gpu.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to get queue")
	}

	wd := &Device{
		info: device.Info{
			ID:           tensor.Device{Kind: Kind, Ordinal: ordinal},
			Name:         "WebGPU adapter",
			ComputeUnits: 1,
			MaxGroupSize: workgroupSize,
			Features:     []string{"wgsl", "pack2x16float"},
		},
		instance:  instance,
		adapter:   adapter,
		dev:       gpu,
		queue:     queue,
		pipelines: make(map[string]*wgpu.ComputePipeline),
	}
	wd.kernels = &kernels{dev: wd}
	return wd, nil
}

func (d *Device) Info() device.Info {
	info := d.info
	info.Features = append([]string(nil), d.info.Features...)
	return info
}

// Alloc rounds the allocation up to a whole number of 32-bit words, the
// unit of WGSL storage arrays and buffer copies.
func (d *Device) Alloc(bytes int64) (buf tensor.Buffer, err error) {
	if bytes <= 0 {
		return nil, fmt.Errorf("webgpu: alloc size must be > 0, got %d", bytes)
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, device.ErrClosed
	}
	err = guard("alloc", func() error {
		gpu := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
			Size:  uint64(align4(bytes)),
		})
		buf = &Buffer{dev: d, gpu: gpu, size: bytes}
		return nil
	})
	return buf, err
}

func (d *Device) NewStream() (device.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, device.ErrClosed
	}
	return &Stream{dev: d}, nil
}

func (d *Device) Kernels() device.Kernels {
	return d.kernels
}

// Close releases the pipelines and the adapter. Buffers must be freed first.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return guard("close", func() error {
		for _, p := range d.pipelines {
			p.Release()
		}
		d.pipelines = nil
		for _, s := range d.shaders {
			s.Release()
		}
		d.shaders = nil
		d.queue.Release()
		d.dev.Release()
		d.adapter.Release()
		d.instance.Release()
		return nil
	})
}

// pipeline compiles name once and caches it for the device lifetime.
func (d *Device) pipeline(name, code string) (*wgpu.ComputePipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pipelines[name]; ok {
		return p, nil
	}
	var p *wgpu.ComputePipeline
	err := guard("compile "+name, func() error {
		shader := d.dev.CreateShaderModuleWGSL(code)
		d.shaders = append(d.shaders, shader)
		p = d.dev.CreateComputePipelineSimple(nil, shader, "main")
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.pipelines[name] = p
	return p, nil
}

// Buffer is a WebGPU storage buffer.
type Buffer struct {
	dev   *Device
	gpu   *wgpu.Buffer
	size  int64
	freed atomic.Bool
}

func (b *Buffer) Size() int64           { return b.size }
func (b *Buffer) Device() tensor.Device { return b.dev.info.ID }

func (b *Buffer) Free() error {
	if b.freed.Swap(true) {
		return nil
	}
	return guard("free", func() error {
		b.gpu.Release()
		return nil
	})
}

func (b *Buffer) padded() uint64 { return uint64(align4(b.size)) }

func (d *Device) own(buf tensor.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.dev != d {
		return nil, fmt.Errorf("%w: buffer is not on %s", device.ErrForeignBuffer, d.info.ID)
	}
	if b.freed.Load() {
		return nil, fmt.Errorf("webgpu: use of freed buffer")
	}
	return b, nil
}

func align4(n int64) int64 { return (n + 3) &^ 3 }

// guard turns a panic from the native bindings into an error.
func guard(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webgpu: %s failed: %v", what, r)
		}
	}()
	return fn()
}
