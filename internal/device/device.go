// Package device defines the accelerator abstraction the operators run on:
// devices own memory and kernels, streams order work on one device.
package device

import (
	"context"
	"errors"

	"github.com/samcharles93/accelops/internal/gemm"
	"github.com/samcharles93/accelops/internal/launch"
	"github.com/samcharles93/accelops/internal/tensor"
)

var (
	ErrClosed        = errors.New("device: closed")
	ErrForeignBuffer = errors.New("device: buffer belongs to another device")
	ErrForeignStream = errors.New("device: stream belongs to another device")
)

// Info describes a device as reported by its backend.
type Info struct {
	ID           tensor.Device `json:"id"`
	Name         string        `json:"name"`
	ComputeUnits int           `json:"compute_units"`
	MaxGroupSize int           `json:"max_group_size"`
	MemoryBytes  int64         `json:"memory_bytes,omitempty"`
	Features     []string      `json:"features,omitempty"`
}

// Device is one accelerator.
type Device interface {
	Info() Info
	// Alloc returns uninitialised device memory of at least bytes bytes.
	Alloc(bytes int64) (tensor.Buffer, error)
	NewStream() (Stream, error)
	Kernels() Kernels
	Close() error
}

// Stream is an ordered queue of device work. Every enqueue may return
// before the work runs; Synchronize blocks until all of it completes and
// reports the first failure since the previous Synchronize.
type Stream interface {
	Device() Device
	// Upload copies src into dst starting at byte offset off. src must stay
	// untouched until Synchronize returns.
	Upload(ctx context.Context, dst tensor.Buffer, off int64, src []byte) error
	// Download copies len(dst) bytes from src at byte offset off. dst is
	// valid once Synchronize returns.
	Download(ctx context.Context, dst []byte, src tensor.Buffer, off int64) error
	// Copy writes every element of the src view into the dst view. Views
	// share shape and dtype and may have arbitrary strides.
	Copy(ctx context.Context, dst, src *tensor.Tensor) error
	Synchronize() error
	Close() error
}

// Kernels is the per-device kernel library.
type Kernels interface {
	// Add returns the elementwise add kernel for dtype, if compiled.
	Add(dtype tensor.DType) (AddKernel, bool)
	// Gemm binds a registered variant to this device.
	Gemm(inst gemm.Instantiation) (GemmKernel, error)
}

// AddKernel computes c[i] = a[i] + b[i] for i < geo.N. Buffers are packed
// starting at the given element offsets.
type AddKernel interface {
	Launch(ctx context.Context, s Stream, geo launch.Geometry, a, b, c Span) error
}

// Span is a buffer plus an element offset.
type Span struct {
	Buffer tensor.Buffer
	Offset int
}

// GemmKernel is a device-bound GEMM variant.
type GemmKernel interface {
	Instantiation() gemm.Instantiation
	WorkspaceSize(args gemm.Arguments) int64
	CanImplement(args gemm.Arguments) error
	// Run enqueues the kernel. workspace may be nil when WorkspaceSize is 0.
	Run(ctx context.Context, s Stream, args gemm.Arguments, workspace tensor.Buffer) error
}
