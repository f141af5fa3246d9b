//go:build cuda

// Package native binds the few CUDA runtime and cuBLAS entry points the
// cuda backend needs. Declarations are written out by hand so the build
// only needs the shared libraries, not the toolkit headers.
package native

/*
#cgo LDFLAGS: -lcudart

typedef void* cudaStream_t;
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaSetDevice(int device);
extern cudaError_t cudaDeviceGetAttribute(int* value, int attr, int device);
extern cudaError_t cudaMemGetInfo(unsigned long long* free, unsigned long long* total);
extern cudaError_t cudaStreamCreate(cudaStream_t* stream);
extern cudaError_t cudaStreamDestroy(cudaStream_t stream);
extern cudaError_t cudaStreamSynchronize(cudaStream_t stream);
extern cudaError_t cudaMalloc(void** ptr, unsigned long long size);
extern cudaError_t cudaFree(void* ptr);
extern cudaError_t cudaMallocHost(void** ptr, unsigned long long size);
extern cudaError_t cudaFreeHost(void* ptr);
extern cudaError_t cudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream);

enum {
	accelopsMemcpyH2D = 1,
	accelopsMemcpyD2H = 2,
	accelopsMemcpyD2D = 3,
	accelopsAttrMaxThreadsPerBlock = 1,
	accelopsAttrMultiprocessorCount = 16,
};
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Stream is a cudaStream_t. The zero value is the legacy default stream.
type Stream struct {
	ptr C.cudaStream_t
}

// DeviceBuffer is a device pointer, either an allocation or a view into one.
type DeviceBuffer struct {
	ptr unsafe.Pointer
}

// HostBuffer is page-locked host memory usable by async copies.
type HostBuffer struct {
	ptr unsafe.Pointer
}

func DeviceCount() (int, error) {
	var count C.int
	if err := check(C.cudaGetDeviceCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

// SetDevice binds the calling OS thread to ordinal.
func SetDevice(ordinal int) error {
	return check(C.cudaSetDevice(C.int(ordinal)))
}

// DeviceLimits reports the multiprocessor count and the largest block.
func DeviceLimits(ordinal int) (multiprocessors, maxThreads int, err error) {
	var sm, threads C.int
	if err := check(C.cudaDeviceGetAttribute(&sm, C.accelopsAttrMultiprocessorCount, C.int(ordinal))); err != nil {
		return 0, 0, err
	}
	if err := check(C.cudaDeviceGetAttribute(&threads, C.accelopsAttrMaxThreadsPerBlock, C.int(ordinal))); err != nil {
		return 0, 0, err
	}
	return int(sm), int(threads), nil
}

// MemInfo reports free and total memory of the current device.
func MemInfo() (free, total int64, err error) {
	var f, t C.ulonglong
	if err := check(C.cudaMemGetInfo(&f, &t)); err != nil {
		return 0, 0, err
	}
	return int64(f), int64(t), nil
}

func NewStream() (Stream, error) {
	var s C.cudaStream_t
	if err := check(C.cudaStreamCreate(&s)); err != nil {
		return Stream{}, err
	}
	return Stream{ptr: s}, nil
}

func (s Stream) Synchronize() error {
	if s.ptr == nil {
		return nil
	}
	return check(C.cudaStreamSynchronize(s.ptr))
}

func (s Stream) Destroy() error {
	if s.ptr == nil {
		return nil
	}
	return check(C.cudaStreamDestroy(s.ptr))
}

func AllocDevice(bytes int64) (DeviceBuffer, error) {
	if bytes <= 0 {
		return DeviceBuffer{}, fmt.Errorf("cuda: device alloc of %d bytes", bytes)
	}
	var p unsafe.Pointer
	if err := check(C.cudaMalloc(&p, C.ulonglong(bytes))); err != nil {
		return DeviceBuffer{}, err
	}
	return DeviceBuffer{ptr: p}, nil
}

func (b DeviceBuffer) Ptr() unsafe.Pointer { return b.ptr }

// Offset returns a view starting bytes past b. The view must not be freed.
func (b DeviceBuffer) Offset(bytes int64) DeviceBuffer {
	return DeviceBuffer{ptr: unsafe.Add(b.ptr, bytes)}
}

func (b DeviceBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return check(C.cudaFree(b.ptr))
}

func AllocHostPinned(bytes int64) (HostBuffer, error) {
	if bytes <= 0 {
		return HostBuffer{}, fmt.Errorf("cuda: pinned alloc of %d bytes", bytes)
	}
	var p unsafe.Pointer
	if err := check(C.cudaMallocHost(&p, C.ulonglong(bytes))); err != nil {
		return HostBuffer{}, err
	}
	return HostBuffer{ptr: p}, nil
}

func (b HostBuffer) Ptr() unsafe.Pointer { return b.ptr }

func (b HostBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return check(C.cudaFreeHost(b.ptr))
}

func MemcpyH2DAsync(dst DeviceBuffer, src unsafe.Pointer, bytes int64, s Stream) error {
	return memcpyAsync(dst.ptr, src, bytes, C.accelopsMemcpyH2D, s)
}

func MemcpyD2HAsync(dst unsafe.Pointer, src DeviceBuffer, bytes int64, s Stream) error {
	return memcpyAsync(dst, src.ptr, bytes, C.accelopsMemcpyD2H, s)
}

func MemcpyD2DAsync(dst, src DeviceBuffer, bytes int64, s Stream) error {
	return memcpyAsync(dst.ptr, src.ptr, bytes, C.accelopsMemcpyD2D, s)
}

func memcpyAsync(dst, src unsafe.Pointer, bytes int64, kind C.int, s Stream) error {
	if bytes <= 0 {
		return nil
	}
	return check(C.cudaMemcpyAsync(dst, src, C.ulonglong(bytes), kind, s.ptr))
}

func check(code C.cudaError_t) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("cuda runtime error %d: %s", int(code), C.GoString(C.cudaGetErrorString(code)))
}
