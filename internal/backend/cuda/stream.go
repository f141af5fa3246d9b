//go:build cuda

package cuda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/samcharles93/accelops/internal/backend/cuda/native"
	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/tensor"
)

// pendingRead is a device-to-host copy that lands in dst at Synchronize.
type pendingRead struct {
	dst  []byte
	host native.HostBuffer
}

// Stream wraps a CUDA stream and the cuBLAS handle bound to it. Host
// transfers go through pinned staging buffers that live until the next
// Synchronize.
type Stream struct {
	dev    *Device
	stream native.Stream
	blas   native.BlasHandle

	mu      sync.Mutex
	closed  bool
	err     error
	staging []native.HostBuffer
	reads   []pendingRead
}

func newStream(d *Device) (*Stream, error) {
	unbind, err := d.bind()
	if err != nil {
		return nil, err
	}
	defer unbind()
	stream, err := native.NewStream()
	if err != nil {
		return nil, fmt.Errorf("cuda stream create failed: %w", err)
	}
	blas, err := native.NewBlasHandle(stream)
	if err != nil {
		_ = stream.Destroy()
		return nil, fmt.Errorf("cublas init failed: %w", err)
	}
	return &Stream{dev: d, stream: stream, blas: blas}, nil
}

func (s *Stream) Device() device.Device { return s.dev }

// submit runs fn with the device bound. A failure is kept for the next
// Synchronize and later submissions are skipped until then.
func (s *Stream) submit(ctx context.Context, what string, fn func() error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrClosed
	}
	if s.err != nil {
		return nil
	}
	unbind, err := s.dev.bind()
	if err != nil {
		return err
	}
	defer unbind()
	defer func() {
		if rec := recover(); rec != nil {
			s.err = executionError(what, rec)
		}
	}()
	if ferr := fn(); ferr != nil {
		s.err = ferr
	}
	return nil
}

func (s *Stream) Upload(ctx context.Context, dst tensor.Buffer, off int64, src []byte) error {
	b, err := s.dev.own(dst)
	if err != nil {
		return err
	}
	target, err := b.span(off, int64(len(src)))
	if err != nil {
		return fmt.Errorf("cuda: upload: %w", err)
	}
	if len(src) == 0 {
		return nil
	}
	return s.submit(ctx, "upload", func() error {
		host, err := native.AllocHostPinned(int64(len(src)))
		if err != nil {
			return err
		}
		s.staging = append(s.staging, host)
		copy(unsafe.Slice((*byte)(host.Ptr()), len(src)), src)
		return native.MemcpyH2DAsync(target, host.Ptr(), int64(len(src)), s.stream)
	})
}

func (s *Stream) Download(ctx context.Context, dst []byte, src tensor.Buffer, off int64) error {
	b, err := s.dev.own(src)
	if err != nil {
		return err
	}
	source, err := b.span(off, int64(len(dst)))
	if err != nil {
		return fmt.Errorf("cuda: download: %w", err)
	}
	if len(dst) == 0 {
		return nil
	}
	return s.submit(ctx, "download", func() error {
		host, err := native.AllocHostPinned(int64(len(dst)))
		if err != nil {
			return err
		}
		s.reads = append(s.reads, pendingRead{dst: dst, host: host})
		return native.MemcpyD2HAsync(host.Ptr(), source, int64(len(dst)), s.stream)
	})
}

// Copy moves packed views with one device-to-device copy and stages
// strided ones through the host.
func (s *Stream) Copy(ctx context.Context, dst, src *tensor.Tensor) error {
	if err := device.CheckCopy(s, dst, src); err != nil {
		return err
	}
	if !dst.IsContiguous() || !src.IsContiguous() {
		return device.StagedCopy(ctx, s, dst, src)
	}
	if dst.NumElements() == 0 {
		return nil
	}
	size := int64(src.DType().Size())
	bytes := int64(src.NumElements()) * size
	db, err := s.dev.own(dst.Buffer())
	if err != nil {
		return err
	}
	sb, err := s.dev.own(src.Buffer())
	if err != nil {
		return err
	}
	to, err := db.span(int64(dst.Offset())*size, bytes)
	if err != nil {
		return fmt.Errorf("cuda: copy: %w", err)
	}
	from, err := sb.span(int64(src.Offset())*size, bytes)
	if err != nil {
		return fmt.Errorf("cuda: copy: %w", err)
	}
	return s.submit(ctx, "copy", func() error {
		return native.MemcpyD2DAsync(to, from, bytes, s.stream)
	})
}

func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrClosed
	}
	unbind, err := s.dev.bind()
	if err != nil {
		return err
	}
	defer unbind()

	err = s.stream.Synchronize()
	if err == nil && s.err == nil {
		for _, r := range s.reads {
			copy(r.dst, unsafe.Slice((*byte)(r.host.Ptr()), len(r.dst)))
		}
	}
	err = errors.Join(s.err, err, s.releaseStaging())
	s.err = nil
	return err
}

// releaseStaging must be called with s.mu held and the device bound.
func (s *Stream) releaseStaging() error {
	var errs []error
	for _, h := range s.staging {
		errs = append(errs, h.Free())
	}
	for _, r := range s.reads {
		errs = append(errs, r.host.Free())
	}
	s.staging, s.reads = s.staging[:0], s.reads[:0]
	return errors.Join(errs...)
}

// Close waits for queued work and destroys the stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	unbind, err := s.dev.bind()
	if err != nil {
		return err
	}
	defer unbind()
	return errors.Join(
		s.stream.Synchronize(),
		s.releaseStaging(),
		s.blas.Destroy(),
		s.stream.Destroy(),
	)
}

// resolve checks that a kernel was handed one of this device's streams.
func (d *Device) resolve(s device.Stream) (*Stream, error) {
	cs, ok := s.(*Stream)
	if !ok || cs.dev != d {
		return nil, fmt.Errorf("%w: kernel for %s", device.ErrForeignStream, d.info.ID)
	}
	return cs, nil
}
