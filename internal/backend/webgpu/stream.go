//go:build windows

package webgpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/tensor"
)

// pendingRead lands a mapped staging window in dst at Synchronize.
type pendingRead struct {
	dst     []byte
	staging *wgpu.Buffer
	skip    uint64
	size    uint64
}

// releaser is anything a command keeps alive until the queue drains.
type releaser interface{ Release() }

// Stream batches command buffers and submits them on Synchronize, the way
// a WebGPU queue expects few large submissions. Uploads go through
// mapped staging buffers; every copy is widened to 4-byte alignment.
type Stream struct {
	dev *Device

	mu       sync.Mutex
	closed   bool
	err      error
	commands []*wgpu.CommandBuffer
	reads    []pendingRead
	keep     []releaser
}

func (s *Stream) Device() device.Device { return s.dev }

// record runs fn under the stream lock. A failure is kept for the next
// Synchronize and later work is skipped until then.
func (s *Stream) record(ctx context.Context, what string, fn func() error) error {
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
	if err := guard(what, fn); err != nil {
		s.err = err
	}
	return nil
}

// window widens [off, off+n) to word boundaries.
func window(off, n int64) (lo, hi uint64) {
	return uint64(off) &^ 3, uint64(align4(off + n))
}

func (s *Stream) Upload(ctx context.Context, dst tensor.Buffer, off int64, src []byte) error {
	b, err := s.dev.own(dst)
	if err != nil {
		return err
	}
	if off < 0 || off+int64(len(src)) > b.size {
		return fmt.Errorf("webgpu: upload: range [%d,%d) outside %d byte buffer", off, off+int64(len(src)), b.size)
	}
	if len(src) == 0 {
		return nil
	}
	return s.record(ctx, "upload", func() error {
		lo, hi := window(off, int64(len(src)))
		data := make([]byte, hi-lo)
		if lo != uint64(off) || hi != lo+uint64(len(src)) {
			// keep the neighbouring bytes of the edge words
			if err := s.readNowLocked(b, lo, data); err != nil {
				return err
			}
		}
		copy(data[uint64(off)-lo:], src)
		staging := s.dev.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Usage:            wgpu.BufferUsageCopySrc,
			Size:             uint64(len(data)),
			MappedAtCreation: wgpu.True,
		})
		copy(unsafe.Slice((*byte)(staging.GetMappedRange(0, uint64(len(data)))), len(data)), data)
		staging.Unmap()
		s.keep = append(s.keep, staging)

		enc := s.dev.dev.CreateCommandEncoder(nil)
		enc.CopyBufferToBuffer(staging, 0, b.gpu, lo, uint64(len(data)))
		s.commands = append(s.commands, enc.Finish(nil))
		return nil
	})
}

func (s *Stream) Download(ctx context.Context, dst []byte, src tensor.Buffer, off int64) error {
	b, err := s.dev.own(src)
	if err != nil {
		return err
	}
	if off < 0 || off+int64(len(dst)) > b.size {
		return fmt.Errorf("webgpu: download: range [%d,%d) outside %d byte buffer", off, off+int64(len(dst)), b.size)
	}
	if len(dst) == 0 {
		return nil
	}
	return s.record(ctx, "download", func() error {
		lo, hi := window(off, int64(len(dst)))
		staging := s.dev.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
			Size:  hi - lo,
		})
		enc := s.dev.dev.CreateCommandEncoder(nil)
		enc.CopyBufferToBuffer(b.gpu, lo, staging, 0, hi-lo)
		s.commands = append(s.commands, enc.Finish(nil))
		s.reads = append(s.reads, pendingRead{dst: dst, staging: staging, skip: uint64(off) - lo, size: hi - lo})
		return nil
	})
}

// Copy issues a buffer copy when both views are packed and word aligned
// and stages everything else through the host.
func (s *Stream) Copy(ctx context.Context, dst, src *tensor.Tensor) error {
	if err := device.CheckCopy(s, dst, src); err != nil {
		return err
	}
	size := int64(src.DType().Size())
	bytes := int64(src.NumElements()) * size
	dOff, sOff := int64(dst.Offset())*size, int64(src.Offset())*size
	if !dst.IsContiguous() || !src.IsContiguous() || dOff%4 != 0 || sOff%4 != 0 || bytes%4 != 0 {
		return device.StagedCopy(ctx, s, dst, src)
	}
	if bytes == 0 {
		return nil
	}
	db, err := s.dev.own(dst.Buffer())
	if err != nil {
		return err
	}
	sb, err := s.dev.own(src.Buffer())
	if err != nil {
		return err
	}
	if db == sb {
		return device.StagedCopy(ctx, s, dst, src)
	}
	return s.record(ctx, "copy", func() error {
		enc := s.dev.dev.CreateCommandEncoder(nil)
		enc.CopyBufferToBuffer(sb.gpu, uint64(sOff), db.gpu, uint64(dOff), uint64(bytes))
		s.commands = append(s.commands, enc.Finish(nil))
		return nil
	})
}

// readNowLocked submits everything recorded so far and reads a word-aligned
// range of b synchronously.
func (s *Stream) readNowLocked(b *Buffer, lo uint64, out []byte) error {
	staging := s.dev.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  uint64(len(out)),
	})
	defer staging.Release()
	enc := s.dev.dev.CreateCommandEncoder(nil)
	enc.CopyBufferToBuffer(b.gpu, lo, staging, 0, uint64(len(out)))
	s.commands = append(s.commands, enc.Finish(nil))
	s.submitLocked()
	if err := staging.MapAsync(s.dev.dev, wgpu.MapModeRead, 0, uint64(len(out))); err != nil {
		return fmt.Errorf("failed to map staging buffer: %w", err)
	}
	copy(out, unsafe.Slice((*byte)(staging.GetMappedRange(0, uint64(len(out)))), len(out)))
	staging.Unmap()
	return nil
}

func (s *Stream) submitLocked() {
	if len(s.commands) == 0 {
		return
	}
	s.dev.queue.Submit(s.commands...)
	s.commands = s.commands[:0]
}

// Synchronize submits the batch and waits for it by mapping the staging
// buffers, or a fence copied after the last command.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrClosed
	}
	err := guard("synchronize", s.drainLocked)
	err = errors.Join(s.err, err)
	s.err = nil
	return err
}

func (s *Stream) drainLocked() error {
	defer s.releaseLocked()
	if s.err != nil {
		s.commands = s.commands[:0]
		return nil
	}
	reads := s.reads
	if len(reads) == 0 {
		// the fence only maps once the queue reaches its copy
		src := s.dev.dev.CreateBuffer(&wgpu.BufferDescriptor{Usage: wgpu.BufferUsageCopySrc, Size: 4})
		fence := s.dev.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
			Size:  4,
		})
		s.keep = append(s.keep, src, fence)
		enc := s.dev.dev.CreateCommandEncoder(nil)
		enc.CopyBufferToBuffer(src, 0, fence, 0, 4)
		s.commands = append(s.commands, enc.Finish(nil))
		reads = []pendingRead{{staging: fence, size: 4}}
	}
	s.submitLocked()
	for _, r := range reads {
		if err := r.staging.MapAsync(s.dev.dev, wgpu.MapModeRead, 0, r.size); err != nil {
			return fmt.Errorf("failed to map staging buffer: %w", err)
		}
		if r.dst != nil {
			mapped := unsafe.Slice((*byte)(r.staging.GetMappedRange(0, r.size)), r.size)
			copy(r.dst, mapped[r.skip:])
		}
		r.staging.Unmap()
	}
	return nil
}

func (s *Stream) releaseLocked() {
	for _, r := range s.reads {
		r.staging.Release()
	}
	for _, k := range s.keep {
		k.Release()
	}
	s.reads, s.keep = s.reads[:0], s.keep[:0]
}

// Close waits for recorded work and drops the batch.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := guard("close stream", s.drainLocked)
	s.closed = true
	return err
}

func (d *Device) resolve(s device.Stream) (*Stream, error) {
	ws, ok := s.(*Stream)
	if !ok || ws.dev != d {
		return nil, fmt.Errorf("%w: kernel for %s", device.ErrForeignStream, d.info.ID)
	}
	return ws, nil
}
