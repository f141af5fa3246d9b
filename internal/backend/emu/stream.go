package emu

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/tensor"
)

const streamDepth = 64

type command struct {
	run   func() error
	fence chan error
}

// Stream executes enqueued commands in order on one goroutine. After a
// command fails the rest are skipped until the next Synchronize, which
// returns the failure.
type Stream struct {
	dev  *Device
	cmds chan command
	done chan struct{}

	// err is owned by the worker goroutine.
	err error

	mu     sync.RWMutex
	closed bool
}

func newStream(d *Device) *Stream {
	s := &Stream{
		dev:  d,
		cmds: make(chan command, streamDepth),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Stream) loop() {
	defer close(s.done)
	for cmd := range s.cmds {
		if cmd.fence != nil {
			cmd.fence <- s.err
			s.err = nil
			continue
		}
		if s.err != nil {
			continue
		}
		s.err = cmd.run()
	}
}

func (s *Stream) Device() device.Device { return s.dev }

func (s *Stream) enqueue(ctx context.Context, run func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return device.ErrClosed
	}
	select {
	case s.cmds <- command{run: run}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) Upload(ctx context.Context, dst tensor.Buffer, off int64, src []byte) error {
	b, err := s.dev.own(dst)
	if err != nil {
		return err
	}
	if _, err := b.span(off, int64(len(src))); err != nil {
		return fmt.Errorf("emu: upload: %w", err)
	}
	return s.enqueue(ctx, func() error {
		copy(b.data[off:], src)
		return nil
	})
}

func (s *Stream) Download(ctx context.Context, dst []byte, src tensor.Buffer, off int64) error {
	b, err := s.dev.own(src)
	if err != nil {
		return err
	}
	if _, err := b.span(off, int64(len(dst))); err != nil {
		return fmt.Errorf("emu: download: %w", err)
	}
	return s.enqueue(ctx, func() error {
		copy(dst, b.data[off:])
		return nil
	})
}

// Copy gathers and scatters directly between device buffers.
func (s *Stream) Copy(ctx context.Context, dst, src *tensor.Tensor) error {
	if err := device.CheckCopy(s, dst, src); err != nil {
		return err
	}
	db, err := s.dev.own(dst.Buffer())
	if err != nil {
		return err
	}
	sb, err := s.dev.own(src.Buffer())
	if err != nil {
		return err
	}
	shape := src.Shape()
	dOff, dStrides := dst.Offset(), dst.Strides()
	sOff, sStrides := src.Offset(), src.Strides()
	size := src.DType().Size()
	if db == sb {
		// overlapping views go through a snapshot of the source
		return s.enqueue(ctx, func() error {
			snap := append([]byte(nil), sb.data...)
			tensor.CopyStrided(db.data, dOff, dStrides, snap, sOff, sStrides, shape, size)
			return nil
		})
	}
	return s.enqueue(ctx, func() error {
		tensor.CopyStrided(db.data, dOff, dStrides, sb.data, sOff, sStrides, shape, size)
		return nil
	})
}

func (s *Stream) Synchronize() error {
	fence := make(chan error, 1)
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return device.ErrClosed
	}
	s.cmds <- command{fence: fence}
	s.mu.RUnlock()
	return <-fence
}

// Close drains queued work and stops the worker.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.cmds)
	s.mu.Unlock()
	<-s.done
	return nil
}

// resolve checks that a kernel was handed one of this device's streams.
func (d *Device) resolve(s device.Stream) (*Stream, error) {
	es, ok := s.(*Stream)
	if !ok || es.dev != d {
		return nil, fmt.Errorf("%w: kernel for %s", device.ErrForeignStream, d.info.ID)
	}
	return es, nil
}

// runGroups runs fn for every work-group with at most ComputeUnits in
// flight. Context cancellation stops scheduling new groups.
func (d *Device) runGroups(ctx context.Context, groups int, fn func(group int)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.info.ComputeUnits)
	for group := range groups {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(group)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
