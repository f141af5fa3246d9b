package ops

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/launch"
	"github.com/samcharles93/accelops/internal/logger"
	"github.com/samcharles93/accelops/internal/tensor"
)

// OpAdd is the registry name of the f16 elementwise add.
const OpAdd = "add_fp16"

// Add returns a new tensor c with c[i] = a[i] + b[i] computed in half
// precision on the stream's device. It blocks until the device finishes.
func Add(ctx context.Context, s device.Stream, a, b *tensor.Tensor) (c *tensor.Tensor, err error) {
	if a.DType() != tensor.F16 || b.DType() != tensor.F16 {
		return nil, newError(OpAdd, ErrInvalidElementType, "operands are %s and %s, want f16", a.DType(), b.DType())
	}
	if !a.Shape().Equal(b.Shape()) {
		return nil, newError(OpAdd, ErrShapeMismatch, "%s vs %s", a.Shape(), b.Shape())
	}
	if err := onDevice(OpAdd, s, a, b); err != nil {
		return nil, err
	}
	dev := s.Device()
	kernel, ok := dev.Kernels().Add(tensor.F16)
	if !ok {
		return nil, newError(OpAdd, ErrUnsupportedDevice, "%s has no f16 add kernel", dev.Info().ID)
	}

	out, err := device.Empty(dev, a.Shape(), tensor.F16)
	if err != nil {
		return nil, fmt.Errorf("%s: allocate output: %w", OpAdd, err)
	}
	defer func() {
		if err != nil {
			_ = out.Buffer().Free()
			c = nil
		}
	}()

	n := a.NumElements()
	geo := launch.ConfigureLimit(n, dev.Info().MaxGroupSize)
	logger.FromContext(ctx).Debug("add", "n", n, "geometry", geo.String(), "device", dev.Info().ID.String())
	if geo.Empty() {
		return out, nil
	}

	var sc scratch
	defer func() {
		err = errors.Join(err, sc.release())
	}()
	ac, err := sc.contiguous(ctx, s, a)
	if err != nil {
		return nil, fmt.Errorf("%s: gather a: %w", OpAdd, err)
	}
	bc, err := sc.contiguous(ctx, s, b)
	if err != nil {
		return nil, fmt.Errorf("%s: gather b: %w", OpAdd, err)
	}

	err = kernel.Launch(ctx, s, geo,
		device.Span{Buffer: ac.Buffer(), Offset: ac.Offset()},
		device.Span{Buffer: bc.Buffer(), Offset: bc.Offset()},
		device.Span{Buffer: out.Buffer()})
	if err != nil {
		return nil, fmt.Errorf("%s: launch: %w", OpAdd, err)
	}
	if err := s.Synchronize(); err != nil {
		return nil, fmt.Errorf("%s: %w", OpAdd, err)
	}
	return out, nil
}
