package ops

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/gemm"
	"github.com/samcharles93/accelops/internal/logger"
	"github.com/samcharles93/accelops/internal/tensor"
)

// OpGemm is the registry name of the bf16 GEMM.
const OpGemm = "gemm"

var defaultDispatcher = DefaultDispatcher()

type gemmConfig struct {
	out        tensor.DType
	dispatcher *Dispatcher
}

// GemmOption adjusts a single Gemm call.
type GemmOption func(*gemmConfig)

// OutputType requests the element type of an allocated output. It is
// ignored when the caller passes an output tensor.
func OutputType(dt tensor.DType) GemmOption {
	return func(c *gemmConfig) { c.out = dt }
}

// WithDispatcher routes the call through d instead of the default table.
func WithDispatcher(d *Dispatcher) GemmOption {
	return func(c *gemmConfig) { c.dispatcher = d }
}

// Gemm computes C = A x B for row-major A (M x K) and B (K x N) with the
// variant the dispatcher picks for the output type. The default table
// takes bf16 inputs and accumulates in float32. When out is nil a packed
// M x N tensor is allocated with A's element type unless OutputType says
// otherwise. A strided out is written through a packed scratch copy, so
// the caller's view keeps its identity. Gemm blocks until the device
// finishes.
func Gemm(ctx context.Context, s device.Stream, a, b, out *tensor.Tensor, opts ...GemmOption) (c *tensor.Tensor, err error) {
	cfg := gemmConfig{dispatcher: defaultDispatcher}
	for _, opt := range opts {
		opt(&cfg)
	}

	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, newError(OpGemm, ErrShapeMismatch, "operands must be matrices, got %s and %s", a.Shape(), b.Shape())
	}
	m, k := a.Dim(0), a.Dim(1)
	if b.Dim(0) != k {
		return nil, newError(OpGemm, ErrShapeMismatch, "A is %s, B is %s: inner dimensions differ", a.Shape(), b.Shape())
	}
	n := b.Dim(1)
	operands := []*tensor.Tensor{a, b}
	if out != nil {
		if !out.Shape().Equal(tensor.Shape{m, n}) {
			return nil, newError(OpGemm, ErrShapeMismatch, "output is %s, want [%d,%d]", out.Shape(), m, n)
		}
		operands = append(operands, out)
	}
	if err := onDevice(OpGemm, s, operands...); err != nil {
		return nil, err
	}
	inputs := cfg.dispatcher.Inputs()
	if a.DType() != b.DType() || !slices.Contains(inputs, a.DType()) {
		return nil, newError(OpGemm, ErrInvalidElementType, "inputs are %s and %s, want one of %v", a.DType(), b.DType(), inputs)
	}

	outType := a.DType()
	switch {
	case out != nil:
		outType = out.DType()
	case cfg.out != tensor.Invalid:
		outType = cfg.out
	}
	inst, err := cfg.dispatcher.Lookup(outType)
	if err != nil {
		return nil, err
	}
	if inst.Key.In != a.DType() {
		return nil, newError(OpGemm, ErrInvalidElementType, "%s output needs %s inputs, got %s", outType, inst.Key.In, a.DType())
	}
	dev := s.Device()
	info := dev.Info()
	kernel, err := dev.Kernels().Gemm(inst)
	if err != nil {
		return nil, &Error{Kind: ErrUnsupportedDevice, Op: OpGemm, Detail: fmt.Sprintf("%s cannot bind %s: %v", info.ID, inst.Descriptor.Name, err)}
	}

	if out == nil {
		if out, err = device.Empty(dev, tensor.Shape{m, n}, outType); err != nil {
			return nil, fmt.Errorf("%s: allocate output: %w", OpGemm, err)
		}
		allocated := out
		defer func() {
			if err != nil {
				_ = allocated.Buffer().Free()
				c = nil
			}
		}()
	}

	var sc scratch
	defer func() {
		err = errors.Join(err, sc.release())
	}()
	ac, err := sc.contiguous(ctx, s, a)
	if err != nil {
		return nil, fmt.Errorf("%s: gather A: %w", OpGemm, err)
	}
	bc, err := sc.contiguous(ctx, s, b)
	if err != nil {
		return nil, fmt.Errorf("%s: gather B: %w", OpGemm, err)
	}
	dst := out
	if !out.IsContiguous() {
		if dst, err = device.Empty(dev, out.Shape(), out.DType()); err != nil {
			return nil, fmt.Errorf("%s: allocate scratch output: %w", OpGemm, err)
		}
		sc.keep(dst.Buffer())
	}

	problem := gemm.ProblemShape{M: m, N: n, K: k, L: 1}
	args := gemm.NewArguments(inst.Descriptor, problem,
		gemm.Operand{Buffer: ac.Buffer(), Offset: ac.Offset()},
		gemm.Operand{Buffer: bc.Buffer(), Offset: bc.Offset()},
		gemm.Operand{},
		gemm.Operand{Buffer: dst.Buffer(), Offset: dst.Offset()},
		gemm.Scalars{Alpha: 1, Beta: 0},
		gemm.HardwareInfo{DeviceID: info.ID.Ordinal, ComputeUnits: info.ComputeUnits},
	)

	wsBytes := kernel.WorkspaceSize(args)
	logger.FromContext(ctx).Debug("gemm",
		"problem", problem.String(),
		"instantiation", inst.Descriptor.Name,
		"key", inst.Key.String(),
		"workspace_bytes", wsBytes,
		"device", info.ID.String(),
	)
	var workspace tensor.Buffer
	if wsBytes > 0 {
		if workspace, err = dev.Alloc(wsBytes); err != nil {
			return nil, fmt.Errorf("%s: allocate %d byte workspace: %w", OpGemm, wsBytes, err)
		}
		sc.keep(workspace)
	}

	if err := kernel.CanImplement(args); err != nil {
		if errors.Is(err, gemm.ErrNotImplementable) {
			return nil, newError(OpGemm, ErrInfeasibleProblem, "%s: %v", problem, err)
		}
		return nil, fmt.Errorf("%s: %w", OpGemm, err)
	}
	if err := kernel.Run(ctx, s, args, workspace); err != nil {
		return nil, fmt.Errorf("%s: launch %s: %w", OpGemm, inst.Descriptor.Name, err)
	}
	if err := s.Synchronize(); err != nil {
		return nil, fmt.Errorf("%s: %w", OpGemm, err)
	}

	if dst != out {
		if err := s.Copy(ctx, out, dst); err != nil {
			return nil, fmt.Errorf("%s: write back: %w", OpGemm, err)
		}
		if err := s.Synchronize(); err != nil {
			return nil, fmt.Errorf("%s: %w", OpGemm, err)
		}
	}
	return out, nil
}
