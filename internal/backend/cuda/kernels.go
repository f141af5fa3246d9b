//go:build cuda

package cuda

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/samcharles93/accelops/internal/backend/cuda/native"
	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/gemm"
	"github.com/samcharles93/accelops/internal/launch"
	"github.com/samcharles93/accelops/internal/tensor"
)

type kernels struct {
	dev *Device

	mu   sync.Mutex
	gemm map[gemm.Key]*gemmKernel
}

func (k *kernels) Add(dtype tensor.DType) (device.AddKernel, bool) {
	if dtype != tensor.F16 {
		return nil, false
	}
	return addF16{dev: k.dev}, true
}

func (k *kernels) Gemm(inst gemm.Instantiation) (device.GemmKernel, error) {
	if err := inst.Descriptor.Validate(); err != nil {
		return nil, err
	}
	if inst.Key.In != tensor.BF16 || inst.Key.Out != tensor.F32 {
		return nil, fmt.Errorf("cuda: no cuBLAS mapping for %s", inst.Key)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.gemm == nil {
		k.gemm = make(map[gemm.Key]*gemmKernel)
	}
	if gk, ok := k.gemm[inst.Key]; ok {
		if gk.inst.Descriptor.Name != inst.Descriptor.Name {
			return nil, fmt.Errorf("cuda: %s already bound to %s", inst.Key, gk.inst.Descriptor.Name)
		}
		return gk, nil
	}
	gk := &gemmKernel{dev: k.dev, inst: inst}
	k.gemm[inst.Key] = gk
	return gk, nil
}

// addF16 seeds c with a and accumulates b into it with cublasAxpyEx,
// reading half precision and computing in float32. cuBLAS picks its own
// launch shape; the geometry only supplies N.
type addF16 struct {
	dev *Device
}

func (k addF16) Launch(ctx context.Context, s device.Stream, geo launch.Geometry, a, b, c device.Span) error {
	cs, err := k.dev.resolve(s)
	if err != nil {
		return err
	}
	if geo.Empty() {
		return nil
	}
	if geo.N > math.MaxInt32 {
		return fmt.Errorf("cuda: add of %d elements exceeds 32-bit indexing", geo.N)
	}
	const size = 2
	bytes := int64(geo.N) * size
	ptrs := make([]native.DeviceBuffer, 3)
	for i, sp := range []device.Span{a, b, c} {
		buf, err := k.dev.own(sp.Buffer)
		if err != nil {
			return err
		}
		if ptrs[i], err = buf.span(int64(sp.Offset)*size, bytes); err != nil {
			return fmt.Errorf("cuda: add operand %d: %w", i, err)
		}
	}
	av, bv, cv := ptrs[0], ptrs[1], ptrs[2]
	return cs.submit(ctx, "add_f16", func() error {
		if err := native.MemcpyD2DAsync(cv, av, bytes, cs.stream); err != nil {
			return err
		}
		return native.AxpyEx(cs.blas, geo.N, 1, bv, native.BlasF16, cv, native.BlasF16, native.BlasF32)
	})
}

// gemmKernel maps the descriptor onto cublasGemmEx. cuBLAS is column
// major, so row-major D = A x B is issued as D^T = B^T x A^T. cuBLAS
// stages its own tiles and needs no workspace.
type gemmKernel struct {
	dev  *Device
	inst gemm.Instantiation
}

func (k *gemmKernel) Instantiation() gemm.Instantiation { return k.inst }

func (k *gemmKernel) WorkspaceSize(gemm.Arguments) int64 { return 0 }

func (k *gemmKernel) CanImplement(args gemm.Arguments) error {
	if err := k.inst.CanImplement(args); err != nil {
		return err
	}
	operands := map[string]gemm.Operand{"A": args.A, "B": args.B, "D": args.D}
	if args.C.Buffer != nil {
		operands["C"] = args.C
		if args.C.Stride != args.D.Stride {
			return fmt.Errorf("%w: operand C strides %+v differ from D %+v", gemm.ErrNotImplementable, args.C.Stride, args.D.Stride)
		}
	}
	for name, op := range operands {
		if _, err := k.dev.own(op.Buffer); err != nil {
			return fmt.Errorf("%w: operand %s: %v", gemm.ErrNotImplementable, name, err)
		}
	}
	return nil
}

func (k *gemmKernel) Run(ctx context.Context, s device.Stream, args gemm.Arguments, _ tensor.Buffer) error {
	cs, err := k.dev.resolve(s)
	if err != nil {
		return err
	}
	if err := k.CanImplement(args); err != nil {
		return err
	}
	p := args.Problem
	desc := k.inst.Descriptor
	a, err := operandPtr(k.dev, args.A, p.M, p.K, desc.ElementA)
	if err != nil {
		return err
	}
	b, err := operandPtr(k.dev, args.B, p.N, p.K, desc.ElementB)
	if err != nil {
		return err
	}
	d, err := operandPtr(k.dev, args.D, p.M, p.N, desc.ElementC)
	if err != nil {
		return err
	}
	beta := args.Epilogue.Beta
	var c native.DeviceBuffer
	if args.C.Buffer != nil && beta != 0 {
		if c, err = operandPtr(k.dev, args.C, p.M, p.N, desc.ElementC); err != nil {
			return err
		}
	}
	dBytes, _ := gemm.Operand{Stride: args.D.Stride}.Bytes(p.M, p.N, desc.ElementC)

	return cs.submit(ctx, "gemm", func() error {
		if beta != 0 && c.Ptr() != d.Ptr() {
			if err := native.MemcpyD2DAsync(d, c, dBytes, cs.stream); err != nil {
				return err
			}
		}
		return native.GemmEx(cs.blas,
			native.BlasOpN, native.BlasOpN,
			p.N, p.M, p.K,
			args.Epilogue.Alpha,
			b, native.BlasBF16, args.B.Stride.Col,
			a, native.BlasBF16, args.A.Stride.Row,
			beta,
			d, native.BlasF32, args.D.Stride.Row,
			native.BlasComputeF32, native.BlasGemmDefault,
		)
	})
}

// operandPtr bounds-checks a 2D operand and returns the pointer to its
// first element.
func operandPtr(d *Device, op gemm.Operand, rows, cols int, dt tensor.DType) (native.DeviceBuffer, error) {
	buf, err := d.own(op.Buffer)
	if err != nil {
		return native.DeviceBuffer{}, err
	}
	end, ok := op.Bytes(rows, cols, dt)
	view, vok := gemm.Operand{Stride: op.Stride}.Bytes(rows, cols, dt)
	if !ok || !vok {
		return native.DeviceBuffer{}, fmt.Errorf("%w: operand view extent overflows", gemm.ErrNotImplementable)
	}
	ptr, err := buf.span(end-view, view)
	if err != nil {
		return native.DeviceBuffer{}, fmt.Errorf("%w: %v", gemm.ErrNotImplementable, err)
	}
	return ptr, nil
}
