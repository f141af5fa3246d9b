//go:build windows

package webgpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/gemm"
	"github.com/samcharles93/accelops/internal/launch"
	"github.com/samcharles93/accelops/internal/tensor"
)

const gemmGroup = 16

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
		return nil, fmt.Errorf("webgpu: no shader for %s", inst.Key)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.gemm == nil {
		k.gemm = make(map[gemm.Key]*gemmKernel)
	}
	if gk, ok := k.gemm[inst.Key]; ok {
		if gk.inst.Descriptor.Name != inst.Descriptor.Name {
			return nil, fmt.Errorf("webgpu: %s already bound to %s", inst.Key, gk.inst.Descriptor.Name)
		}
		return gk, nil
	}
	gk := &gemmKernel{dev: k.dev, inst: inst}
	k.gemm[inst.Key] = gk
	return gk, nil
}

// uniform writes params into a mapped uniform buffer padded to 16 bytes.
func (s *Stream) uniform(params []uint32) *wgpu.Buffer {
	size := uint64(len(params)*4+15) &^ 15
	buf := s.dev.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := unsafe.Slice((*byte)(buf.GetMappedRange(0, size)), size)
	for i, v := range params {
		binary.LittleEndian.PutUint32(mapped[i*4:], v)
	}
	buf.Unmap()
	s.keep = append(s.keep, buf)
	return buf
}

// dispatch records one compute pass. Must be called inside record.
func (s *Stream) dispatch(pipeline *wgpu.ComputePipeline, entries []wgpu.BindGroupEntry, x, y uint32) {
	group := s.dev.dev.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), entries)
	s.keep = append(s.keep, group)
	enc := s.dev.dev.CreateCommandEncoder(nil)
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, group, nil)
	pass.DispatchWorkgroups(x, y, 1)
	pass.End()
	s.commands = append(s.commands, enc.Finish(nil))
}

type addF16 struct {
	dev *Device
}

// Launch dispatches over 32-bit words of c rather than elements; the
// word count gets its own geometry at the shader's workgroup width.
func (k addF16) Launch(ctx context.Context, s device.Stream, geo launch.Geometry, a, b, c device.Span) error {
	ws, err := k.dev.resolve(s)
	if err != nil {
		return err
	}
	if geo.Empty() {
		return nil
	}
	bufs := make([]*Buffer, 3)
	for i, sp := range []device.Span{a, b, c} {
		buf, err := k.dev.own(sp.Buffer)
		if err != nil {
			return err
		}
		if int64(sp.Offset+geo.N)*2 > buf.size {
			return fmt.Errorf("webgpu: add operand %d: %d elements at %d overrun %d bytes", i, geo.N, sp.Offset, buf.size)
		}
		bufs[i] = buf
	}
	if int64(max(a.Offset, b.Offset, c.Offset))+int64(geo.N) > math.MaxUint32 {
		return fmt.Errorf("webgpu: add of %d elements exceeds 32-bit indexing", geo.N)
	}
	pipeline, err := k.dev.pipeline("add_f16", addF16Shader)
	if err != nil {
		return err
	}
	words := (c.Offset+geo.N+1)/2 - c.Offset/2
	// the shader's workgroup width is fixed, so only GridCols carries over
	wgeo := launch.ConfigureLimit(words, workgroupSize)
	items := wgeo.GridCols * workgroupSize

	return ws.record(ctx, "add_f16", func() error {
		params := ws.uniform([]uint32{
			uint32(geo.N), uint32(a.Offset), uint32(b.Offset), uint32(c.Offset),
			uint32(words), uint32(items), 0, 0,
		})
		ws.dispatch(pipeline, []wgpu.BindGroupEntry{
			wgpu.BufferBindingEntry(0, bufs[0].gpu, 0, bufs[0].padded()),
			wgpu.BufferBindingEntry(1, bufs[1].gpu, 0, bufs[1].padded()),
			wgpu.BufferBindingEntry(2, bufs[2].gpu, 0, bufs[2].padded()),
			wgpu.BufferBindingEntry(3, params, 0, 32),
		}, uint32(wgeo.GridCols), 1)
		return nil
	})
}

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
	desc := k.inst.Descriptor
	p := args.Problem
	checks := []struct {
		name       string
		op         gemm.Operand
		rows, cols int
		dtype      tensor.DType
	}{
		{"A", args.A, p.M, p.K, desc.ElementA},
		{"B", args.B, p.N, p.K, desc.ElementB},
		{"D", args.D, p.M, p.N, desc.ElementC},
		{"C", args.C, p.M, p.N, desc.ElementC},
	}
	for _, c := range checks {
		if c.op.Buffer == nil || c.rows == 0 || c.cols == 0 {
			continue
		}
		buf, err := k.dev.own(c.op.Buffer)
		if err != nil {
			return fmt.Errorf("%w: operand %s: %v", gemm.ErrNotImplementable, c.name, err)
		}
		need, ok := c.op.Bytes(c.rows, c.cols, c.dtype)
		if !ok {
			return fmt.Errorf("%w: operand %s: view extent overflows", gemm.ErrNotImplementable, c.name)
		}
		if need > buf.size {
			return fmt.Errorf("%w: operand %s needs %d bytes, buffer holds %d", gemm.ErrNotImplementable, c.name, need, buf.size)
		}
	}
	return nil
}

func (k *gemmKernel) Run(ctx context.Context, s device.Stream, args gemm.Arguments, _ tensor.Buffer) error {
	ws, err := k.dev.resolve(s)
	if err != nil {
		return err
	}
	if err := k.CanImplement(args); err != nil {
		return err
	}
	pipeline, err := k.dev.pipeline("gemm_bf16_f32", gemmBF16Shader)
	if err != nil {
		return err
	}
	p := args.Problem
	a, _ := k.dev.own(args.A.Buffer)
	b, _ := k.dev.own(args.B.Buffer)
	d, _ := k.dev.own(args.D.Buffer)

	// c_mode: 0 no C, 1 separate C buffer, 2 C aliases D
	var c *Buffer
	cMode := uint32(0)
	if args.C.Buffer != nil && args.Epilogue.Beta != 0 {
		c, _ = k.dev.own(args.C.Buffer)
		cMode = 1
		if c == d {
			if args.C.Offset != args.D.Offset || args.C.Stride != args.D.Stride {
				return fmt.Errorf("%w: C overlaps D with a different view", gemm.ErrNotImplementable)
			}
			cMode = 2
		}
	}

	return ws.record(ctx, "gemm", func() error {
		params := ws.uniform([]uint32{
			uint32(p.M), uint32(p.N), uint32(p.K),
			uint32(args.A.Offset), uint32(args.A.Stride.Row),
			uint32(args.B.Offset), uint32(args.B.Stride.Col),
			uint32(args.D.Offset), uint32(args.D.Stride.Row),
			uint32(args.C.Offset), uint32(args.C.Stride.Row),
			cMode,
			math.Float32bits(args.Epilogue.Alpha),
			math.Float32bits(args.Epilogue.Beta),
			0, 0,
		})
		cGPU, cSize := (*wgpu.Buffer)(nil), uint64(4)
		if cMode == 1 {
			cGPU, cSize = c.gpu, c.padded()
		} else {
			cGPU = ws.dev.dev.CreateBuffer(&wgpu.BufferDescriptor{Usage: wgpu.BufferUsageStorage, Size: 4})
			ws.keep = append(ws.keep, cGPU)
		}
		ws.dispatch(pipeline, []wgpu.BindGroupEntry{
			wgpu.BufferBindingEntry(0, a.gpu, 0, a.padded()),
			wgpu.BufferBindingEntry(1, b.gpu, 0, b.padded()),
			wgpu.BufferBindingEntry(2, cGPU, 0, cSize),
			wgpu.BufferBindingEntry(3, d.gpu, 0, d.padded()),
			wgpu.BufferBindingEntry(4, params, 0, 64),
		}, uint32((p.N+gemmGroup-1)/gemmGroup), uint32((p.M+gemmGroup-1)/gemmGroup))
		return nil
	})
}
