package emu

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/gemm"
	"github.com/samcharles93/accelops/internal/tensor"
)

// gemmKernel runs a descriptor as a grid of work-groups, one per output
// tile. Each group streams K tiles of A and B through its slice of the
// workspace, Stages slots deep, and accumulates in float32 in a fixed
// K order. Every output element is written by exactly one group.
type gemmKernel struct {
	dev  *Device
	inst gemm.Instantiation

	scratch sync.Pool
}

func newGemmKernel(d *Device, inst gemm.Instantiation) *gemmKernel {
	k := &gemmKernel{dev: d, inst: inst}
	desc := inst.Descriptor
	tileElems := desc.Tile.M*desc.Tile.N + desc.Tile.M*desc.Tile.K + desc.Tile.K*desc.Tile.N
	k.scratch.New = func() any {
		s := make([]float32, tileElems)
		return &s
	}
	return k
}

func (k *gemmKernel) Instantiation() gemm.Instantiation { return k.inst }

func (k *gemmKernel) WorkspaceSize(args gemm.Arguments) int64 {
	return k.inst.WorkspaceSize(args)
}

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
	}
	if args.C.Buffer != nil {
		checks = append(checks, struct {
			name       string
			op         gemm.Operand
			rows, cols int
			dtype      tensor.DType
		}{"C", args.C, p.M, p.N, desc.ElementC})
	}
	for _, c := range checks {
		if _, err := k.dev.own(c.op.Buffer); err != nil {
			return fmt.Errorf("%w: operand %s: %v", gemm.ErrNotImplementable, c.name, err)
		}
		need, ok := c.op.Bytes(c.rows, c.cols, c.dtype)
		if !ok {
			return fmt.Errorf("%w: operand %s: view extent overflows", gemm.ErrNotImplementable, c.name)
		}
		if need > c.op.Buffer.Size() {
			return fmt.Errorf("%w: operand %s needs %d bytes, buffer holds %d",
				gemm.ErrNotImplementable, c.name, need, c.op.Buffer.Size())
		}
	}
	return nil
}

func (k *gemmKernel) Run(ctx context.Context, s device.Stream, args gemm.Arguments, workspace tensor.Buffer) error {
	es, err := k.dev.resolve(s)
	if err != nil {
		return err
	}
	if err := k.CanImplement(args); err != nil {
		return err
	}
	need := k.WorkspaceSize(args)
	if need > 0 {
		if workspace == nil || workspace.Size() < need {
			return fmt.Errorf("emu: gemm %s needs a %d byte workspace", k.inst.Descriptor.Name, need)
		}
	}
	var wsData []byte
	if workspace != nil {
		ws, err := k.dev.own(workspace)
		if err != nil {
			return err
		}
		wsData = ws.data
	}
	a, _ := k.dev.own(args.A.Buffer)
	b, _ := k.dev.own(args.B.Buffer)
	d, _ := k.dev.own(args.D.Buffer)
	var c *Buffer
	if args.C.Buffer != nil {
		c, _ = k.dev.own(args.C.Buffer)
	}

	desc := k.inst.Descriptor
	tilesM, tilesN := desc.TileCount(args.Problem)
	run := &gemmRun{
		kernel: k,
		desc:   desc,
		args:   args,
		a:      a.data,
		b:      b.data,
		d:      d.data,
		ws:     wsData,
		tilesN: tilesN,
	}
	if c != nil {
		run.c = c.data
	}
	return es.enqueue(ctx, func() error {
		return k.dev.runGroups(ctx, tilesM*tilesN, run.tile)
	})
}

type gemmRun struct {
	kernel *gemmKernel
	desc   gemm.Descriptor
	args   gemm.Arguments

	a, b, c, d []byte
	ws         []byte
	tilesN     int
}

// tile computes one TileM x TileN block of D.
func (r *gemmRun) tile(group int) {
	desc := r.desc
	p := r.args.Problem
	tm, tn, tk := desc.Tile.M, desc.Tile.N, desc.Tile.K

	i0 := (group / r.tilesN) * tm
	j0 := (group % r.tilesN) * tn
	rows := min(i0+tm, p.M) - i0
	cols := min(j0+tn, p.N) - j0

	sp := r.kernel.scratch.Get().(*[]float32)
	defer r.kernel.scratch.Put(sp)
	scratch := *sp
	acc := scratch[:rows*cols]
	aTile := scratch[tm*tn : tm*tn+tm*tk]
	bTile := scratch[tm*tn+tm*tk:]
	clear(acc)

	stageBytes := desc.StageBytes()
	base := int64(group) * int64(desc.Stages) * stageBytes
	aBytes := int64(tm) * int64(tk) * int64(desc.ElementA.Size())
	slot := func(kt int) (aSlot, bSlot []byte) {
		off := base + int64(kt%desc.Stages)*stageBytes
		return r.ws[off : off+aBytes], r.ws[off+aBytes : off+stageBytes]
	}

	kTiles := (p.K + tk - 1) / tk
	prefetch := func(kt int) {
		if kt >= kTiles {
			return
		}
		aSlot, bSlot := slot(kt)
		k0 := kt * tk
		kInner := min(k0+tk, p.K) - k0
		r.stageA(aSlot, i0, rows, k0, kInner)
		r.stageB(bSlot, j0, cols, k0, kInner)
	}

	for kt := 0; kt < desc.Stages-1; kt++ {
		prefetch(kt)
	}
	for kt := range kTiles {
		prefetch(kt + desc.Stages - 1)

		aSlot, bSlot := slot(kt)
		k0 := kt * tk
		kInner := min(k0+tk, p.K) - k0
		decodeTile(aTile, aSlot, desc.ElementA, rows, kInner, tk)
		decodeTile(bTile, bSlot, desc.ElementB, kInner, cols, tn)
		blockUpdate(acc, aTile, bTile, rows, cols, kInner, tk, tn)
	}

	r.epilogue(acc, i0, rows, j0, cols)
}

// stageA copies A[i0:i0+rows, k0:k0+kInner] into a slot with row pitch TileK.
func (r *gemmRun) stageA(dst []byte, i0, rows, k0, kInner int) {
	size := r.desc.ElementA.Size()
	pitch := r.desc.Tile.K * size
	op := r.args.A
	for i := range rows {
		src := (op.Offset + (i0+i)*op.Stride.Row + k0*op.Stride.Col) * size
		copy(dst[i*pitch:i*pitch+kInner*size], r.a[src:src+kInner*size])
	}
}

// stageB copies the (N,K) view's B[j0:j0+cols, k0:k0+kInner] into a slot
// as kInner rows of TileN, so each K step reads one contiguous row.
func (r *gemmRun) stageB(dst []byte, j0, cols, k0, kInner int) {
	size := r.desc.ElementB.Size()
	pitch := r.desc.Tile.N * size
	op := r.args.B
	for kk := range kInner {
		src := (op.Offset + j0*op.Stride.Row + (k0+kk)*op.Stride.Col) * size
		copy(dst[kk*pitch:kk*pitch+cols*size], r.b[src:src+cols*size])
	}
}

func decodeTile(dst []float32, src []byte, dtype tensor.DType, rows, cols, pitch int) {
	for i := range rows {
		row := dst[i*pitch : i*pitch+cols]
		for j := range row {
			row[j] = tensor.LoadF32(dtype, src, i*pitch+j)
		}
	}
}

// blockUpdate accumulates acc[rows x cols] += a[rows x kInner] * b[kInner x cols].
func blockUpdate(acc, a, b []float32, rows, cols, kInner, aPitch, bPitch int) {
	for i := range rows {
		aRow := a[i*aPitch : i*aPitch+kInner]
		cRow := acc[i*cols : i*cols+cols]
		for kk, aik := range aRow {
			bRow := b[kk*bPitch : kk*bPitch+cols]

			j := 0
			for ; j+7 < cols; j += 8 {
				cRow[j+0] += aik * bRow[j+0]
				cRow[j+1] += aik * bRow[j+1]
				cRow[j+2] += aik * bRow[j+2]
				cRow[j+3] += aik * bRow[j+3]
				cRow[j+4] += aik * bRow[j+4]
				cRow[j+5] += aik * bRow[j+5]
				cRow[j+6] += aik * bRow[j+6]
				cRow[j+7] += aik * bRow[j+7]
			}
			for ; j < cols; j++ {
				cRow[j] += aik * bRow[j]
			}
		}
	}
}

// epilogue writes D = alpha*acc + beta*C for the tile.
func (r *gemmRun) epilogue(acc []float32, i0, rows, j0, cols int) {
	dt := r.desc.ElementC
	alpha, beta := r.args.Epilogue.Alpha, r.args.Epilogue.Beta
	d, c := r.args.D, r.args.C
	for i := range rows {
		for j := range cols {
			v := alpha * acc[i*cols+j]
			if beta != 0 {
				ci := c.Offset + (i0+i)*c.Stride.Row + (j0+j)*c.Stride.Col
				v += beta * tensor.LoadF32(dt, r.c, ci)
			}
			di := d.Offset + (i0+i)*d.Stride.Row + (j0+j)*d.Stride.Col
			tensor.StoreF32(dt, r.d, di, v)
		}
	}
}
