package emu

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/gemm"
	"github.com/samcharles93/accelops/internal/launch"
	"github.com/samcharles93/accelops/internal/tensor"
)

func newTestStream(t *testing.T, opts Options) (*Device, device.Stream) {
	t.Helper()
	d := New(opts)
	s, err := d.NewStream()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = d.Close()
	})
	return d, s
}

func TestAllocStats(t *testing.T) {
	t.Parallel()
	d := New(Options{MemoryLimit: 100})

	a, err := d.Alloc(60)
	require.NoError(t, err)
	_, err = d.Alloc(60)
	require.Error(t, err, "second alloc exceeds the limit")

	b, err := d.Alloc(40)
	require.NoError(t, err)
	require.NoError(t, a.Free())
	require.Error(t, a.Free(), "double free")
	require.NoError(t, b.Free())

	st := d.Stats()
	assert.Equal(t, int64(2), st.Allocs)
	assert.Equal(t, int64(2), st.Frees)
	assert.Zero(t, st.LiveBuffers)
	assert.Zero(t, st.LiveBytes)
	assert.Equal(t, int64(100), st.PeakBytes)

	_, err = d.Alloc(0)
	require.Error(t, err)

	_, err = New(Options{}).Alloc(math.MaxInt64)
	require.Error(t, err, "larger than the host can back")
}

func TestClosedDevice(t *testing.T) {
	t.Parallel()
	d := New(Options{})
	require.NoError(t, d.Close())
	_, err := d.Alloc(8)
	require.ErrorIs(t, err, device.ErrClosed)
	_, err = d.NewStream()
	require.ErrorIs(t, err, device.ErrClosed)
}

func TestStreamOrdering(t *testing.T) {
	t.Parallel()
	d, s := newTestStream(t, Options{})
	ctx := context.Background()

	buf, err := d.Alloc(4)
	require.NoError(t, err)
	defer buf.Free()

	require.NoError(t, s.Upload(ctx, buf, 0, []byte{1, 2, 3, 4}))
	require.NoError(t, s.Upload(ctx, buf, 2, []byte{9, 9}))
	got := make([]byte, 4)
	require.NoError(t, s.Download(ctx, got, buf, 0))
	require.NoError(t, s.Synchronize())
	assert.Equal(t, []byte{1, 2, 9, 9}, got)
}

func TestStreamStickyError(t *testing.T) {
	t.Parallel()
	_, s := newTestStream(t, Options{})
	es := s.(*Stream)
	ctx := context.Background()

	boom := errors.New("boom")
	ran := false
	require.NoError(t, es.enqueue(ctx, func() error { return boom }))
	require.NoError(t, es.enqueue(ctx, func() error { ran = true; return nil }))
	require.ErrorIs(t, s.Synchronize(), boom)
	assert.False(t, ran, "commands after a failure are skipped")

	require.NoError(t, s.Synchronize(), "the error is reported once")
}

func TestStreamClosed(t *testing.T) {
	t.Parallel()
	d := New(Options{})
	s, err := d.NewStream()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	buf, err := d.Alloc(2)
	require.NoError(t, err)
	defer buf.Free()
	require.ErrorIs(t, s.Upload(context.Background(), buf, 0, []byte{1}), device.ErrClosed)
	require.ErrorIs(t, s.Synchronize(), device.ErrClosed)
}

func TestForeignBuffer(t *testing.T) {
	t.Parallel()
	_, s := newTestStream(t, Options{})
	other := New(Options{Ordinal: 1})
	buf, err := other.Alloc(4)
	require.NoError(t, err)
	defer buf.Free()

	err = s.Upload(context.Background(), buf, 0, []byte{1})
	require.ErrorIs(t, err, device.ErrForeignBuffer)
}

func TestStreamCopyStrided(t *testing.T) {
	t.Parallel()
	d, s := newTestStream(t, Options{})
	ctx := context.Background()

	src, err := device.FromFloat32(ctx, s, tensor.Shape{2, 3}, tensor.F32, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	defer src.Buffer().Free()

	buf, err := d.Alloc(6 * 4)
	require.NoError(t, err)
	defer buf.Free()
	dst, err := tensor.NewStrided(buf, 0, tensor.Shape{2, 3}, []int{1, 2}, tensor.F32)
	require.NoError(t, err)

	require.NoError(t, s.Copy(ctx, dst, src))
	got, err := device.ToFloat32(ctx, s, dst)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got)

	packed, err := tensor.New(buf, tensor.Shape{6}, tensor.F32)
	require.NoError(t, err)
	raw, err := device.ToFloat32(ctx, s, packed)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, raw)
}

func TestAddKernel(t *testing.T) {
	t.Parallel()
	d, s := newTestStream(t, Options{ComputeUnits: 3})
	ctx := context.Background()

	_, ok := d.Kernels().Add(tensor.F32)
	assert.False(t, ok)
	k, ok := d.Kernels().Add(tensor.F16)
	require.True(t, ok)

	const n = 1240
	av := make([]float32, n)
	bv := make([]float32, n)
	for i := range av {
		av[i] = float32(i%97) * 0.5
		bv[i] = -float32(i%13) * 0.25
	}
	a, err := device.FromFloat32(ctx, s, tensor.Shape{n}, tensor.F16, av)
	require.NoError(t, err)
	b, err := device.FromFloat32(ctx, s, tensor.Shape{n}, tensor.F16, bv)
	require.NoError(t, err)
	c, err := device.Empty(d, tensor.Shape{n}, tensor.F16)
	require.NoError(t, err)

	geo := launch.ConfigureLimit(n, 256)
	require.NoError(t, k.Launch(ctx, s, geo,
		device.Span{Buffer: a.Buffer()}, device.Span{Buffer: b.Buffer()}, device.Span{Buffer: c.Buffer()}))
	got, err := device.ToFloat32(ctx, s, c)
	require.NoError(t, err)
	for i := range got {
		require.Equal(t, av[i]+bv[i], got[i], "element %d", i)
	}

	short := launch.ConfigureLimit(n+1, 256)
	err = k.Launch(ctx, s, short,
		device.Span{Buffer: a.Buffer()}, device.Span{Buffer: b.Buffer()}, device.Span{Buffer: c.Buffer()})
	require.Error(t, err, "span past the buffer end")
}

func naiveGemm(a, b []float32, m, n, k int) []float32 {
	out := make([]float32, m*n)
	for i := range m {
		for j := range n {
			var acc float32
			for kk := range k {
				acc += a[i*k+kk] * b[kk*n+j]
			}
			out[i*n+j] = acc
		}
	}
	return out
}

// smallDescriptor keeps tiles small so tests cover edge tiles and several
// pipeline steps without large buffers.
func smallDescriptor() gemm.Descriptor {
	d := gemm.BF16F32()
	d.Name = "test_bf16_f32_16x16x8_s3"
	d.Tile = gemm.TileShape{M: 16, N: 16, K: 8}
	d.Atom = gemm.TileShape{M: 2, N: 4, K: 4}
	d.WarpLayout = [3]int{2, 2, 1}
	d.Stages = 3
	return d
}

func bindGemm(t *testing.T, d *Device, desc gemm.Descriptor) device.GemmKernel {
	t.Helper()
	reg, err := gemm.NewRegistry(desc)
	require.NoError(t, err)
	inst, ok := reg.Lookup(gemm.Key{In: tensor.BF16, Out: tensor.F32})
	require.True(t, ok)
	k, err := d.Kernels().Gemm(inst)
	require.NoError(t, err)
	return k
}

func TestGemmKernelMatchesNaive(t *testing.T) {
	t.Parallel()
	d, s := newTestStream(t, Options{ComputeUnits: 4})
	ctx := context.Background()
	k := bindGemm(t, d, smallDescriptor())

	const m, n, kk = 37, 20, 26
	av := make([]float32, m*kk)
	bv := make([]float32, kk*n)
	for i := range av {
		av[i] = float32(i%7) - 3
	}
	for i := range bv {
		bv[i] = float32(i%5) * 0.5
	}
	a, err := device.FromFloat32(ctx, s, tensor.Shape{m, kk}, tensor.BF16, av)
	require.NoError(t, err)
	b, err := device.FromFloat32(ctx, s, tensor.Shape{kk, n}, tensor.BF16, bv)
	require.NoError(t, err)
	out, err := device.Empty(d, tensor.Shape{m, n}, tensor.F32)
	require.NoError(t, err)

	inst := k.Instantiation()
	args := gemm.NewArguments(inst.Descriptor, gemm.ProblemShape{M: m, N: n, K: kk, L: 1},
		gemm.Operand{Buffer: a.Buffer()}, gemm.Operand{Buffer: b.Buffer()},
		gemm.Operand{}, gemm.Operand{Buffer: out.Buffer()},
		gemm.Scalars{Alpha: 1}, gemm.HardwareInfo{ComputeUnits: 4})
	require.NoError(t, k.CanImplement(args))

	ws, err := d.Alloc(k.WorkspaceSize(args))
	require.NoError(t, err)
	defer ws.Free()
	require.NoError(t, k.Run(ctx, s, args, ws))

	got, err := device.ToFloat32(ctx, s, out)
	require.NoError(t, err)
	assert.Equal(t, naiveGemm(av, bv, m, n, kk), got)
}

func TestGemmKernelEpilogue(t *testing.T) {
	t.Parallel()
	d, s := newTestStream(t, Options{})
	ctx := context.Background()
	k := bindGemm(t, d, smallDescriptor())

	a, err := device.FromFloat32(ctx, s, tensor.Shape{2, 2}, tensor.BF16, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	b, err := device.FromFloat32(ctx, s, tensor.Shape{2, 2}, tensor.BF16, []float32{5, 6, 7, 8})
	require.NoError(t, err)
	c, err := device.FromFloat32(ctx, s, tensor.Shape{2, 2}, tensor.F32, []float32{1, 1, 1, 1})
	require.NoError(t, err)
	out, err := device.Empty(d, tensor.Shape{2, 2}, tensor.F32)
	require.NoError(t, err)

	args := gemm.NewArguments(k.Instantiation().Descriptor, gemm.ProblemShape{M: 2, N: 2, K: 2, L: 1},
		gemm.Operand{Buffer: a.Buffer()}, gemm.Operand{Buffer: b.Buffer()},
		gemm.Operand{Buffer: c.Buffer()}, gemm.Operand{Buffer: out.Buffer()},
		gemm.Scalars{Alpha: 2, Beta: 10}, gemm.HardwareInfo{})
	ws, err := d.Alloc(k.WorkspaceSize(args))
	require.NoError(t, err)
	defer ws.Free()
	require.NoError(t, k.Run(ctx, s, args, ws))

	got, err := device.ToFloat32(ctx, s, out)
	require.NoError(t, err)
	assert.Equal(t, []float32{48, 54, 96, 110}, got)
}

func TestGemmKernelRejects(t *testing.T) {
	t.Parallel()
	d, s := newTestStream(t, Options{})
	ctx := context.Background()
	k := bindGemm(t, d, smallDescriptor())

	a, err := device.Empty(d, tensor.Shape{4, 4}, tensor.BF16)
	require.NoError(t, err)
	out, err := device.Empty(d, tensor.Shape{4, 4}, tensor.F32)
	require.NoError(t, err)

	args := gemm.NewArguments(k.Instantiation().Descriptor, gemm.ProblemShape{M: 4, N: 4, K: 4, L: 1},
		gemm.Operand{Buffer: a.Buffer()}, gemm.Operand{Buffer: a.Buffer()},
		gemm.Operand{}, gemm.Operand{Buffer: out.Buffer()},
		gemm.Scalars{Alpha: 1}, gemm.HardwareInfo{})

	small, err := d.Alloc(16)
	require.NoError(t, err)
	defer small.Free()
	require.Error(t, k.Run(ctx, s, args, small), "workspace too small")

	big := args
	big.Problem = gemm.ProblemShape{M: 8, N: 4, K: 4, L: 1}
	big.A.Stride = gemm.PackedStride(gemm.RowMajor, 8, 4)
	require.ErrorIs(t, k.CanImplement(big), gemm.ErrNotImplementable, "A extent past the buffer")

	wrapped := args
	wrapped.D.Stride.Row = math.MaxInt / 2
	require.ErrorIs(t, k.CanImplement(wrapped), gemm.ErrNotImplementable, "D extent overflows")
	require.ErrorIs(t, k.Run(ctx, s, wrapped, nil), gemm.ErrNotImplementable)
}

func TestGemmKernelCache(t *testing.T) {
	t.Parallel()
	d := New(Options{})
	inst, ok := gemm.Default.Lookup(gemm.Key{In: tensor.BF16, Out: tensor.F32})
	require.True(t, ok)

	k1, err := d.Kernels().Gemm(inst)
	require.NoError(t, err)
	k2, err := d.Kernels().Gemm(inst)
	require.NoError(t, err)
	assert.Same(t, k1, k2)

	other := inst
	other.Descriptor = smallDescriptor()
	_, err = d.Kernels().Gemm(other)
	require.Error(t, err, "key already bound to another variant")
}
