package ops

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/accelops/internal/backend/emu"
	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/gemm"
	"github.com/samcharles93/accelops/internal/tensor"
)

func newStream(t *testing.T) (*emu.Device, device.Stream) {
	t.Helper()
	d := emu.New(emu.Options{ComputeUnits: 4})
	s, err := d.NewStream()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = d.Close()
	})
	return d, s
}

func upload(t *testing.T, s device.Stream, shape tensor.Shape, dt tensor.DType, values []float32) *tensor.Tensor {
	t.Helper()
	x, err := device.FromFloat32(context.Background(), s, shape, dt, values)
	require.NoError(t, err)
	return x
}

func download(t *testing.T, s device.Stream, x *tensor.Tensor) []float32 {
	t.Helper()
	v, err := device.ToFloat32(context.Background(), s, x)
	require.NoError(t, err)
	return v
}

func randValues(rng *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * scale
	}
	return out
}

func TestAddMatchesHalfPrecision(t *testing.T) {
	t.Parallel()
	_, s := newStream(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1, 1240))

	const n = 1240
	a := upload(t, s, tensor.Shape{n}, tensor.F16, randValues(rng, n, 8))
	b := upload(t, s, tensor.Shape{n}, tensor.F16, randValues(rng, n, 8))

	c, err := Add(ctx, s, a, b)
	require.NoError(t, err)
	assert.Equal(t, tensor.F16, c.DType())
	assert.True(t, c.Shape().Equal(tensor.Shape{n}))

	av, bv, got := download(t, s, a), download(t, s, b), download(t, s, c)
	for i := range got {
		want := tensor.F16ToF32(tensor.F16FromF32(av[i] + bv[i]))
		require.Equal(t, want, got[i], "element %d", i)
	}
}

func TestAddStridedInputs(t *testing.T) {
	t.Parallel()
	d, s := newStream(t)
	ctx := context.Background()

	base := upload(t, s, tensor.Shape{2, 3}, tensor.F16, []float32{1, 2, 3, 4, 5, 6})
	at, err := base.Transpose2D()
	require.NoError(t, err)
	b := upload(t, s, tensor.Shape{3, 2}, tensor.F16, []float32{10, 20, 30, 40, 50, 60})

	live := d.Stats().LiveBuffers
	c, err := Add(ctx, s, at, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 24, 32, 45, 53, 66}, download(t, s, c))
	assert.Equal(t, live+1, d.Stats().LiveBuffers, "only the output survives")
}

func TestAddEmpty(t *testing.T) {
	t.Parallel()
	_, s := newStream(t)
	a := upload(t, s, tensor.Shape{0}, tensor.F16, nil)

	c, err := Add(context.Background(), s, a, a)
	require.NoError(t, err)
	assert.Zero(t, c.NumElements())
}

func TestAddPreconditions(t *testing.T) {
	t.Parallel()
	d, s := newStream(t)
	ctx := context.Background()

	h4 := upload(t, s, tensor.Shape{4}, tensor.F16, []float32{1, 2, 3, 4})
	h22 := upload(t, s, tensor.Shape{2, 2}, tensor.F16, []float32{1, 2, 3, 4})
	f4 := upload(t, s, tensor.Shape{4}, tensor.F32, []float32{1, 2, 3, 4})

	other := emu.New(emu.Options{Ordinal: 1})
	otherStream, err := other.NewStream()
	require.NoError(t, err)
	defer otherStream.Close()
	foreign := upload(t, otherStream, tensor.Shape{4}, tensor.F16, []float32{1, 2, 3, 4})

	cases := []struct {
		name string
		a, b *tensor.Tensor
		want error
	}{
		{"f32 operand", h4, f4, ErrInvalidElementType},
		{"shape", h4, h22, ErrShapeMismatch},
		{"foreign device", h4, foreign, ErrUnsupportedDevice},
	}
	for _, tc := range cases {
		allocs := d.Stats().Allocs
		_, err := Add(ctx, s, tc.a, tc.b)
		require.ErrorIs(t, err, tc.want, tc.name)
		assert.Equal(t, allocs, d.Stats().Allocs, "%s: no device allocation", tc.name)

		var opErr *Error
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, OpAdd, opErr.Op)
	}
}

func TestGemm2x2(t *testing.T) {
	t.Parallel()
	_, s := newStream(t)
	ctx := context.Background()

	a := upload(t, s, tensor.Shape{2, 2}, tensor.BF16, []float32{1, 2, 3, 4})
	id := upload(t, s, tensor.Shape{2, 2}, tensor.BF16, []float32{1, 0, 0, 1})
	b := upload(t, s, tensor.Shape{2, 2}, tensor.BF16, []float32{5, 6, 7, 8})

	c, err := Gemm(ctx, s, a, id, nil, OutputType(tensor.F32))
	require.NoError(t, err)
	assert.Equal(t, tensor.F32, c.DType())
	assert.InDeltaSlice(t, []float32{1, 2, 3, 4}, download(t, s, c), 1e-6)

	c, err = Gemm(ctx, s, a, b, nil, OutputType(tensor.F32))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{19, 22, 43, 50}, download(t, s, c), 1e-6)
}

func TestGemmStridedOutputUpdatedInPlace(t *testing.T) {
	t.Parallel()
	d, s := newStream(t)
	ctx := context.Background()

	a := upload(t, s, tensor.Shape{2, 4}, tensor.BF16, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	b := upload(t, s, tensor.Shape{4, 2}, tensor.BF16, []float32{1, 0, 0, 1, 1, 0, 0, 1})

	backing := upload(t, s, tensor.Shape{2, 2}, tensor.F32, []float32{-1, -1, -1, -1})
	out, err := backing.Transpose2D()
	require.NoError(t, err)
	require.False(t, out.IsContiguous())

	live := d.Stats().LiveBuffers
	got, err := Gemm(ctx, s, a, b, out)
	require.NoError(t, err)
	assert.Same(t, out, got)
	assert.Equal(t, live, d.Stats().LiveBuffers, "scratch and workspace released")

	assert.InDeltaSlice(t, []float32{4, 6, 12, 14}, download(t, s, out), 1e-6)
	assert.InDeltaSlice(t, []float32{4, 12, 6, 14}, download(t, s, backing), 1e-6)
}

func TestGemmPreconditions(t *testing.T) {
	t.Parallel()
	d, s := newStream(t)
	ctx := context.Background()

	a := upload(t, s, tensor.Shape{2, 2}, tensor.BF16, []float32{1, 2, 3, 4})
	a23 := upload(t, s, tensor.Shape{2, 3}, tensor.BF16, make([]float32, 6))
	vec := upload(t, s, tensor.Shape{4}, tensor.BF16, make([]float32, 4))
	h := upload(t, s, tensor.Shape{2, 2}, tensor.F16, []float32{1, 2, 3, 4})
	out16 := upload(t, s, tensor.Shape{2, 2}, tensor.F16, make([]float32, 4))
	out33 := upload(t, s, tensor.Shape{3, 3}, tensor.F32, make([]float32, 9))

	cases := []struct {
		name string
		a, b *tensor.Tensor
		out  *tensor.Tensor
		opts []GemmOption
		want error
	}{
		{"rank", vec, a, nil, nil, ErrShapeMismatch},
		{"inner dimension", a23, a, nil, nil, ErrShapeMismatch},
		{"output shape", a, a, out33, nil, ErrShapeMismatch},
		{"f16 input", h, a, nil, []GemmOption{OutputType(tensor.F32)}, ErrInvalidElementType},
		{"f16 output", a, a, out16, nil, ErrUnsupportedPrecision},
		{"bf16 output by default", a, a, nil, nil, ErrUnsupportedPrecision},
		{"bf16 output requested", a, a, nil, []GemmOption{OutputType(tensor.BF16)}, ErrUnsupportedPrecision},
	}
	for _, tc := range cases {
		allocs := d.Stats().Allocs
		_, err := Gemm(ctx, s, tc.a, tc.b, tc.out, tc.opts...)
		require.ErrorIs(t, err, tc.want, tc.name)
		assert.Equal(t, allocs, d.Stats().Allocs, "%s: no device allocation", tc.name)
	}
}

func TestGemmInfeasibleReleasesEverything(t *testing.T) {
	t.Parallel()
	d, s := newStream(t)
	ctx := context.Background()

	a := upload(t, s, tensor.Shape{2, 3}, tensor.BF16, []float32{1, 2, 3, 4, 5, 6})
	b := upload(t, s, tensor.Shape{3, 2}, tensor.BF16, []float32{1, 2, 3, 4, 5, 6})

	before := d.Stats()
	_, err := Gemm(ctx, s, a, b, nil, OutputType(tensor.F32))
	require.ErrorIs(t, err, ErrInfeasibleProblem)
	assert.Contains(t, err.Error(), "2x2x3x1")

	after := d.Stats()
	assert.Equal(t, before.LiveBuffers, after.LiveBuffers)
	assert.Equal(t, before.LiveBytes, after.LiveBytes)
	assert.Equal(t, after.Allocs-before.Allocs, after.Frees-before.Frees)
}

func TestGemmWorkspacePerCall(t *testing.T) {
	t.Parallel()
	d, s := newStream(t)
	ctx := context.Background()

	a := upload(t, s, tensor.Shape{2, 2}, tensor.BF16, []float32{1, 2, 3, 4})
	before := d.Stats()
	_, err := Gemm(ctx, s, a, a, nil, OutputType(tensor.F32))
	require.NoError(t, err)
	after := d.Stats()

	assert.Equal(t, int64(2), after.Allocs-before.Allocs, "output and workspace")
	assert.Equal(t, int64(1), after.Frees-before.Frees, "workspace")
	assert.GreaterOrEqual(t, after.PeakBytes-before.LiveBytes, int64(65536))
}

func TestGemmDeterministic(t *testing.T) {
	t.Parallel()
	_, s := newStream(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 7))

	const m, n, k = 64, 48, 40
	a := upload(t, s, tensor.Shape{m, k}, tensor.BF16, randValues(rng, m*k, 1))
	b := upload(t, s, tensor.Shape{k, n}, tensor.BF16, randValues(rng, k*n, 1))

	c1, err := Gemm(ctx, s, a, b, nil, OutputType(tensor.F32))
	require.NoError(t, err)
	c2, err := Gemm(ctx, s, a, b, nil, OutputType(tensor.F32))
	require.NoError(t, err)
	assert.Equal(t, download(t, s, c1), download(t, s, c2))
}

func TestGemmMatchesReference(t *testing.T) {
	t.Parallel()
	_, s := newStream(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(42, 3))

	for range 4 {
		m := 2 * (1 + rng.IntN(150))
		n := 2 * (1 + rng.IntN(150))
		k := 2 * (1 + rng.IntN(50))

		av := randValues(rng, m*k, 1)
		bv := randValues(rng, k*n, 1)
		a := upload(t, s, tensor.Shape{m, k}, tensor.BF16, av)
		b := upload(t, s, tensor.Shape{k, n}, tensor.BF16, bv)

		c, err := Gemm(ctx, s, a, b, nil, OutputType(tensor.F32))
		require.NoError(t, err, "%dx%dx%d", m, n, k)
		got := download(t, s, c)

		want := referenceGemm(download(t, s, a), download(t, s, b), m, n, k)
		for i := range got {
			require.InDelta(t, want[i], float64(got[i]), 1e-3, "%dx%dx%d element %d", m, n, k, i)
		}
	}
}

func referenceGemm(a, b []float32, m, n, k int) []float64 {
	widen := func(v []float32) []float64 {
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out
	}
	var c mat.Dense
	c.Mul(mat.NewDense(m, k, widen(a)), mat.NewDense(k, n, widen(b)))
	return c.RawMatrix().Data
}

func TestDispatcher(t *testing.T) {
	t.Parallel()
	d := DefaultDispatcher()
	assert.Equal(t, []tensor.DType{tensor.F32}, d.Outputs())

	inst, err := d.Lookup(tensor.F32)
	require.NoError(t, err)
	assert.Equal(t, tensor.BF16, inst.Key.In)

	_, err = d.Lookup(tensor.F16)
	require.ErrorIs(t, err, ErrUnsupportedPrecision)
	require.Error(t, d.Register(inst), "output type registered twice")
}

func TestGemmRegisteredInputType(t *testing.T) {
	t.Parallel()
	_, s := newStream(t)
	ctx := context.Background()

	desc := gemm.BF16F32()
	desc.Name = "gemm_f16_f32_256x256x32_s2"
	desc.ElementA, desc.ElementB = tensor.F16, tensor.F16
	d := NewDispatcher()
	require.NoError(t, d.Register(gemm.Instantiation{Key: gemm.Key{In: tensor.F16, Out: tensor.F32}, Descriptor: desc}))
	assert.Equal(t, []tensor.DType{tensor.F16}, d.Inputs())

	a := upload(t, s, tensor.Shape{2, 2}, tensor.F16, []float32{1, 2, 3, 4})
	b := upload(t, s, tensor.Shape{2, 2}, tensor.F16, []float32{5, 6, 7, 8})
	c, err := Gemm(ctx, s, a, b, nil, OutputType(tensor.F32), WithDispatcher(d))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{19, 22, 43, 50}, download(t, s, c), 1e-6)

	bf := upload(t, s, tensor.Shape{2, 2}, tensor.BF16, []float32{1, 2, 3, 4})
	_, err = Gemm(ctx, s, bf, bf, nil, OutputType(tensor.F32), WithDispatcher(d))
	require.ErrorIs(t, err, ErrInvalidElementType)
	_, err = Gemm(ctx, s, a, bf, nil, OutputType(tensor.F32), WithDispatcher(d))
	require.ErrorIs(t, err, ErrInvalidElementType)
}

func TestRegistryCall(t *testing.T) {
	t.Parallel()
	_, s := newStream(t)
	ctx := context.Background()
	r := NewDefaultRegistry(emu.Kind)

	h := upload(t, s, tensor.Shape{2}, tensor.F16, []float32{1, 2})
	c, err := r.Call(ctx, "accelops::add_fp16", s, h, h)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4}, download(t, s, c))

	a := upload(t, s, tensor.Shape{2, 2}, tensor.BF16, []float32{1, 2, 3, 4})
	c, err = r.Call(ctx, "cutlass_gemm", s, a, a)
	require.NoError(t, err)
	assert.Equal(t, tensor.F32, c.DType())
	assert.InDeltaSlice(t, []float32{7, 10, 15, 22}, download(t, s, c), 1e-6)

	_, err = r.Call(ctx, "add_fp16", s, h)
	require.Error(t, err)
	_, err = r.Call(ctx, "softmax", s, h)
	require.ErrorContains(t, err, "unknown operation")
}

func TestRegistryRoutesByKind(t *testing.T) {
	t.Parallel()
	_, s := newStream(t)
	r := NewDefaultRegistry("cuda")

	h := upload(t, s, tensor.Shape{2}, tensor.F16, []float32{1, 2})
	_, err := r.Call(context.Background(), "add_fp16", s, h, h)
	require.ErrorIs(t, err, ErrUnsupportedDevice)

	require.Error(t, r.Register("gemm", "cuda", gemmFunc), "duplicate registration")
	require.Error(t, r.Register("gemm", "emu", nil))
}

func TestRegistrySchemas(t *testing.T) {
	t.Parallel()
	r := NewDefaultRegistry(emu.Kind, "webgpu")

	schema, ok := r.Schema("accelops::gemm")
	require.True(t, ok)
	assert.Equal(t, "cutlass_gemm(Tensor A, Tensor B, Tensor? C) -> Tensor", schema)
	schema, ok = r.Schema("add_fp16")
	require.True(t, ok)
	assert.Equal(t, "add_fp16(Tensor a, Tensor b) -> Tensor", schema)

	infos := r.Ops()
	require.Len(t, infos, 2)
	assert.Equal(t, "accelops::add_fp16", infos[0].Name)
	assert.Equal(t, "accelops::gemm", infos[1].Name)
	assert.Equal(t, []string{"cutlass_gemm"}, infos[1].Aliases)
	assert.Equal(t, []string{"emu", "webgpu"}, infos[1].Kinds)
}
