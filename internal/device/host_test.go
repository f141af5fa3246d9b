package device_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/accelops/internal/backend/emu"
	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/tensor"
)

func newStream(t *testing.T, ordinal int) (*emu.Device, device.Stream) {
	t.Helper()
	dev := emu.New(emu.Options{Ordinal: ordinal, ComputeUnits: 2})
	s, err := dev.NewStream()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = dev.Close()
	})
	return dev, s
}

func TestFromHostRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, s := newStream(t, 0)

	for _, dt := range []tensor.DType{tensor.F32, tensor.F16, tensor.BF16} {
		x, err := device.FromFloat32(ctx, s, tensor.Shape{2, 3}, dt, []float32{1, -2, 0.5, 4, 8, -0.25})
		require.NoError(t, err, dt)
		got, err := device.ToFloat32(ctx, s, x)
		require.NoError(t, err, dt)
		assert.Equal(t, []float32{1, -2, 0.5, 4, 8, -0.25}, got, dt)
		require.NoError(t, x.Buffer().Free())
	}

	_, err := device.FromHost(ctx, s, tensor.Shape{4}, tensor.F32, make([]byte, 8))
	assert.Error(t, err, "short host data")
}

func TestToHostGathersStridedView(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, s := newStream(t, 0)

	x, err := device.FromFloat32(ctx, s, tensor.Shape{2, 3}, tensor.F32, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	xt, err := x.Transpose2D()
	require.NoError(t, err)

	got, err := device.ToFloat32(ctx, s, xt)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, got)
}

func TestEmptyZeroElements(t *testing.T) {
	t.Parallel()
	dev, s := newStream(t, 0)

	x, err := device.Empty(dev, tensor.Shape{0, 4}, tensor.F16)
	require.NoError(t, err)
	got, err := device.ToHost(context.Background(), s, x)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int64(1), x.Buffer().Size(), "zero-size tensors still own a buffer")
}

func TestStagedCopyIntoStridedView(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, s := newStream(t, 0)

	src, err := device.FromFloat32(ctx, s, tensor.Shape{2, 3}, tensor.F32, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	// every other column of a 2x6 backing store
	backing, err := device.FromFloat32(ctx, s, tensor.Shape{2, 6}, tensor.F32, []float32{
		-1, -1, -1, -1, -1, -1,
		-1, -1, -1, -1, -1, -1,
	})
	require.NoError(t, err)
	dst, err := tensor.NewStrided(backing.Buffer(), 1, tensor.Shape{2, 3}, []int{6, 2}, tensor.F32)
	require.NoError(t, err)

	require.NoError(t, device.StagedCopy(ctx, s, dst, src))
	got, err := device.ToFloat32(ctx, s, backing)
	require.NoError(t, err)
	assert.Equal(t, []float32{
		-1, 1, -1, 2, -1, 3,
		-1, 4, -1, 5, -1, 6,
	}, got)
}

func TestCheckCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, s := newStream(t, 0)
	_, other := newStream(t, 1)

	a, err := device.FromFloat32(ctx, s, tensor.Shape{2}, tensor.F32, []float32{1, 2})
	require.NoError(t, err)
	b, err := device.FromFloat32(ctx, s, tensor.Shape{3}, tensor.F32, []float32{1, 2, 3})
	require.NoError(t, err)
	h, err := device.FromFloat32(ctx, s, tensor.Shape{2}, tensor.F16, []float32{1, 2})
	require.NoError(t, err)
	foreign, err := device.FromFloat32(ctx, other, tensor.Shape{2}, tensor.F32, []float32{1, 2})
	require.NoError(t, err)

	assert.NoError(t, device.CheckCopy(s, a, a))
	assert.Error(t, device.CheckCopy(s, a, b), "shape")
	assert.Error(t, device.CheckCopy(s, a, h), "dtype")
	assert.ErrorIs(t, device.CheckCopy(s, a, foreign), device.ErrForeignBuffer)
}
