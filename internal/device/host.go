package device

import (
	"context"
	"fmt"

	"github.com/samcharles93/accelops/internal/tensor"
)

// FromHost allocates a packed tensor on the stream's device and fills it
// with data. It waits for the upload to finish.
func FromHost(ctx context.Context, s Stream, shape tensor.Shape, dtype tensor.DType, data []byte) (*tensor.Tensor, error) {
	want, err := tensor.SizeBytes(shape, dtype)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != want {
		return nil, fmt.Errorf("device: %d bytes for %s %s, want %d", len(data), dtype, shape, want)
	}
	buf, err := s.Device().Alloc(max(want, 1))
	if err != nil {
		return nil, err
	}
	t, err := tensor.New(buf, shape, dtype)
	if err != nil {
		_ = buf.Free()
		return nil, err
	}
	if want == 0 {
		return t, nil
	}
	if err := s.Upload(ctx, buf, 0, data); err != nil {
		_ = buf.Free()
		return nil, err
	}
	if err := s.Synchronize(); err != nil {
		_ = buf.Free()
		return nil, err
	}
	return t, nil
}

// FromFloat32 is FromHost with values encoded to dtype first.
func FromFloat32(ctx context.Context, s Stream, shape tensor.Shape, dtype tensor.DType, values []float32) (*tensor.Tensor, error) {
	raw, err := tensor.Encode(dtype, values)
	if err != nil {
		return nil, err
	}
	return FromHost(ctx, s, shape, dtype, raw)
}

// Empty allocates a packed, uninitialised tensor.
func Empty(d Device, shape tensor.Shape, dtype tensor.DType) (*tensor.Tensor, error) {
	bytes, err := tensor.SizeBytes(shape, dtype)
	if err != nil {
		return nil, err
	}
	buf, err := d.Alloc(max(bytes, 1))
	if err != nil {
		return nil, err
	}
	t, err := tensor.New(buf, shape, dtype)
	if err != nil {
		_ = buf.Free()
		return nil, err
	}
	return t, nil
}

// ToHost reads the logical elements of t back in packed row-major order.
// It synchronizes the stream.
func ToHost(ctx context.Context, s Stream, t *tensor.Tensor) ([]byte, error) {
	out := make([]byte, t.ByteSize())
	if len(out) == 0 {
		return out, nil
	}
	size := t.DType().Size()
	region := make([]byte, (t.Extent()-t.Offset())*size)
	if err := s.Download(ctx, region, t.Buffer(), int64(t.Offset()*size)); err != nil {
		return nil, err
	}
	if err := s.Synchronize(); err != nil {
		return nil, err
	}
	if t.IsContiguous() {
		copy(out, region)
		return out, nil
	}
	shape := t.Shape()
	tensor.CopyStrided(out, 0, shape.RowMajorStrides(), region, 0, t.Strides(), shape, size)
	return out, nil
}

// ToFloat32 is ToHost decoded to float32.
func ToFloat32(ctx context.Context, s Stream, t *tensor.Tensor) ([]float32, error) {
	raw, err := ToHost(ctx, s, t)
	if err != nil {
		return nil, err
	}
	return tensor.Decode(t.DType(), raw)
}

// CheckCopy validates the preconditions shared by every Stream.Copy.
func CheckCopy(s Stream, dst, src *tensor.Tensor) error {
	if !dst.Shape().Equal(src.Shape()) {
		return fmt.Errorf("device: copy shape %s into %s", src.Shape(), dst.Shape())
	}
	if dst.DType() != src.DType() {
		return fmt.Errorf("device: copy %s into %s", src.DType(), dst.DType())
	}
	id := s.Device().Info().ID
	if dst.Device() != id || src.Device() != id {
		return fmt.Errorf("%w: copy %s -> %s on %s", ErrForeignBuffer, src.Device(), dst.Device(), id)
	}
	return nil
}

// StagedCopy implements Stream.Copy through host memory for backends that
// have no strided device copy. It synchronizes the stream twice.
func StagedCopy(ctx context.Context, s Stream, dst, src *tensor.Tensor) error {
	if err := CheckCopy(s, dst, src); err != nil {
		return err
	}
	if dst.NumElements() == 0 {
		return nil
	}
	size := src.DType().Size()
	srcRegion := make([]byte, (src.Extent()-src.Offset())*size)
	dstRegion := make([]byte, (dst.Extent()-dst.Offset())*size)
	if err := s.Download(ctx, srcRegion, src.Buffer(), int64(src.Offset()*size)); err != nil {
		return err
	}
	if !dst.IsContiguous() {
		// elements between strided rows must survive the write back
		if err := s.Download(ctx, dstRegion, dst.Buffer(), int64(dst.Offset()*size)); err != nil {
			return err
		}
	}
	if err := s.Synchronize(); err != nil {
		return err
	}
	tensor.CopyStrided(dstRegion, 0, dst.Strides(), srcRegion, 0, src.Strides(), src.Shape(), size)
	if err := s.Upload(ctx, dst.Buffer(), int64(dst.Offset()*size), dstRegion); err != nil {
		return err
	}
	return s.Synchronize()
}
