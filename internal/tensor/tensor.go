package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// Device identifies where a buffer lives: a backend kind plus an ordinal.
type Device struct {
	Kind    string `json:"kind"`
	Ordinal int    `json:"ordinal"`
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Kind, d.Ordinal)
}

// Buffer is device memory owned by the caller.
type Buffer interface {
	// Size is the allocation size in bytes.
	Size() int64
	Device() Device
	Free() error
}

// Tensor describes a strided view over a device buffer.
// Offsets and strides are in elements, not bytes.
type Tensor struct {
	buf     Buffer
	offset  int
	shape   Shape
	strides []int
	dtype   DType
}

// New wraps buf as a packed row-major tensor starting at element 0.
func New(buf Buffer, shape Shape, dtype DType) (*Tensor, error) {
	return NewStrided(buf, 0, shape, shape.RowMajorStrides(), dtype)
}

// NewStrided wraps buf as an arbitrary strided view. Strides must be non-negative.
func NewStrided(buf Buffer, offset int, shape Shape, strides []int, dtype DType) (*Tensor, error) {
	if buf == nil {
		return nil, errors.New("tensor: nil buffer")
	}
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("tensor: unsupported dtype %s", dtype)
	}
	if _, err := SizeBytes(shape, dtype); err != nil {
		return nil, err
	}
	if len(strides) != len(shape) {
		return nil, fmt.Errorf("tensor: %d strides for rank %d shape", len(strides), len(shape))
	}
	if offset < 0 {
		return nil, fmt.Errorf("tensor: negative offset %d", offset)
	}
	for _, st := range strides {
		if st < 0 {
			return nil, fmt.Errorf("tensor: negative stride in %v", strides)
		}
	}
	t := &Tensor{
		buf:     buf,
		offset:  offset,
		shape:   shape.Clone(),
		strides: slices.Clone(strides),
		dtype:   dtype,
	}
	ext, ok := t.extent()
	if ok {
		ext, ok = mulInt(ext, dtype.Size())
	}
	if !ok {
		return nil, fmt.Errorf("%w: view of %s with strides %v at offset %d", ErrOverflow, shape, strides, offset)
	}
	if need := int64(ext); need > buf.Size() {
		return nil, fmt.Errorf("tensor: view needs %d bytes, buffer holds %d", need, buf.Size())
	}
	return t, nil
}

func (t *Tensor) Buffer() Buffer   { return t.buf }
func (t *Tensor) Offset() int      { return t.offset }
func (t *Tensor) Shape() Shape     { return t.shape.Clone() }
func (t *Tensor) Strides() []int   { return slices.Clone(t.strides) }
func (t *Tensor) DType() DType     { return t.dtype }
func (t *Tensor) Device() Device   { return t.buf.Device() }
func (t *Tensor) Rank() int        { return len(t.shape) }
func (t *Tensor) Dim(i int) int    { return t.shape[i] }
func (t *Tensor) NumElements() int { return t.shape.NumElements() }

// ByteSize is the packed size of the logical elements.
func (t *Tensor) ByteSize() int64 {
	return int64(t.NumElements()) * int64(t.dtype.Size())
}

// Extent is one past the highest element index the view touches.
func (t *Tensor) Extent() int {
	n, _ := t.extent()
	return n
}

func (t *Tensor) extent() (int, bool) {
	if t.NumElements() == 0 {
		return t.offset, true
	}
	hi := t.offset
	for i, d := range t.shape {
		step, ok := mulInt(d-1, t.strides[i])
		if !ok {
			return 0, false
		}
		if hi, ok = addInt(hi, step); !ok {
			return 0, false
		}
	}
	return addInt(hi, 1)
}

// IsContiguous reports whether the view is packed row-major.
// Strides of size-1 dimensions are ignored.
func (t *Tensor) IsContiguous() bool {
	acc := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		if t.shape[i] == 1 {
			continue
		}
		if t.strides[i] != acc {
			return false
		}
		acc *= t.shape[i]
	}
	return true
}

// Transpose2D swaps the two dimensions of a rank-2 view without moving data.
func (t *Tensor) Transpose2D() (*Tensor, error) {
	if len(t.shape) != 2 {
		return nil, fmt.Errorf("tensor: transpose needs rank 2, got shape %s", t.shape)
	}
	return &Tensor{
		buf:     t.buf,
		offset:  t.offset,
		shape:   Shape{t.shape[1], t.shape[0]},
		strides: []int{t.strides[1], t.strides[0]},
		dtype:   t.dtype,
	}, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s %s on %s)", t.dtype, t.shape, t.Device())
}

// CopyStrided copies every logical element of a view over src into the view
// over dst. Both views share shape and element size; offsets and strides are
// in elements.
func CopyStrided(dst []byte, dstOff int, dstStrides []int, src []byte, srcOff int, srcStrides []int, shape Shape, elemSize int) {
	if shape.NumElements() == 0 {
		return
	}
	if len(shape) == 0 {
		copy(dst[dstOff*elemSize:(dstOff+1)*elemSize], src[srcOff*elemSize:(srcOff+1)*elemSize])
		return
	}
	last := len(shape) - 1
	inner := shape[last]
	dInner, sInner := dstStrides[last], srcStrides[last]

	idx := make([]int, last)
	for {
		d, s := dstOff, srcOff
		for i, v := range idx {
			d += v * dstStrides[i]
			s += v * srcStrides[i]
		}
		if dInner == 1 && sInner == 1 {
			copy(dst[d*elemSize:(d+inner)*elemSize], src[s*elemSize:(s+inner)*elemSize])
		} else {
			for j := 0; j < inner; j++ {
				dp := (d + j*dInner) * elemSize
				sp := (s + j*sInner) * elemSize
				copy(dst[dp:dp+elemSize], src[sp:sp+elemSize])
			}
		}

		k := last - 1
		for k >= 0 {
			idx[k]++
			if idx[k] < shape[k] {
				break
			}
			idx[k] = 0
			k--
		}
		if k < 0 {
			return
		}
	}
}
