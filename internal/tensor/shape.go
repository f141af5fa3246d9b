package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strconv"
	"strings"
)

// ErrOverflow is returned when an element count, extent or byte size does
// not fit in an int.
var ErrOverflow = errors.New("tensor: size overflows")

// Shape is an ordered list of non-negative dimension sizes.
type Shape []int

// NumElements is the product of the dimensions. It is exact only for
// shapes that pass Validate.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	return slices.Equal(s, o)
}

func (s Shape) Clone() Shape {
	return slices.Clone(s)
}

// Validate rejects negative dimensions and shapes whose dimensions, with
// zeros counted as one, multiply past math.MaxInt. A valid shape has exact
// element counts and row-major strides.
func (s Shape) Validate() error {
	n := 1
	for _, d := range s {
		if d < 0 {
			return fmt.Errorf("tensor: negative dimension in shape %s", s)
		}
		var ok bool
		if n, ok = mulInt(n, max(d, 1)); !ok {
			return fmt.Errorf("%w: shape %s", ErrOverflow, s)
		}
	}
	return nil
}

func (s Shape) Valid() bool {
	return s.Validate() == nil
}

// SizeBytes is the packed byte size of a tensor of shape and dtype.
func SizeBytes(shape Shape, dtype DType) (int64, error) {
	if err := shape.Validate(); err != nil {
		return 0, err
	}
	n, ok := mulInt(shape.NumElements(), dtype.Size())
	if !ok {
		return 0, fmt.Errorf("%w: %s %s in bytes", ErrOverflow, dtype, shape)
	}
	return int64(n), nil
}

// RowMajorStrides returns packed element strides with the last dimension fastest.
func (s Shape) RowMajorStrides() []int {
	strides := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= max(s[i], 1)
	}
	return strides
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// mulInt multiplies non-negative a and b, reporting false on overflow.
func mulInt(a, b int) (int, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}
	return int(lo), true
}

func addInt(a, b int) (int, bool) {
	if b > math.MaxInt-a {
		return 0, false
	}
	return a + b, true
}
