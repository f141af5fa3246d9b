package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hostBuffer struct {
	data  []byte
	freed bool
}

func (b *hostBuffer) Size() int64    { return int64(len(b.data)) }
func (b *hostBuffer) Device() Device { return Device{Kind: "host"} }
func (b *hostBuffer) Free() error {
	b.freed = true
	return nil
}

func TestParseDType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want DType
	}{
		{"f16", F16},
		{"float16", F16},
		{"BF16", BF16},
		{"bfloat16", BF16},
		{" f32 ", F32},
	}
	for _, tc := range tests {
		got, err := ParseDType(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseDType("int8")
	assert.Error(t, err)
}

func TestDTypeTextRoundTrip(t *testing.T) {
	t.Parallel()

	for _, d := range []DType{F16, BF16, F32} {
		b, err := d.MarshalText()
		require.NoError(t, err)
		var got DType
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, d, got)
	}
	_, err := Invalid.MarshalText()
	assert.Error(t, err)
}

func TestBF16Rounding(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint16(0x3F80), BF16FromF32(1))
	assert.Equal(t, float32(1), BF16ToF32(0x3F80))

	// 1 + 2^-8 sits exactly between two bf16 values and rounds to even.
	assert.Equal(t, uint16(0x3F80), BF16FromF32(1+1.0/256))
	// 1 + 3*2^-8 rounds up to the odd neighbour's successor.
	assert.Equal(t, uint16(0x3F82), BF16FromF32(1+3.0/256))

	nan := BF16FromF32(float32(math.NaN()))
	assert.True(t, math.IsNaN(float64(BF16ToF32(nan))))
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	src := []float32{0, 1, -2.5, 0.125, 96}
	for _, d := range []DType{F16, BF16, F32} {
		raw, err := Encode(d, src)
		require.NoError(t, err)
		require.Len(t, raw, len(src)*d.Size())
		got, err := Decode(d, raw)
		require.NoError(t, err)
		assert.Equal(t, src, got, d.String())
	}

	_, err := Decode(F32, make([]byte, 3))
	assert.Error(t, err)
}

func TestShape(t *testing.T) {
	t.Parallel()

	s := Shape{2, 3, 4}
	assert.Equal(t, 24, s.NumElements())
	assert.Equal(t, []int{12, 4, 1}, s.RowMajorStrides())
	assert.True(t, s.Equal(Shape{2, 3, 4}))
	assert.False(t, s.Equal(Shape{2, 3}))
	assert.Equal(t, "[2,3,4]", s.String())
	assert.Equal(t, 0, Shape{4, 0}.NumElements())
	assert.False(t, Shape{1, -1}.Valid())
}

func TestShapeOverflow(t *testing.T) {
	t.Parallel()

	const huge = math.MaxInt/2 + 1
	require.ErrorIs(t, Shape{huge, huge}.Validate(), ErrOverflow)
	require.ErrorIs(t, Shape{huge, 0, 4}.Validate(), ErrOverflow, "zero dimension does not hide the overflow")
	assert.False(t, Shape{huge, huge}.Valid())
	require.NoError(t, Shape{huge, 0}.Validate())
	assert.Equal(t, 0, Shape{huge, 0}.NumElements())

	_, err := SizeBytes(Shape{huge}, F32)
	require.ErrorIs(t, err, ErrOverflow)
	n, err := SizeBytes(Shape{3, 5}, BF16)
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)

	buf := &hostBuffer{}
	_, err = New(buf, Shape{huge, huge}, F16)
	require.ErrorIs(t, err, ErrOverflow)

	buf = &hostBuffer{data: make([]byte, 64)}
	_, err = NewStrided(buf, 0, Shape{2, 2}, []int{math.MaxInt, 1}, F32)
	require.ErrorIs(t, err, ErrOverflow)
	_, err = NewStrided(buf, math.MaxInt, Shape{1}, []int{1}, F32)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestNewStridedBounds(t *testing.T) {
	t.Parallel()

	buf := &hostBuffer{data: make([]byte, 6*4)}
	_, err := New(buf, Shape{2, 3}, F32)
	require.NoError(t, err)

	_, err = New(buf, Shape{2, 4}, F32)
	assert.Error(t, err)

	_, err = NewStrided(buf, 1, Shape{2, 3}, []int{3, 1}, F32)
	assert.Error(t, err)

	_, err = NewStrided(buf, 0, Shape{2, 3}, []int{3}, F32)
	assert.Error(t, err)

	_, err = New(buf, Shape{2, 3}, Invalid)
	assert.Error(t, err)
}

func TestContiguityAndTranspose(t *testing.T) {
	t.Parallel()

	buf := &hostBuffer{data: make([]byte, 6*2)}
	x, err := New(buf, Shape{2, 3}, F16)
	require.NoError(t, err)
	assert.True(t, x.IsContiguous())
	assert.Equal(t, 6, x.Extent())
	assert.Equal(t, int64(12), x.ByteSize())

	xt, err := x.Transpose2D()
	require.NoError(t, err)
	assert.False(t, xt.IsContiguous())
	assert.Equal(t, Shape{3, 2}, xt.Shape())
	assert.Equal(t, []int{1, 3}, xt.Strides())
	assert.Same(t, x.Buffer(), xt.Buffer())

	one, err := NewStrided(buf, 3, Shape{1, 3}, []int{0, 1}, F16)
	require.NoError(t, err)
	assert.True(t, one.IsContiguous())
}

func TestCopyStridedTranspose(t *testing.T) {
	t.Parallel()

	src, err := Encode(F32, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	dst := make([]byte, len(src))

	// read src [2,3] through its transpose view and pack it as [3,2]
	CopyStrided(dst, 0, []int{2, 1}, src, 0, []int{1, 3}, Shape{3, 2}, 4)

	got, err := Decode(F32, dst)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, got)
}

func TestCopyStridedRank1AndOffsets(t *testing.T) {
	t.Parallel()

	src, err := Encode(F32, []float32{9, 1, 9, 2, 9, 3})
	require.NoError(t, err)
	dst := make([]byte, 4*4)

	CopyStrided(dst, 1, []int{1}, src, 1, []int{2}, Shape{3}, 4)

	got, err := Decode(F32, dst)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 2, 3}, got)
}
