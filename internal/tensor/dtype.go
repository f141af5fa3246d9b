package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType identifies the element encoding of a tensor.
type DType uint8

const (
	Invalid DType = iota
	F16
	BF16
	F32
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case F16, BF16:
		return 2
	case F32:
		return 4
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case F32:
		return "f32"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// ParseDType accepts the short names printed by String plus the
// common long forms ("float16", "bfloat16", "float32").
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f16", "fp16", "float16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "f32", "fp32", "float32", "float":
		return F32, nil
	default:
		return Invalid, fmt.Errorf("unknown dtype %q (expected f16, bf16, or f32)", s)
	}
}

// MarshalText lets DType round-trip through JSON and YAML as its short name.
func (d DType) MarshalText() ([]byte, error) {
	if d.Size() == 0 {
		return nil, fmt.Errorf("cannot marshal %s", d)
	}
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	v, err := ParseDType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// BF16FromF32 rounds to nearest-even on the truncated 16 bits.
func BF16FromF32(f float32) uint16 {
	u := math.Float32bits(f)
	if u&0x7FFFFFFF > 0x7F800000 {
		// keep NaN quiet instead of rounding it into Inf
		return uint16(u>>16) | 0x40
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

func BF16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func F16FromF32(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

func F16ToF32(u uint16) float32 {
	return float16.Frombits(u).Float32()
}

// Encode converts host float32 values to little-endian bytes of dtype d.
func Encode(d DType, src []float32) ([]byte, error) {
	size := d.Size()
	if size == 0 {
		return nil, fmt.Errorf("encode: unsupported dtype %s", d)
	}
	out := make([]byte, len(src)*size)
	switch d {
	case F16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(out[i*2:], F16FromF32(v))
		}
	case BF16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(out[i*2:], BF16FromF32(v))
		}
	case F32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	}
	return out, nil
}

// Decode is the inverse of Encode.
func Decode(d DType, src []byte) ([]float32, error) {
	size := d.Size()
	if size == 0 {
		return nil, fmt.Errorf("decode: unsupported dtype %s", d)
	}
	if len(src)%size != 0 {
		return nil, fmt.Errorf("decode: %d bytes is not a multiple of %s element size %d", len(src), d, size)
	}
	out := make([]float32, len(src)/size)
	for i := range out {
		out[i] = LoadF32(d, src, i)
	}
	return out, nil
}

// LoadF32 reads element i of a little-endian dtype d buffer as float32.
func LoadF32(d DType, src []byte, i int) float32 {
	switch d {
	case F16:
		return F16ToF32(binary.LittleEndian.Uint16(src[i*2:]))
	case BF16:
		return BF16ToF32(binary.LittleEndian.Uint16(src[i*2:]))
	case F32:
		return math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	default:
		panic("tensor: load from " + d.String())
	}
}

// StoreF32 writes v as element i of a little-endian dtype d buffer.
func StoreF32(d DType, dst []byte, i int, v float32) {
	switch d {
	case F16:
		binary.LittleEndian.PutUint16(dst[i*2:], F16FromF32(v))
	case BF16:
		binary.LittleEndian.PutUint16(dst[i*2:], BF16FromF32(v))
	case F32:
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	default:
		panic("tensor: store to " + d.String())
	}
}
