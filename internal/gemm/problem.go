package gemm

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/samcharles93/accelops/internal/tensor"
)

// ErrNotImplementable is returned when a variant cannot run a problem.
var ErrNotImplementable = errors.New("gemm: problem not implementable")

// Layout is the memory order of a 2D operand.
type Layout uint8

const (
	RowMajor Layout = iota
	ColumnMajor
)

func (l Layout) String() string {
	if l == ColumnMajor {
		return "column-major"
	}
	return "row-major"
}

// Mode selects the problem family. Only plain GEMM is supported.
type Mode uint8

const (
	ModeGemm Mode = iota
	// ModeBatched is reserved for problems with L > 1; CanImplement rejects it.
	ModeBatched
)

// ProblemShape is C[M,N] = A[M,K] x B[K,N], repeated L times.
type ProblemShape struct {
	M int
	N int
	K int
	L int
}

func (p ProblemShape) String() string {
	return fmt.Sprintf("%dx%dx%dx%d", p.M, p.N, p.K, p.L)
}

// Flops is 2*M*N*K*L.
func (p ProblemShape) Flops() float64 {
	return 2 * float64(p.M) * float64(p.N) * float64(p.K) * float64(max(p.L, 1))
}

// Stride locates element (r, c, l) of an operand's own 2D view at
// r*Row + c*Col + l*Batch elements past its offset. The views are
// A (M,K), B (N,K) and C/D (M,N).
type Stride struct {
	Row   int
	Col   int
	Batch int
}

// PackedStride derives dense strides for a rows x cols operand; batches
// are laid out back to back.
func PackedStride(layout Layout, rows, cols int) Stride {
	if layout == ColumnMajor {
		return Stride{Row: 1, Col: rows, Batch: rows * cols}
	}
	return Stride{Row: cols, Col: 1, Batch: rows * cols}
}

// Operand binds a device buffer to its offset and strides.
type Operand struct {
	Buffer tensor.Buffer
	Offset int
	Stride Stride
}

// Extent is one past the highest element a rows x cols view of the operand
// reaches, offset included. It reports false for a negative offset or
// stride and for an extent that does not fit in an int64.
func (o Operand) Extent(rows, cols int) (int64, bool) {
	if rows <= 0 || cols <= 0 {
		return int64(max(o.Offset, 0)), o.Offset >= 0
	}
	if o.Offset < 0 || o.Stride.Row < 0 || o.Stride.Col < 0 {
		return 0, false
	}
	r, ok1 := mul64(int64(rows-1), int64(o.Stride.Row))
	c, ok2 := mul64(int64(cols-1), int64(o.Stride.Col))
	if !ok1 || !ok2 {
		return 0, false
	}
	n, ok := add64(int64(o.Offset), r)
	if !ok {
		return 0, false
	}
	if n, ok = add64(n, c); !ok {
		return 0, false
	}
	return add64(n, 1)
}

// Bytes is Extent scaled by the element size of dt.
func (o Operand) Bytes(rows, cols int, dt tensor.DType) (int64, bool) {
	n, ok := o.Extent(rows, cols)
	if !ok {
		return 0, false
	}
	return mul64(n, int64(dt.Size()))
}

// Scalars are the linear-combination epilogue coefficients.
type Scalars struct {
	Alpha float32
	Beta  float32
}

// HardwareInfo is queried from the device once per call.
type HardwareInfo struct {
	DeviceID     int
	ComputeUnits int
}

// Arguments is the complete launch description for one GEMM. Build it with
// NewArguments and treat it as a value.
type Arguments struct {
	Mode     Mode
	Problem  ProblemShape
	A        Operand
	B        Operand
	C        Operand
	D        Operand
	Epilogue Scalars
	Hardware HardwareInfo
}

// NewArguments packs row-major A, column-major B (the (N,K) view of a
// row-major K x N matrix) and row-major C/D with packed strides.
func NewArguments(desc Descriptor, p ProblemShape, a, b, c, d Operand, s Scalars, hw HardwareInfo) Arguments {
	a.Stride = PackedStride(desc.LayoutA, p.M, p.K)
	b.Stride = PackedStride(desc.LayoutB, p.N, p.K)
	c.Stride = PackedStride(desc.LayoutC, p.M, p.N)
	d.Stride = PackedStride(desc.LayoutC, p.M, p.N)
	return Arguments{
		Mode:     ModeGemm,
		Problem:  p,
		A:        a,
		B:        b,
		C:        c,
		D:        d,
		Epilogue: s,
		Hardware: hw,
	}
}

// CanImplement checks a problem against the variant's structural limits.
func (d Descriptor) CanImplement(args Arguments) error {
	p := args.Problem
	if args.Mode != ModeGemm {
		return fmt.Errorf("%w: %s: only plain gemm mode is supported", ErrNotImplementable, d.Name)
	}
	if p.M <= 0 || p.N <= 0 || p.K <= 0 || p.L <= 0 {
		return fmt.Errorf("%w: %s: problem %s has a non-positive extent", ErrNotImplementable, d.Name, p)
	}
	if p.L != 1 {
		return fmt.Errorf("%w: %s: problem %s: gemm mode needs L == 1", ErrNotImplementable, d.Name, p)
	}
	for _, dims := range [][2]int{{p.M, p.K}, {p.N, p.K}, {p.M, p.N}} {
		if dims[0] > math.MaxInt32/dims[1] {
			return fmt.Errorf("%w: %s: problem %s exceeds 32-bit indexing", ErrNotImplementable, d.Name, p)
		}
	}
	if args.A.Buffer == nil || args.B.Buffer == nil || args.D.Buffer == nil {
		return fmt.Errorf("%w: %s: problem %s: missing operand buffer", ErrNotImplementable, d.Name, p)
	}
	if args.Epilogue.Beta != 0 && args.C.Buffer == nil {
		return fmt.Errorf("%w: %s: problem %s: beta != 0 needs a C operand", ErrNotImplementable, d.Name, p)
	}

	alignA, alignB, alignC := d.Alignment()
	if err := checkOperand("A", d.LayoutA, args.A.Stride, p.M, p.K, alignA); err != nil {
		return fmt.Errorf("%w: %s: problem %s: %v", ErrNotImplementable, d.Name, p, err)
	}
	if err := checkOperand("B", d.LayoutB, args.B.Stride, p.N, p.K, alignB); err != nil {
		return fmt.Errorf("%w: %s: problem %s: %v", ErrNotImplementable, d.Name, p, err)
	}
	if err := checkOperand("D", d.LayoutC, args.D.Stride, p.M, p.N, alignC); err != nil {
		return fmt.Errorf("%w: %s: problem %s: %v", ErrNotImplementable, d.Name, p, err)
	}
	if args.C.Buffer != nil {
		if err := checkOperand("C", d.LayoutC, args.C.Stride, p.M, p.N, alignC); err != nil {
			return fmt.Errorf("%w: %s: problem %s: %v", ErrNotImplementable, d.Name, p, err)
		}
	}
	if _, ok := d.workspaceBytes(p); !ok {
		return fmt.Errorf("%w: %s: problem %s: workspace size overflows", ErrNotImplementable, d.Name, p)
	}
	return nil
}

func checkOperand(name string, layout Layout, s Stride, rows, cols, align int) error {
	unit, lead, contiguous := s.Col, s.Row, cols
	if layout == ColumnMajor {
		unit, lead, contiguous = s.Row, s.Col, rows
	}
	if unit != 1 {
		return fmt.Errorf("operand %s is not %s", name, layout)
	}
	if contiguous%align != 0 {
		return fmt.Errorf("operand %s contiguous extent %d is not a multiple of %d", name, contiguous, align)
	}
	if lead%align != 0 {
		return fmt.Errorf("operand %s leading stride %d is not a multiple of %d", name, lead, align)
	}
	return nil
}

// WorkspaceSize is the staging area every work-group needs for its
// pipeline: Stages slots of one A tile and one B tile each. A size that
// overflows saturates at math.MaxInt64, which no device can allocate.
func (d Descriptor) WorkspaceSize(args Arguments) int64 {
	n, ok := d.workspaceBytes(args.Problem)
	if !ok {
		return math.MaxInt64
	}
	return n
}

func (d Descriptor) workspaceBytes(p ProblemShape) (int64, bool) {
	tm, tn := d.TileCount(p)
	if tm < 0 || tn < 0 || d.Stages < 0 {
		return 0, false
	}
	n, ok := mul64(int64(tm), int64(tn))
	if !ok {
		return 0, false
	}
	if n, ok = mul64(n, int64(d.Stages)); !ok {
		return 0, false
	}
	return mul64(n, d.StageBytes())
}

// mul64 multiplies non-negative a and b, reporting false on overflow.
func mul64(a, b int64) (int64, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, false
	}
	return int64(lo), true
}

func add64(a, b int64) (int64, bool) {
	if b > math.MaxInt64-a {
		return 0, false
	}
	return a + b, true
}
