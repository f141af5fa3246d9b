// Package gemm describes tiled matrix-multiply kernel variants and the
// problems they are launched on.
package gemm

import (
	"errors"
	"fmt"

	"github.com/samcharles93/accelops/internal/tensor"
)

// Matches the bf16 x bf16 -> f32 variant tuned for large square problems.
const (
	defaultTileM = 256
	defaultTileN = 256
	defaultTileK = 32

	defaultStages = 2

	// 2D block loads need every row pitch aligned to 4 bytes.
	blockLoadAlignBytes = 4
)

// TileShape is an M x N x K extent.
type TileShape struct {
	M int
	N int
	K int
}

func (t TileShape) String() string {
	return fmt.Sprintf("%dx%dx%d", t.M, t.N, t.K)
}

// CopyStrategy names how a work-group stages operand tiles from global memory.
type CopyStrategy uint8

const (
	CopyScalar CopyStrategy = iota
	// Copy2DBlockRow loads row-major 2D blocks (operand A).
	Copy2DBlockRow
	// Copy2DBlockVNNI loads column-major blocks packed pairwise along K (operand B).
	Copy2DBlockVNNI
)

func (c CopyStrategy) String() string {
	switch c {
	case Copy2DBlockRow:
		return "2d-block-row"
	case Copy2DBlockVNNI:
		return "2d-block-vnni"
	default:
		return "scalar"
	}
}

// Epilogue names the fused output stage.
type Epilogue uint8

const (
	// LinearCombination computes D = alpha*(A x B) + beta*C.
	LinearCombination Epilogue = iota
)

func (e Epilogue) String() string {
	if e == LinearCombination {
		return "linear-combination"
	}
	return fmt.Sprintf("epilogue(%d)", uint8(e))
}

// Descriptor is one compiled kernel variant. Values are immutable once
// built; copies are handed out by a Registry.
type Descriptor struct {
	Name string

	Tile       TileShape
	Atom       TileShape
	WarpLayout [3]int
	Stages     int

	ElementA           tensor.DType
	ElementB           tensor.DType
	ElementC           tensor.DType
	ElementAccumulator tensor.DType

	LayoutA Layout
	LayoutB Layout
	LayoutC Layout

	CopyA    CopyStrategy
	CopyB    CopyStrategy
	Epilogue Epilogue
}

// BF16F32 is the bf16 x bf16 -> f32 variant: 256x256x32 work-group tiles
// built from 8x16x16 MMA atoms on an 8x4x1 sub-group layout, two stages.
func BF16F32() Descriptor {
	return Descriptor{
		Name:               "gemm_bf16_f32_256x256x32_s2",
		Tile:               TileShape{M: defaultTileM, N: defaultTileN, K: defaultTileK},
		Atom:               TileShape{M: 8, N: 16, K: 16},
		WarpLayout:         [3]int{8, 4, 1},
		Stages:             defaultStages,
		ElementA:           tensor.BF16,
		ElementB:           tensor.BF16,
		ElementC:           tensor.F32,
		ElementAccumulator: tensor.F32,
		LayoutA:            RowMajor,
		LayoutB:            ColumnMajor,
		LayoutC:            RowMajor,
		CopyA:              Copy2DBlockRow,
		CopyB:              Copy2DBlockVNNI,
		Epilogue:           LinearCombination,
	}
}

// Validate checks the internal consistency of the tile hierarchy.
func (d Descriptor) Validate() error {
	if d.Tile.M <= 0 || d.Tile.N <= 0 || d.Tile.K <= 0 {
		return fmt.Errorf("gemm: %s: tile %s must be positive", d.Name, d.Tile)
	}
	if d.Atom.M <= 0 || d.Atom.N <= 0 || d.Atom.K <= 0 {
		return fmt.Errorf("gemm: %s: atom %s must be positive", d.Name, d.Atom)
	}
	if d.Tile.M%d.Atom.M != 0 || d.Tile.N%d.Atom.N != 0 || d.Tile.K%d.Atom.K != 0 {
		return fmt.Errorf("gemm: %s: tile %s is not divisible by atom %s", d.Name, d.Tile, d.Atom)
	}
	wm, wn, wk := d.WarpLayout[0], d.WarpLayout[1], d.WarpLayout[2]
	if wm <= 0 || wn <= 0 || wk <= 0 {
		return fmt.Errorf("gemm: %s: warp layout %v must be positive", d.Name, d.WarpLayout)
	}
	if d.Tile.M%(wm*d.Atom.M) != 0 || d.Tile.N%(wn*d.Atom.N) != 0 {
		return fmt.Errorf("gemm: %s: warp layout %v does not tile %s with atom %s", d.Name, d.WarpLayout, d.Tile, d.Atom)
	}
	if d.Stages < 1 {
		return fmt.Errorf("gemm: %s: stages must be >= 1, got %d", d.Name, d.Stages)
	}
	for _, dt := range []tensor.DType{d.ElementA, d.ElementB, d.ElementC, d.ElementAccumulator} {
		if dt.Size() == 0 {
			return errors.New("gemm: " + d.Name + ": element types must be set")
		}
	}
	return nil
}

// Alignment returns the element alignment required on the contiguous
// extent of each operand.
func (d Descriptor) Alignment() (a, b, c int) {
	return alignElems(d.ElementA), alignElems(d.ElementB), alignElems(d.ElementC)
}

func alignElems(dt tensor.DType) int {
	size := dt.Size()
	if size == 0 || size >= blockLoadAlignBytes {
		return 1
	}
	return blockLoadAlignBytes / size
}

// SubgroupTile is the per-sub-group share of the work-group tile.
func (d Descriptor) SubgroupTile() TileShape {
	return TileShape{
		M: d.Tile.M / d.WarpLayout[0],
		N: d.Tile.N / d.WarpLayout[1],
		K: d.Tile.K / d.WarpLayout[2],
	}
}

// Subgroups is the number of sub-groups in one work-group.
func (d Descriptor) Subgroups() int {
	return d.WarpLayout[0] * d.WarpLayout[1] * d.WarpLayout[2]
}

// TileCount is the work-group grid that covers the problem.
func (d Descriptor) TileCount(p ProblemShape) (m, n int) {
	return ceilDiv(p.M, d.Tile.M), ceilDiv(p.N, d.Tile.N)
}

// StageBytes is the staging footprint of one pipeline stage of one work-group.
func (d Descriptor) StageBytes() int64 {
	a := int64(d.Tile.M) * int64(d.Tile.K) * int64(d.ElementA.Size())
	b := int64(d.Tile.N) * int64(d.Tile.K) * int64(d.ElementB.Size())
	return a + b
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(tile=%s atom=%s stages=%d %s*%s->%s)",
		d.Name, d.Tile, d.Atom, d.Stages, d.ElementA, d.ElementB, d.ElementC)
}

func ceilDiv(a, b int) int {
	if a <= 0 || b <= 0 {
		return 0
	}
	return (a-1)/b + 1
}
