// Package launch turns a one-dimensional elementwise workload into a
// two-dimensional work distribution.
package launch

import "fmt"

// MaxGroupSize is the largest work-group the elementwise kernels request.
const MaxGroupSize = 1024

// Range is a 2D extent, rows first.
type Range struct {
	Rows int
	Cols int
}

func (r Range) Size() int { return r.Rows * r.Cols }

// Geometry is the launch shape for an elementwise kernel over N elements.
type Geometry struct {
	N int

	GroupRows int
	GroupCols int
	GridRows  int
	GridCols  int

	// Items is the total number of dispatched work items, GridCols*GroupCols.
	Items int
}

// Configure derives the geometry for n elements with the default group limit.
func Configure(n int) Geometry {
	return ConfigureLimit(n, MaxGroupSize)
}

// ConfigureLimit is Configure with a device-specific work-group limit.
// A limit outside (0, MaxGroupSize] is clamped to MaxGroupSize.
func ConfigureLimit(n, limit int) Geometry {
	if limit <= 0 || limit > MaxGroupSize {
		limit = MaxGroupSize
	}
	if n <= 0 {
		return Geometry{GroupRows: 1, GridRows: 1}
	}
	g := min(limit, n)
	cols := (n + g - 1) / g
	return Geometry{
		N:         n,
		GroupRows: 1,
		GroupCols: g,
		GridRows:  1,
		GridCols:  cols,
		Items:     cols * g,
	}
}

// Empty reports a degenerate geometry; no kernel should be submitted.
func (g Geometry) Empty() bool {
	return g.Items == 0
}

// Global is the full dispatch range submitted to the device.
func (g Geometry) Global() Range {
	return Range{Rows: g.GridRows * g.GroupRows, Cols: g.GridCols * g.GroupCols}
}

// Local is the work-group range.
func (g Geometry) Local() Range {
	return Range{Rows: g.GroupRows, Cols: g.GroupCols}
}

// Masked is the number of dispatched items that fall past N.
func (g Geometry) Masked() int {
	return g.Items - g.N
}

// Visit calls fn for every element index owned by work item (group, local).
// The loop is bounded by N and strides by the dispatched item count.
func (g Geometry) Visit(group, local int, fn func(i int)) {
	for i := group*g.GroupCols + local; i < g.N; i += g.Items {
		fn(i)
	}
}

func (g Geometry) String() string {
	return fmt.Sprintf("n=%d group=%dx%d grid=%dx%d items=%d", g.N, g.GroupRows, g.GroupCols, g.GridRows, g.GridCols, g.Items)
}
