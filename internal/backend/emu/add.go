package emu

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/launch"
	"github.com/samcharles93/accelops/internal/tensor"
)

// addF16 adds in float32 and rounds once. float32 carries more than twice
// the binary16 significand, so the result equals a native half add.
type addF16 struct {
	dev *Device
}

func (k addF16) Launch(ctx context.Context, s device.Stream, geo launch.Geometry, a, b, c device.Span) error {
	es, err := k.dev.resolve(s)
	if err != nil {
		return err
	}
	if geo.Empty() {
		return nil
	}
	const size = 2
	bufs := make([][]byte, 3)
	for i, sp := range []device.Span{a, b, c} {
		buf, err := k.dev.own(sp.Buffer)
		if err != nil {
			return err
		}
		view, err := buf.span(int64(sp.Offset)*size, int64(geo.N)*size)
		if err != nil {
			return fmt.Errorf("emu: add operand %d: %w", i, err)
		}
		bufs[i] = view
	}
	av, bv, cv := bufs[0], bufs[1], bufs[2]

	return es.enqueue(ctx, func() error {
		return k.dev.runGroups(ctx, geo.GridCols*geo.GridRows, func(group int) {
			for local := range geo.GroupCols {
				geo.Visit(group, local, func(i int) {
					x := tensor.F16ToF32(binary.LittleEndian.Uint16(av[i*size:]))
					y := tensor.F16ToF32(binary.LittleEndian.Uint16(bv[i*size:]))
					binary.LittleEndian.PutUint16(cv[i*size:], tensor.F16FromF32(x+y))
				})
			}
		})
	})
}
