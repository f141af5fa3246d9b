package ops

import (
	"context"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/tensor"
)

// scratch tracks buffers an operation allocates and must release on
// every return path.
type scratch struct {
	bufs []tensor.Buffer
}

func (sc *scratch) keep(buf tensor.Buffer) {
	sc.bufs = append(sc.bufs, buf)
}

// release frees everything kept so far, last allocation first.
func (sc *scratch) release() error {
	var first error
	for i := len(sc.bufs) - 1; i >= 0; i-- {
		if err := sc.bufs[i].Free(); err != nil && first == nil {
			first = err
		}
	}
	sc.bufs = nil
	return first
}

// contiguous returns t itself when it is packed row-major, otherwise a
// packed copy gathered on the device.
func (sc *scratch) contiguous(ctx context.Context, s device.Stream, t *tensor.Tensor) (*tensor.Tensor, error) {
	if t.IsContiguous() {
		return t, nil
	}
	c, err := device.Empty(s.Device(), t.Shape(), t.DType())
	if err != nil {
		return nil, err
	}
	sc.keep(c.Buffer())
	if err := s.Copy(ctx, c, t); err != nil {
		return nil, err
	}
	return c, nil
}

func onDevice(op string, s device.Stream, ts ...*tensor.Tensor) error {
	id := s.Device().Info().ID
	for _, t := range ts {
		if t.Device() != id {
			return newError(op, ErrUnsupportedDevice, "tensor on %s, stream on %s", t.Device(), id)
		}
	}
	return nil
}
