package ops

import (
	"fmt"
	"slices"
	"sync"

	"github.com/samcharles93/accelops/internal/gemm"
	"github.com/samcharles93/accelops/internal/tensor"
)

// Dispatcher selects a GEMM variant by requested output precision.
type Dispatcher struct {
	mu      sync.RWMutex
	entries map[tensor.DType]gemm.Instantiation
}

// NewDispatcher returns an empty table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{entries: make(map[tensor.DType]gemm.Instantiation)}
}

// DefaultDispatcher routes every output type that gemm.Default knows for
// bf16 inputs.
func DefaultDispatcher() *Dispatcher {
	d := NewDispatcher()
	for _, key := range gemm.Default.Keys() {
		if key.In != tensor.BF16 {
			continue
		}
		inst, _ := gemm.Default.Lookup(key)
		if err := d.Register(inst); err != nil {
			panic(err)
		}
	}
	return d
}

// Register adds the variant under its output type. An output type can be
// registered once.
func (d *Dispatcher) Register(inst gemm.Instantiation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.entries[inst.Key.Out]; ok {
		return fmt.Errorf("ops: output %s already dispatched to %s", inst.Key.Out, prev.Descriptor.Name)
	}
	d.entries[inst.Key.Out] = inst
	return nil
}

// Lookup returns the variant for out or ErrUnsupportedPrecision.
func (d *Dispatcher) Lookup(out tensor.DType) (gemm.Instantiation, error) {
	d.mu.RLock()
	inst, ok := d.entries[out]
	d.mu.RUnlock()
	if !ok {
		return gemm.Instantiation{}, newError(OpGemm, ErrUnsupportedPrecision, "no variant produces %s (have %v)", out, d.Outputs())
	}
	return inst, nil
}

// Outputs lists the dispatchable output types.
func (d *Dispatcher) Outputs() []tensor.DType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]tensor.DType, 0, len(d.entries))
	for dt := range d.entries {
		out = append(out, dt)
	}
	slices.Sort(out)
	return out
}

// Inputs lists the input types some registered variant accepts.
func (d *Dispatcher) Inputs() []tensor.DType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	in := make([]tensor.DType, 0, len(d.entries))
	for _, inst := range d.entries {
		in = append(in, inst.Key.In)
	}
	slices.Sort(in)
	return slices.Compact(in)
}
