package gemm

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/samcharles93/accelops/internal/tensor"
)

// Key selects a variant by its input and output element types.
type Key struct {
	In  tensor.DType
	Out tensor.DType
}

func (k Key) String() string {
	return k.In.String() + "->" + k.Out.String()
}

// Instantiation is a descriptor bound to the key it was registered under.
type Instantiation struct {
	Key        Key
	Descriptor Descriptor
}

// CanImplement is Descriptor.CanImplement.
func (i Instantiation) CanImplement(args Arguments) error {
	return i.Descriptor.CanImplement(args)
}

// WorkspaceSize is Descriptor.WorkspaceSize.
func (i Instantiation) WorkspaceSize(args Arguments) int64 {
	return i.Descriptor.WorkspaceSize(args)
}

// Registry is a fixed table of variants. It has no mutators.
type Registry struct {
	entries map[Key]Instantiation
}

// NewRegistry validates and indexes descriptors by (ElementA, ElementC).
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{entries: make(map[Key]Instantiation, len(descs))}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if d.ElementA != d.ElementB {
			return nil, fmt.Errorf("gemm: %s: mixed input types %s and %s", d.Name, d.ElementA, d.ElementB)
		}
		key := Key{In: d.ElementA, Out: d.ElementC}
		if prev, ok := r.entries[key]; ok {
			return nil, fmt.Errorf("gemm: %s and %s both register %s", prev.Descriptor.Name, d.Name, key)
		}
		r.entries[key] = Instantiation{Key: key, Descriptor: d}
	}
	return r, nil
}

// MustRegistry is NewRegistry for package-level tables.
func MustRegistry(descs ...Descriptor) *Registry {
	r, err := NewRegistry(descs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Default holds every variant compiled into this build.
var Default = MustRegistry(BF16F32())

func (r *Registry) Lookup(key Key) (Instantiation, bool) {
	inst, ok := r.entries[key]
	return inst, ok
}

// Keys returns the registered keys in a stable order.
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if c := cmp.Compare(a.In, b.In); c != 0 {
			return c
		}
		return cmp.Compare(a.Out, b.Out)
	})
	return keys
}
