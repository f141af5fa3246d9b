package ops

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/tensor"
)

// Namespace prefixes every registered operation name.
const Namespace = "accelops"

// Func is an operation bound to one device kind.
type Func func(ctx context.Context, s device.Stream, args ...*tensor.Tensor) (*tensor.Tensor, error)

// OpInfo describes a registered operation.
type OpInfo struct {
	Name    string   `json:"name"`
	Schema  string   `json:"schema"`
	Aliases []string `json:"aliases,omitempty"`
	Kinds   []string `json:"kinds"`
}

// Registry routes operation calls by name and by the device kind of the
// stream they run on.
type Registry struct {
	mu      sync.RWMutex
	impls   map[string]map[string]Func
	schemas map[string]string
	aliases map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		impls:   make(map[string]map[string]Func),
		schemas: make(map[string]string),
		aliases: make(map[string]string),
	}
}

var builtinSchemas = map[string]string{
	OpAdd:  "add_fp16(Tensor a, Tensor b) -> Tensor",
	OpGemm: "cutlass_gemm(Tensor A, Tensor B, Tensor? C) -> Tensor",
}

// NewDefaultRegistry installs add_fp16 and gemm for each device kind.
func NewDefaultRegistry(kinds ...string) *Registry {
	r := NewRegistry()
	r.Define(OpAdd, builtinSchemas[OpAdd])
	r.Define(OpGemm, builtinSchemas[OpGemm], "cutlass_gemm")
	for _, kind := range kinds {
		if err := r.Register(OpAdd, kind, addFunc); err != nil {
			panic(err)
		}
		if err := r.Register(OpGemm, kind, gemmFunc); err != nil {
			panic(err)
		}
	}
	return r
}

// Define records the schema of name and its aliases.
func (r *Registry) Define(name, schema string, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name = trimNamespace(name)
	r.schemas[name] = schema
	for _, alias := range aliases {
		r.aliases[trimNamespace(alias)] = name
	}
}

// Register binds fn to name for streams of the given device kind.
func (r *Registry) Register(name, kind string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("ops: register %s for %s: nil func", name, kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name = r.canonical(name)
	byKind := r.impls[name]
	if byKind == nil {
		byKind = make(map[string]Func)
		r.impls[name] = byKind
	}
	if _, ok := byKind[kind]; ok {
		return fmt.Errorf("ops: %s::%s already registered for %s", Namespace, name, kind)
	}
	byKind[kind] = fn
	return nil
}

// Call runs name on s. Names may carry the namespace prefix or be an alias.
func (r *Registry) Call(ctx context.Context, name string, s device.Stream, args ...*tensor.Tensor) (*tensor.Tensor, error) {
	kind := s.Device().Info().ID.Kind
	r.mu.RLock()
	canon := r.canonical(name)
	byKind, known := r.impls[canon]
	fn := byKind[kind]
	r.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("ops: unknown operation %q", name)
	}
	if fn == nil {
		return nil, newError(canon, ErrUnsupportedDevice, "no implementation for device kind %q", kind)
	}
	return fn(ctx, s, args...)
}

// Resolve maps a possibly prefixed or aliased name to its canonical form.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canon := r.canonical(name)
	_, ok := r.impls[canon]
	return canon, ok
}

// Schema returns the registered signature of name.
func (r *Registry) Schema(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[r.canonical(name)]
	return schema, ok
}

// Ops lists registered operations sorted by name.
func (r *Registry) Ops() []OpInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]OpInfo, 0, len(r.impls))
	for name, byKind := range r.impls {
		info := OpInfo{Name: Namespace + "::" + name, Schema: r.schemas[name]}
		for kind := range byKind {
			info.Kinds = append(info.Kinds, kind)
		}
		slices.Sort(info.Kinds)
		for alias, target := range r.aliases {
			if target == name {
				info.Aliases = append(info.Aliases, alias)
			}
		}
		slices.Sort(info.Aliases)
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b OpInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// canonical must be called with r.mu held.
func (r *Registry) canonical(name string) string {
	name = trimNamespace(name)
	if target, ok := r.aliases[name]; ok {
		return target
	}
	return name
}

func trimNamespace(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), Namespace+"::")
}

func addFunc(ctx context.Context, s device.Stream, args ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(args) != 2 || args[0] == nil || args[1] == nil {
		return nil, fmt.Errorf("ops: %s takes tensors a and b, got %d arguments", OpAdd, len(args))
	}
	return Add(ctx, s, args[0], args[1])
}

func gemmFunc(ctx context.Context, s device.Stream, args ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(args) < 2 || len(args) > 3 || args[0] == nil || args[1] == nil {
		return nil, fmt.Errorf("ops: %s takes tensors A, B and an optional C, got %d arguments", OpGemm, len(args))
	}
	var out *tensor.Tensor
	if len(args) == 3 {
		out = args[2]
	}
	return Gemm(ctx, s, args[0], args[1], out, OutputType(tensor.F32))
}
