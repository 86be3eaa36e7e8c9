// Package wasmhost exposes a native module's exports to WebAssembly guests as
// wazero host functions.
//
// Guests cannot hold Go references, so refs cross the boundary as 32-bit
// handles into a table owned by the Host. Handle 0 is the null ref. A ref has
// at most one handle, so refs returned to the guest repeatedly (such as
// interface bindings) do not grow the table. i32 and ref arguments are passed
// as wasm i32, f32 as wasm f32.
package wasmhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/vmvx/pkg/vm"
	"k8s.io/klog/v2"
)

// Host binds a native module and one of its states to a handle table.
type Host struct {
	module *vm.NativeModule
	state  vm.ModuleState

	mu      sync.Mutex
	handles map[uint32]vm.Ref
	byRef   map[vm.Ref]uint32
	next    uint32
}

func New(module *vm.NativeModule, state vm.ModuleState) *Host {
	return &Host{
		module:  module,
		state:   state,
		handles: make(map[uint32]vm.Ref),
		byRef:   make(map[vm.Ref]uint32),
		next:    1,
	}
}

// Register returns the handle a guest uses for ref. The table holds one
// reference per handle; registering a ref that already has a handle returns
// the existing handle.
func (h *Host) Register(ref vm.Ref) uint32 {
	if ref == nil {
		return 0
	}
	ref.Retain()
	return h.adopt(ref)
}

// adopt takes ownership of an already retained ref. If ref already has a
// handle the extra reference is dropped.
func (h *Host) adopt(ref vm.Ref) uint32 {
	h.mu.Lock()
	if handle, found := h.byRef[ref]; found {
		h.mu.Unlock()
		ref.Release()
		return handle
	}
	defer h.mu.Unlock()

	handle := h.next
	for {
		h.next++
		if h.next == 0 {
			h.next = 1
		}
		if _, used := h.handles[handle]; !used && handle != 0 {
			break
		}
		handle = h.next
	}
	h.handles[handle] = ref
	h.byRef[ref] = handle
	return handle
}

// Lookup returns the ref held by handle without retaining it.
func (h *Host) Lookup(handle uint32) (vm.Ref, error) {
	if handle == 0 {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ref, found := h.handles[handle]
	if !found {
		return nil, status.Errorf(codes.InvalidArgument, "unknown ref handle %d", handle)
	}
	return ref, nil
}

// Release drops the table's reference for handle.
func (h *Host) Release(handle uint32) {
	h.mu.Lock()
	ref, found := h.handles[handle]
	if found {
		delete(h.handles, handle)
		delete(h.byRef, ref)
	}
	h.mu.Unlock()

	if found {
		ref.Release()
	}
}

// Len returns the number of live handles.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handles)
}

// Close releases every handle still in the table.
func (h *Host) Close() {
	h.mu.Lock()
	handles := h.handles
	h.handles = make(map[uint32]vm.Ref)
	h.byRef = make(map[vm.Ref]uint32)
	h.mu.Unlock()

	for _, ref := range handles {
		ref.Release()
	}
}

// Instantiate registers the module's exports with r as a host module of the
// same name. Guests import them as (module name, export name).
func (h *Host) Instantiate(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	log := klog.FromContext(ctx)

	builder := r.NewHostModuleBuilder(h.module.Name())
	exports := h.module.Exports()
	for ordinal := range exports {
		fn, err := h.module.Function(ordinal)
		if err != nil {
			return nil, err
		}
		params, results, err := valueTypes(fn.CConv)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.QualifiedName(), err)
		}
		goFunc, err := h.function(fn)
		if err != nil {
			return nil, err
		}
		builder.NewFunctionBuilder().
			WithGoModuleFunction(goFunc, params, results).
			WithName(fn.Name).
			Export(fn.Name)
	}

	m, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiating host module %q: %w", h.module.Name(), err)
	}
	log.V(2).Info("instantiated wasm host module", "module", h.module.Name(), "functions", len(exports))
	return m, nil
}

// function builds the host function for fn. Errors from the native function
// panic, which wazero surfaces to the guest's caller as a trap.
func (h *Host) function(fn vm.Function) (api.GoModuleFunc, error) {
	argKinds, resultKinds, err := vm.ParseCConv(fn.CConv)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		args := make([]vm.Value, len(argKinds))
		for i := range len(argKinds) {
			v, err := h.decode(argKinds[i], stack[i])
			if err != nil {
				panic(fmt.Errorf("%s: argument %d: %w", fn.QualifiedName(), i, err))
			}
			args[i] = v
		}
		rets := make([]vm.Value, len(resultKinds))
		if err := h.module.Invoke(h.state, fn, args, rets); err != nil {
			panic(fmt.Errorf("%s: %w", fn.QualifiedName(), err))
		}
		for i, ret := range rets {
			stack[i] = h.encode(ret)
		}
	}, nil
}

func (h *Host) decode(kind byte, raw uint64) (vm.Value, error) {
	switch kind {
	case 'i':
		return vm.I32(api.DecodeI32(raw)), nil
	case 'f':
		return vm.F32(api.DecodeF32(raw)), nil
	case 'r':
		ref, err := h.Lookup(api.DecodeU32(raw))
		if err != nil {
			return vm.Value{}, err
		}
		return vm.RefValue(ref), nil
	default:
		return vm.Value{}, status.Errorf(codes.InvalidArgument, "unsupported value kind %q", kind)
	}
}

func (h *Host) encode(v vm.Value) uint64 {
	switch v.Kind() {
	case vm.ValueI32:
		i, _ := v.I32()
		return api.EncodeI32(i)
	case vm.ValueF32:
		f, _ := v.F32()
		return api.EncodeF32(f)
	case vm.ValueRef:
		ref, _ := v.Ref()
		if ref == nil {
			return 0
		}
		return api.EncodeU32(h.adopt(ref))
	default:
		return 0
	}
}

func valueTypes(cconv string) (params []api.ValueType, results []api.ValueType, err error) {
	args, rets, err := vm.ParseCConv(cconv)
	if err != nil {
		return nil, nil, err
	}
	if params, err = valueTypesOf(args); err != nil {
		return nil, nil, err
	}
	if results, err = valueTypesOf(rets); err != nil {
		return nil, nil, err
	}
	return params, results, nil
}

func valueTypesOf(fragment string) ([]api.ValueType, error) {
	types := make([]api.ValueType, 0, len(fragment))
	for i := 0; i < len(fragment); i++ {
		switch fragment[i] {
		case 'i', 'r':
			types = append(types, api.ValueTypeI32)
		case 'f':
			types = append(types, api.ValueTypeF32)
		default:
			return nil, fmt.Errorf("unsupported value kind %q", fragment[i])
		}
	}
	return types, nil
}
