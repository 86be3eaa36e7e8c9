package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/vmvx/pkg/bytecode"
	"k8s.io/examples/AI/vmvx/pkg/vm"
	"k8s.io/klog/v2"
)

type SessionOptions struct {
	// Allocator backs module states and call lists of the session. Defaults
	// to the instance's host allocator.
	Allocator vm.Allocator
}

// Session is an ordered set of loaded modules with their per-session state.
// Later modules may import functions from earlier ones. Calls may be made
// concurrently once loading is complete.
type Session struct {
	refs      atomic.Int32
	instance  *Instance
	allocator vm.Allocator

	mu      sync.RWMutex
	modules []loadedModule
}

type loadedModule struct {
	module vm.Module
	state  vm.ModuleState
	// owned modules are closed with the session.
	owned bool
}

const sessionSize = int(unsafe.Sizeof(Session{}))

// NewSession creates a session with the vmvx module already loaded.
func NewSession(ctx context.Context, instance *Instance, opts SessionOptions) (*Session, error) {
	allocator := opts.Allocator
	if allocator == nil {
		allocator = instance.HostAllocator()
	}
	if err := allocator.Reserve(sessionSize); err != nil {
		return nil, fmt.Errorf("allocating session: %w", err)
	}

	instance.Retain()
	s := &Session{instance: instance, allocator: allocator}
	s.refs.Store(1)

	if err := s.appendModule(ctx, instance.VMVXModule(), false); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

func (s *Session) Instance() *Instance {
	return s.instance
}

func (s *Session) Allocator() vm.Allocator {
	return s.allocator
}

// AppendModule loads module into the session, allocating its state and
// resolving its imports against the modules already loaded. The caller keeps
// ownership of module.
func (s *Session) AppendModule(ctx context.Context, module vm.Module) error {
	return s.appendModule(ctx, module, false)
}

// AppendBytecodeModuleFromFile loads the bytecode module at path.
func (s *Session) AppendBytecodeModuleFromFile(ctx context.Context, path string) error {
	module, err := bytecode.LoadFile(path)
	if err != nil {
		return err
	}
	return s.appendModule(ctx, module, true)
}

// AppendBytecodeModuleFromMemory loads a bytecode module from data.
func (s *Session) AppendBytecodeModuleFromMemory(ctx context.Context, data []byte) error {
	module, err := bytecode.Load(data)
	if err != nil {
		return err
	}
	return s.appendModule(ctx, module, true)
}

func (s *Session) appendModule(ctx context.Context, module vm.Module, owned bool) error {
	log := klog.FromContext(ctx)

	name := module.Name()
	if _, found := s.findModule(name); found {
		return status.Errorf(codes.AlreadyExists, "module %s already loaded", name)
	}

	state, err := module.AllocState(s.allocator)
	if err != nil {
		return err
	}
	if resolver, ok := module.(vm.ImportResolver); ok {
		if err := resolver.ResolveImports(state, s.resolve); err != nil {
			module.FreeState(state)
			return err
		}
	}

	// Imports resolve under the read lock, so a concurrent append of the same
	// name is caught here.
	s.mu.Lock()
	if _, found := s.findModuleLocked(name); found {
		s.mu.Unlock()
		module.FreeState(state)
		return status.Errorf(codes.AlreadyExists, "module %s already loaded", name)
	}
	s.modules = append(s.modules, loadedModule{module: module, state: state, owned: owned})
	s.mu.Unlock()

	log.V(2).Info("appended module to session", "module", name)
	return nil
}

func (s *Session) findModule(name string) (loadedModule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findModuleLocked(name)
}

func (s *Session) findModuleLocked(name string) (loadedModule, bool) {
	for i := len(s.modules) - 1; i >= 0; i-- {
		if s.modules[i].module.Name() == name {
			return s.modules[i], true
		}
	}
	return loadedModule{}, false
}

// resolve binds "module.function" to the state of the loaded module.
func (s *Session) resolve(qualifiedName string) (vm.BoundFunction, error) {
	moduleName, functionName, ok := strings.Cut(qualifiedName, ".")
	if !ok {
		return vm.BoundFunction{}, status.Errorf(codes.InvalidArgument, "function name %q is not module.function", qualifiedName)
	}
	loaded, found := s.findModule(moduleName)
	if !found {
		return vm.BoundFunction{}, status.Errorf(codes.NotFound, "module %s not loaded", moduleName)
	}
	fn, err := loaded.module.LookupFunction(functionName)
	if err != nil {
		return vm.BoundFunction{}, err
	}
	return vm.BoundFunction{Function: fn, State: loaded.state}, nil
}

// LookupFunction finds a function by its fully qualified "module.function"
// name.
func (s *Session) LookupFunction(qualifiedName string) (vm.Function, error) {
	bound, err := s.resolve(qualifiedName)
	if err != nil {
		return vm.Function{}, err
	}
	return bound.Function, nil
}

// Call invokes fn synchronously with the values of inputs and pushes its
// results onto outputs.
func (s *Session) Call(ctx context.Context, fn vm.Function, inputs *vm.List, outputs *vm.List) error {
	log := klog.FromContext(ctx)

	if fn.Module == nil {
		return status.Errorf(codes.InvalidArgument, "null function")
	}
	loaded, found := s.findModule(fn.Module.Name())
	if !found || loaded.module != fn.Module {
		return status.Errorf(codes.NotFound, "module of %s not loaded in session", fn.QualifiedName())
	}
	_, resultKinds, err := vm.ParseCConv(fn.CConv)
	if err != nil {
		return err
	}
	if outputs.Capacity()-outputs.Len() < len(resultKinds) {
		return status.Errorf(codes.ResourceExhausted, "%s returns %d results, output list has room for %d", fn.QualifiedName(), len(resultKinds), outputs.Capacity()-outputs.Len())
	}

	var args []vm.Value
	if inputs != nil {
		args = inputs.Values()
	}
	rets := make([]vm.Value, len(resultKinds))

	log.V(4).Info("calling function", "function", fn.QualifiedName())
	if err := fn.Module.Invoke(loaded.state, fn, args, rets); err != nil {
		return err
	}

	// Push retains, so drop the references the callee handed us.
	defer func() {
		for _, v := range rets {
			vm.ReleaseValue(v)
		}
	}()
	for _, v := range rets {
		if err := outputs.Push(v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) Retain() {
	s.refs.Add(1)
}

// Release drops a reference. The last one frees module states in reverse
// load order and releases the instance.
func (s *Session) Release() {
	n := s.refs.Add(-1)
	if n < 0 {
		panic("runtime: session over-released")
	}
	if n > 0 {
		return
	}

	s.mu.Lock()
	modules := s.modules
	s.modules = nil
	s.mu.Unlock()

	for i := len(modules) - 1; i >= 0; i-- {
		m := modules[i]
		m.module.FreeState(m.state)
		if m.owned {
			if err := m.module.Close(); err != nil {
				klog.ErrorS(err, "closing module", "module", m.module.Name())
			}
		}
	}
	s.allocator.Unreserve(sessionSize)
	s.instance.Release()
}

// RefCount returns the current number of references.
func (s *Session) RefCount() int32 {
	return s.refs.Load()
}
