package bytecode

import (
	"fmt"
	"unsafe"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/vmvx/pkg/vm"
	"k8s.io/klog/v2"
)

// Module is a loaded bytecode module. It is immutable and may be shared by
// any number of sessions; imports are bound per session in the module state.
type Module struct {
	name      string
	imports   []importSlot
	importsBy map[string]int
	functions []*function
	byName    map[string]int
}

var (
	_ vm.Module         = (*Module)(nil)
	_ vm.ImportResolver = (*Module)(nil)
)

type importSlot struct {
	name        string
	cconv       string
	argKinds    string
	resultKinds string
}

type moduleState struct {
	allocator vm.Allocator
	imports   []vm.BoundFunction
	resolved  bool
}

const boundFunctionSize = int(unsafe.Sizeof(vm.BoundFunction{}))

func (m *Module) Name() string {
	return m.name
}

// FunctionNames returns the names of the module's functions in ordinal order.
func (m *Module) FunctionNames() []string {
	names := make([]string, len(m.functions))
	for i, fn := range m.functions {
		names[i] = fn.name
	}
	return names
}

// Imports returns the qualified names of the module's imports.
func (m *Module) Imports() []string {
	names := make([]string, len(m.imports))
	for i, imp := range m.imports {
		names[i] = imp.name
	}
	return names
}

func (m *Module) LookupFunction(name string) (vm.Function, error) {
	ordinal, found := m.byName[name]
	if !found {
		return vm.Function{}, status.Errorf(codes.NotFound, "function %s.%s not found", m.name, name)
	}
	return vm.Function{Module: m, Ordinal: ordinal, Name: name, CConv: m.functions[ordinal].cconv}, nil
}

func (m *Module) AllocState(allocator vm.Allocator) (vm.ModuleState, error) {
	size := len(m.imports) * boundFunctionSize
	if err := allocator.Reserve(size); err != nil {
		return nil, fmt.Errorf("allocating %s module state: %w", m.name, err)
	}
	return &moduleState{
		allocator: allocator,
		imports:   make([]vm.BoundFunction, len(m.imports)),
	}, nil
}

func (m *Module) FreeState(state vm.ModuleState) {
	s, ok := state.(*moduleState)
	if !ok || s == nil {
		return
	}
	s.allocator.Unreserve(len(m.imports) * boundFunctionSize)
	s.imports = nil
}

// ResolveImports binds every import against the modules loaded before this
// one. The exporter's calling convention must match the import exactly.
func (m *Module) ResolveImports(state vm.ModuleState, resolve vm.ResolveFunc) error {
	s, err := m.state(state)
	if err != nil {
		return err
	}
	for i, imp := range m.imports {
		bound, err := resolve(imp.name)
		if err != nil {
			return fmt.Errorf("resolving import %s of %s: %w", imp.name, m.name, err)
		}
		if bound.Function.CConv != imp.cconv {
			return status.Errorf(codes.InvalidArgument, "import %s of %s expects calling convention %s, export has %s", imp.name, m.name, imp.cconv, bound.Function.CConv)
		}
		s.imports[i] = bound
	}
	s.resolved = true
	klog.V(3).InfoS("resolved bytecode imports", "module", m.name, "imports", len(m.imports))
	return nil
}

func (m *Module) Invoke(state vm.ModuleState, fn vm.Function, args []vm.Value, rets []vm.Value) error {
	if fn.Module != vm.Module(m) {
		return status.Errorf(codes.InvalidArgument, "function %s does not belong to module %s", fn.QualifiedName(), m.name)
	}
	if fn.Ordinal < 0 || fn.Ordinal >= len(m.functions) {
		return status.Errorf(codes.OutOfRange, "function ordinal %d out of range (%d)", fn.Ordinal, len(m.functions))
	}
	s, err := m.state(state)
	if err != nil {
		return err
	}
	if !s.resolved && len(m.imports) != 0 {
		return status.Errorf(codes.FailedPrecondition, "imports of %s not resolved", m.name)
	}
	f := m.functions[fn.Ordinal]
	if err := vm.CheckValues(f.argKinds, args); err != nil {
		return fmt.Errorf("%s arguments: %w", fn.QualifiedName(), err)
	}
	if len(rets) != len(f.resultKinds) {
		return status.Errorf(codes.InvalidArgument, "%s returns %d results, got space for %d", fn.QualifiedName(), len(f.resultKinds), len(rets))
	}
	return execute(f, s.imports, args, rets)
}

func (m *Module) Close() error {
	return nil
}

func (m *Module) state(state vm.ModuleState) (*moduleState, error) {
	s, ok := state.(*moduleState)
	if !ok || s == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "module state has type %T, expected bytecode state", state)
	}
	return s, nil
}
