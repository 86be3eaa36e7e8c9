package vm

// ModuleState is the per-session state a module allocates when it is loaded.
type ModuleState any

// Function identifies a function exported by a module.
type Function struct {
	Module  Module
	Ordinal int
	Name    string
	CConv   string
}

// QualifiedName returns "module.function".
func (f Function) QualifiedName() string {
	if f.Module == nil {
		return f.Name
	}
	return f.Module.Name() + "." + f.Name
}

// Module is a set of functions that can be loaded into a session.
type Module interface {
	Name() string

	// LookupFunction finds an exported function by its local name.
	LookupFunction(name string) (Function, error)

	// AllocState creates the per-session state of the module.
	AllocState(allocator Allocator) (ModuleState, error)
	FreeState(state ModuleState)

	// Invoke runs fn against state. args are borrowed; ref results are
	// returned retained and become owned by the caller.
	Invoke(state ModuleState, fn Function, args []Value, rets []Value) error

	Close() error
}

// ResolveFunc resolves a qualified import name against the modules already
// loaded into a session.
type ResolveFunc func(qualifiedName string) (BoundFunction, error)

// ImportResolver is implemented by modules that import functions from other
// modules.
type ImportResolver interface {
	ResolveImports(state ModuleState, resolve ResolveFunc) error
}

// BoundFunction is a function together with the module state it runs
// against.
type BoundFunction struct {
	Function Function
	State    ModuleState
}

func (b BoundFunction) Call(args []Value, rets []Value) error {
	return b.Function.Module.Invoke(b.State, b.Function, args, rets)
}
