package vm

import (
	"fmt"
	"slices"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NativeExport is one entry of a native module's export table. The calling
// convention comes from the shim, so the name, signature and target cannot
// drift apart.
type NativeExport struct {
	Name string
	Shim NativeShim
}

// NativeModuleDescriptor is the static export table of a native module.
// Exports must be sorted ascending by name using byte-wise comparison, which
// is the order importers binary-search in.
type NativeModuleDescriptor struct {
	Name    string
	Exports []NativeExport
}

// MustNativeModuleDescriptor builds a descriptor and panics if the table is
// malformed.
func MustNativeModuleDescriptor(name string, exports ...NativeExport) *NativeModuleDescriptor {
	d := &NativeModuleDescriptor{Name: name, Exports: exports}
	if err := d.Validate(); err != nil {
		panic(err)
	}
	return d
}

func (d *NativeModuleDescriptor) Validate() error {
	if d.Name == "" || strings.Contains(d.Name, ".") {
		return fmt.Errorf("invalid native module name %q", d.Name)
	}
	for i, export := range d.Exports {
		if export.Shim.Target == nil {
			return fmt.Errorf("%s.%s: missing target", d.Name, export.Name)
		}
		if _, _, err := ParseCConv(export.Shim.CConv); err != nil {
			return fmt.Errorf("%s.%s: %w", d.Name, export.Name, err)
		}
		if i > 0 && strings.Compare(d.Exports[i-1].Name, export.Name) >= 0 {
			return fmt.Errorf("%s: exports not sorted: %q must come after %q", d.Name, d.Exports[i-1].Name, export.Name)
		}
	}
	return nil
}

// NativeModuleInterface holds the lifecycle hooks of a native module.
// Nil hooks are treated as no-ops.
type NativeModuleInterface struct {
	AllocState func(allocator Allocator) (ModuleState, error)
	FreeState  func(state ModuleState)
	Close      func() error
}

// NativeModule is a module whose functions are implemented in Go.
type NativeModule struct {
	descriptor *NativeModuleDescriptor
	hooks      NativeModuleInterface
}

var _ Module = (*NativeModule)(nil)

func NewNativeModule(descriptor *NativeModuleDescriptor, hooks NativeModuleInterface) (*NativeModule, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	return &NativeModule{descriptor: descriptor, hooks: hooks}, nil
}

func (m *NativeModule) Name() string {
	return m.descriptor.Name
}

// Exports returns the export table in ordinal order.
func (m *NativeModule) Exports() []NativeExport {
	return m.descriptor.Exports
}

// Function returns the function at ordinal.
func (m *NativeModule) Function(ordinal int) (Function, error) {
	if ordinal < 0 || ordinal >= len(m.descriptor.Exports) {
		return Function{}, status.Errorf(codes.OutOfRange, "function ordinal %d out of range (%d)", ordinal, len(m.descriptor.Exports))
	}
	export := m.descriptor.Exports[ordinal]
	return Function{Module: m, Ordinal: ordinal, Name: export.Name, CConv: export.Shim.CConv}, nil
}

func (m *NativeModule) LookupFunction(name string) (Function, error) {
	ordinal, found := slices.BinarySearchFunc(m.descriptor.Exports, name, func(export NativeExport, name string) int {
		return strings.Compare(export.Name, name)
	})
	if !found {
		return Function{}, status.Errorf(codes.NotFound, "function %s.%s not exported", m.descriptor.Name, name)
	}
	return m.Function(ordinal)
}

func (m *NativeModule) AllocState(allocator Allocator) (ModuleState, error) {
	if m.hooks.AllocState == nil {
		return nil, nil
	}
	return m.hooks.AllocState(allocator)
}

func (m *NativeModule) FreeState(state ModuleState) {
	if m.hooks.FreeState != nil {
		m.hooks.FreeState(state)
	}
}

func (m *NativeModule) Invoke(state ModuleState, fn Function, args []Value, rets []Value) error {
	if fn.Module != Module(m) {
		return status.Errorf(codes.InvalidArgument, "function %s does not belong to module %s", fn.QualifiedName(), m.descriptor.Name)
	}
	if fn.Ordinal < 0 || fn.Ordinal >= len(m.descriptor.Exports) {
		return status.Errorf(codes.OutOfRange, "function ordinal %d out of range (%d)", fn.Ordinal, len(m.descriptor.Exports))
	}
	return m.descriptor.Exports[fn.Ordinal].Shim.Target(state, args, rets)
}

func (m *NativeModule) Close() error {
	if m.hooks.Close == nil {
		return nil
	}
	return m.hooks.Close()
}
