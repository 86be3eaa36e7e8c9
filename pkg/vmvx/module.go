package vmvx

import (
	"fmt"
	"sync"
	"unsafe"

	"k8s.io/examples/AI/vmvx/pkg/vm"
	"k8s.io/klog/v2"
)

// ModuleName is the name guest modules import vmvx functions under.
const ModuleName = "vmvx"

var (
	registerOnce sync.Once
	registerErr  error

	bufferType    *vm.RefType
	interfaceType *vm.RefType
)

// RegisterTypes registers the vmvx.buffer and vmvx.interface ref types. Only
// the first call registers; later calls return its result.
func RegisterTypes() error {
	registerOnce.Do(func() {
		bt, err := vm.RegisterType("vmvx.buffer", destroyBuffer)
		if err != nil {
			registerErr = fmt.Errorf("registering vmvx.buffer: %w", err)
			return
		}
		it, err := vm.RegisterType("vmvx.interface", destroyInterface)
		if err != nil {
			registerErr = fmt.Errorf("registering vmvx.interface: %w", err)
			return
		}
		bufferType, interfaceType = bt, it
	})
	return registerErr
}

// module is shared by every session that loads vmvx.
type module struct {
	hostAllocator vm.Allocator
}

// moduleState is allocated per session. vmvx functions may run concurrently
// from any thread, so anything stateful added here needs its own
// synchronization.
type moduleState struct {
	hostAllocator vm.Allocator
}

const (
	moduleSize      = int(unsafe.Sizeof(module{}))
	moduleStateSize = int(unsafe.Sizeof(moduleState{}))
)

// NewModule creates the vmvx native module. allocator backs the module itself
// and is retained for the module's lifetime.
func NewModule(allocator vm.Allocator) (*vm.NativeModule, error) {
	if err := RegisterTypes(); err != nil {
		return nil, err
	}
	if err := allocator.Reserve(moduleSize); err != nil {
		return nil, fmt.Errorf("allocating vmvx module: %w", err)
	}
	m := &module{hostAllocator: allocator}

	nativeModule, err := vm.NewNativeModule(descriptor, vm.NativeModuleInterface{
		AllocState: m.allocState,
		FreeState:  m.freeState,
		Close:      m.close,
	})
	if err != nil {
		allocator.Unreserve(moduleSize)
		return nil, err
	}

	klog.V(2).InfoS("created vmvx module", "exports", len(descriptor.Exports))
	return nativeModule, nil
}

func (m *module) allocState(allocator vm.Allocator) (vm.ModuleState, error) {
	if err := allocator.Reserve(moduleStateSize); err != nil {
		return nil, fmt.Errorf("allocating vmvx module state: %w", err)
	}
	return &moduleState{hostAllocator: allocator}, nil
}

func (m *module) freeState(state vm.ModuleState) {
	s, ok := state.(*moduleState)
	if !ok || s == nil {
		return
	}
	s.hostAllocator.Unreserve(moduleStateSize)
}

func (m *module) close() error {
	m.hostAllocator.Unreserve(moduleSize)
	return nil
}
