// Package runtime is the host-facing API: an Instance shared by the process,
// Sessions holding loaded modules, and Calls that invoke module functions.
package runtime

import (
	"context"
	"fmt"
	"sync/atomic"

	"k8s.io/examples/AI/vmvx/pkg/vm"
	"k8s.io/examples/AI/vmvx/pkg/vmvx"
	"k8s.io/klog/v2"
)

type InstanceOptions struct {
	// HostAllocator accounts for host memory used by the instance and, unless
	// overridden per session, by its sessions. Defaults to
	// vm.SystemAllocator().
	HostAllocator vm.Allocator
}

// Instance holds process-wide state: the registered ref types and the vmvx
// module shared by every session. It is safe for concurrent use.
type Instance struct {
	refs      atomic.Int32
	allocator vm.Allocator
	vmvx      *vm.NativeModule
}

func NewInstance(ctx context.Context, opts InstanceOptions) (*Instance, error) {
	log := klog.FromContext(ctx)

	allocator := opts.HostAllocator
	if allocator == nil {
		allocator = vm.SystemAllocator()
	}
	module, err := vmvx.NewModule(allocator)
	if err != nil {
		return nil, fmt.Errorf("creating vmvx module: %w", err)
	}

	i := &Instance{allocator: allocator, vmvx: module}
	i.refs.Store(1)
	log.V(2).Info("created runtime instance")
	return i, nil
}

func (i *Instance) HostAllocator() vm.Allocator {
	return i.allocator
}

// VMVXModule returns the shared vmvx native module.
func (i *Instance) VMVXModule() *vm.NativeModule {
	return i.vmvx
}

func (i *Instance) Retain() {
	i.refs.Add(1)
}

// Release drops a reference; the last one closes the shared modules.
func (i *Instance) Release() {
	n := i.refs.Add(-1)
	if n < 0 {
		panic("runtime: instance over-released")
	}
	if n == 0 {
		if err := i.vmvx.Close(); err != nil {
			klog.ErrorS(err, "closing vmvx module")
		}
	}
}
