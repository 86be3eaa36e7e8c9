package vmvx

import (
	"math"
	"slices"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/vmvx/pkg/vm"
	"k8s.io/klog/v2"
)

// Interface is the read-only state shared by all workgroup invocations of a
// dispatch: push constants, densely packed bindings and a scratch buffer.
//
// It is owned by the caller (typically a local variable of the dispatch
// loop). Initialize it, Populate it once, pass it to the guest by reference
// and Deinitialize it when the dispatch completes.
type Interface struct {
	vm.RefObject

	initialized bool
	populated   bool

	pushConstants []uint32
	bindings      []*Buffer

	// scratch holds transient guest data. Contents are undefined on entry and
	// may contain data left by earlier invocations.
	scratch Buffer
}

var _ vm.Ref = (*Interface)(nil)

// Initialize resets the interface and binds scratch as a read/write/discard
// buffer. Push constants and bindings must be set with Populate.
func (i *Interface) Initialize(scratch []byte) {
	if uint64(len(scratch)) > math.MaxUint32 {
		panic("vmvx: scratch memory exceeds 32-bit range")
	}
	i.pushConstants = nil
	i.bindings = nil
	i.populated = false
	i.InitRef()
	i.scratch.initialize(scratch, AccessRead|AccessWrite|AccessDiscard)
	i.initialized = true
}

// Populate installs copies of the push constants and bindings of the
// dispatch. It may only be called once per Initialize.
func (i *Interface) Populate(pushConstants []uint32, bindings []*Buffer) error {
	if !i.initialized {
		return status.Errorf(codes.FailedPrecondition, "interface not initialized")
	}
	if i.populated {
		return status.Errorf(codes.FailedPrecondition, "interface already populated")
	}
	if len(pushConstants) > math.MaxUint16 {
		return status.Errorf(codes.InvalidArgument, "%d push constants exceeds limit of %d", len(pushConstants), math.MaxUint16)
	}
	if len(bindings) > math.MaxUint16 {
		return status.Errorf(codes.InvalidArgument, "%d bindings exceeds limit of %d", len(bindings), math.MaxUint16)
	}
	for ordinal, binding := range bindings {
		if binding == nil {
			return status.Errorf(codes.InvalidArgument, "binding %d is nil; bindings must be densely packed", ordinal)
		}
	}
	i.pushConstants = slices.Clone(pushConstants)
	i.bindings = slices.Clone(bindings)
	i.populated = true
	return nil
}

func (i *Interface) PushConstantCount() int {
	return len(i.pushConstants)
}

func (i *Interface) BindingCount() int {
	return len(i.bindings)
}

// PushConstant returns the 32-bit push constant at byte offset.
func (i *Interface) PushConstant(offset uint32) (uint32, error) {
	ordinal := offset / 4
	if ordinal >= uint32(len(i.pushConstants)) {
		return 0, status.Errorf(codes.InvalidArgument, "push constant ordinal %d (offset %d) out of valid range (%d)", ordinal, offset, len(i.pushConstants))
	}
	return i.pushConstants[ordinal], nil
}

// Binding returns the buffer bound at ordinal. The reference is borrowed.
func (i *Interface) Binding(ordinal uint32) (*Buffer, error) {
	if ordinal >= uint32(len(i.bindings)) {
		return nil, status.Errorf(codes.InvalidArgument, "binding ordinal %d out of valid range (%d)", ordinal, len(i.bindings))
	}
	return i.bindings[ordinal], nil
}

// Scratch returns the scratch buffer embedded in the interface.
func (i *Interface) Scratch() *Buffer {
	return &i.scratch
}

// Deinitialize ends the dispatch. Nothing is freed; buffers that are still
// referenced by the guest are logged.
func (i *Interface) Deinitialize() {
	for ordinal, binding := range i.bindings {
		if n := binding.RefCount(); n > 1 {
			klog.V(2).InfoS("binding still referenced after dispatch", "ordinal", ordinal, "refs", n)
		}
	}
	if n := i.scratch.RefCount(); n > 1 {
		klog.V(2).InfoS("scratch buffer still referenced after dispatch", "refs", n)
	}
	i.pushConstants = nil
	i.bindings = nil
	i.populated = false
	i.initialized = false
}

func (i *Interface) RefType() *vm.RefType {
	return interfaceType
}

func (i *Interface) Release() {
	if i.ReleaseRef() {
		interfaceType.Destroy(i)
	}
}

func destroyInterface(vm.Ref) {
	// Stack or arena owned; see Deinitialize.
}

// CheckInterfaceDeref returns the interface held by ref.
func CheckInterfaceDeref(ref vm.Ref) (*Interface, error) {
	if ref == nil {
		return nil, status.Errorf(codes.InvalidArgument, "null interface reference")
	}
	iface, ok := ref.(*Interface)
	if !ok || iface == nil || ref.RefType() != interfaceType || interfaceType == nil {
		return nil, status.Errorf(codes.InvalidArgument, "reference is %s, expected vmvx.interface", ref.RefType().Name())
	}
	return iface, nil
}
