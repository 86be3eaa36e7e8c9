package vm

import (
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ref is a reference-counted object that can be passed through VM lists and
// function arguments.
type Ref interface {
	RefType() *RefType
	Retain()
	Release()
	RefCount() int32
}

// RefType describes a registered ref-counted type.
type RefType struct {
	name    string
	destroy func(Ref)
}

func (t *RefType) Name() string {
	if t == nil {
		return "<unregistered>"
	}
	return t.name
}

// Destroy runs the type's destroy hook. It is called once the last reference
// to an object of this type is released.
func (t *RefType) Destroy(ref Ref) {
	if t == nil || t.destroy == nil {
		return
	}
	t.destroy(ref)
}

var registry = struct {
	mu    sync.Mutex
	types map[string]*RefType
}{
	types: make(map[string]*RefType),
}

// RegisterType adds a named ref type to the process-wide registry.
func RegisterType(name string, destroy func(Ref)) (*RefType, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, found := registry.types[name]; found {
		return nil, status.Errorf(codes.AlreadyExists, "ref type %q already registered", name)
	}
	t := &RefType{name: name, destroy: destroy}
	registry.types[name] = t
	return t, nil
}

// LookupType returns the registered type with the given name.
func LookupType(name string) (*RefType, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	t, found := registry.types[name]
	return t, found
}

// RefObject holds the atomic reference count of a ref-counted type.
// Types embed it and implement Release by calling ReleaseRef.
type RefObject struct {
	counter atomic.Int32
}

// InitRef sets the reference count to one.
func (o *RefObject) InitRef() {
	o.counter.Store(1)
}

func (o *RefObject) Retain() {
	o.counter.Add(1)
}

func (o *RefObject) RefCount() int32 {
	return o.counter.Load()
}

// ReleaseRef drops one reference and reports whether it was the last one.
func (o *RefObject) ReleaseRef() bool {
	n := o.counter.Add(-1)
	if n < 0 {
		panic("vm: ref released more times than it was retained")
	}
	return n == 0
}
