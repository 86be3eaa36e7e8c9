package vm

import (
	"fmt"
	"unsafe"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const valueSize = int(unsafe.Sizeof(Value{}))

// List is a fixed-capacity list of values used to pass arguments and results
// across the host boundary. Refs pushed into the list are retained until
// they are dropped by Resize or Release.
type List struct {
	values    []Value
	allocator Allocator
	reserved  int
}

// NewList reserves storage for capacity values from allocator.
func NewList(capacity int, allocator Allocator) (*List, error) {
	if capacity < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "negative list capacity %d", capacity)
	}
	size := capacity * valueSize
	if err := allocator.Reserve(size); err != nil {
		return nil, fmt.Errorf("allocating list with capacity %d: %w", capacity, err)
	}
	return &List{
		values:    make([]Value, 0, capacity),
		allocator: allocator,
		reserved:  size,
	}, nil
}

func (l *List) Len() int {
	return len(l.values)
}

func (l *List) Capacity() int {
	return cap(l.values)
}

// Push appends v, retaining it if it is a ref.
func (l *List) Push(v Value) error {
	if len(l.values) == cap(l.values) {
		return status.Errorf(codes.ResourceExhausted, "list capacity %d exceeded", cap(l.values))
	}
	v.retain()
	l.values = append(l.values, v)
	return nil
}

func (l *List) Get(i int) (Value, error) {
	if i < 0 || i >= len(l.values) {
		return Value{}, status.Errorf(codes.OutOfRange, "list index %d out of range (%d)", i, len(l.values))
	}
	return l.values[i], nil
}

// Values returns the list contents without copying. Refs are borrowed.
func (l *List) Values() []Value {
	return l.values
}

// Resize truncates or extends the list. Extended slots hold ValueNone.
func (l *List) Resize(n int) error {
	if n < 0 || n > cap(l.values) {
		return status.Errorf(codes.OutOfRange, "list size %d out of range (capacity %d)", n, cap(l.values))
	}
	for i := n; i < len(l.values); i++ {
		ReleaseValue(l.values[i])
		l.values[i] = Value{}
	}
	for len(l.values) < n {
		l.values = append(l.values, Value{})
	}
	l.values = l.values[:n]
	return nil
}

// Release drops all held refs and returns the list storage to its allocator.
// It is safe to call on a nil list and more than once.
func (l *List) Release() {
	if l == nil || l.allocator == nil {
		return
	}
	_ = l.Resize(0)
	l.allocator.Unreserve(l.reserved)
	l.allocator = nil
	l.reserved = 0
}
