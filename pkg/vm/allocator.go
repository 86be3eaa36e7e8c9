package vm

import (
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Allocator accounts for host memory handed out to VM objects such as lists
// and module state. Go owns the actual memory; the allocator decides whether
// an allocation of a given size is allowed.
type Allocator interface {
	// Reserve accounts for size bytes, or returns a ResourceExhausted error.
	Reserve(size int) error
	// Unreserve returns size bytes previously reserved.
	Unreserve(size int)
}

type systemAllocator struct{}

// SystemAllocator returns an allocator without a limit.
func SystemAllocator() Allocator {
	return systemAllocator{}
}

func (systemAllocator) Reserve(size int) error { return nil }
func (systemAllocator) Unreserve(size int)     {}

// LimitedAllocator fails reservations once limit bytes are in use.
type LimitedAllocator struct {
	limit int64
	used  atomic.Int64
}

var _ Allocator = (*LimitedAllocator)(nil)

func NewLimitedAllocator(limit int64) *LimitedAllocator {
	return &LimitedAllocator{limit: limit}
}

func (a *LimitedAllocator) Reserve(size int) error {
	for {
		used := a.used.Load()
		if used+int64(size) > a.limit {
			return status.Errorf(codes.ResourceExhausted, "allocation of %d bytes exceeds limit (%d of %d bytes in use)", size, used, a.limit)
		}
		if a.used.CompareAndSwap(used, used+int64(size)) {
			return nil
		}
	}
}

func (a *LimitedAllocator) Unreserve(size int) {
	a.used.Add(-int64(size))
}

// Used returns the number of bytes currently reserved.
func (a *LimitedAllocator) Used() int64 {
	return a.used.Load()
}
