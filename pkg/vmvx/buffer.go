package vmvx

import (
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/vmvx/pkg/vm"
)

// Access is the set of rights a guest has on a buffer. It may be a subset of
// what the host can do with the same memory.
type Access uint32

const (
	AccessNone Access = 0
	AccessRead Access = 1 << 0
	// AccessWrite allows guest stores. Concurrent writers to aliasing memory
	// are not arbitrated here.
	AccessWrite Access = 1 << 1
	// AccessDiscard marks existing contents as undefined; the guest must
	// write every byte before reading it. Combining it with AccessRead but not
	// AccessWrite is accepted, and reading before writing is undefined.
	AccessDiscard Access = 1 << 2

	AccessValidBitmask Access = 0x7
)

var accessLiterals = [...]string{
	0x0: "none",
	0x1: "R",
	0x2: "W",
	0x3: "RW",
	0x4: "X",
	0x5: "XR",
	0x6: "XW",
	0x7: "XRW",
}

func (a Access) String() string {
	return accessLiterals[a&AccessValidBitmask]
}

// Buffer is a borrowed view of host memory with guest access rights. It never
// owns the memory: releasing the last reference does not free anything.
type Buffer struct {
	vm.RefObject

	data   []byte
	length uint32
	access Access
}

var _ vm.Ref = (*Buffer)(nil)

// NewBuffer wraps data with the given access rights.
func NewBuffer(data []byte, access Access) (*Buffer, error) {
	if access&^AccessValidBitmask != 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid buffer access bits 0x%x", uint32(access))
	}
	if uint64(len(data)) > math.MaxUint32 {
		return nil, status.Errorf(codes.InvalidArgument, "buffer length %d exceeds 32-bit range", len(data))
	}
	b := &Buffer{}
	b.initialize(data, access)
	return b, nil
}

func (b *Buffer) initialize(data []byte, access Access) {
	b.InitRef()
	b.data = data
	b.length = uint32(len(data))
	b.access = access
}

func (b *Buffer) Length() uint32 {
	return b.length
}

func (b *Buffer) Access() Access {
	return b.access
}

func (b *Buffer) RefType() *vm.RefType {
	return bufferType
}

func (b *Buffer) Release() {
	if b.ReleaseRef() {
		bufferType.Destroy(b)
	}
}

func destroyBuffer(vm.Ref) {
	// Memory is owned by the host or the enclosing Interface.
}

// VerifyAccess checks that requested access to [offset, offset+length) of
// buffer is allowed. name identifies the buffer in error messages.
func VerifyAccess(name string, buffer *Buffer, requested Access, offset uint32, length uint32) error {
	if buffer.access&requested != requested {
		return status.Errorf(codes.PermissionDenied, "attempted to access %s buffer with access %s as %s", name, buffer.access, requested)
	}
	// Computed in 64 bits: a zero-length access at offset 0 wraps to the
	// maximum value and fails, and offset+length cannot overflow.
	end := uint64(offset) + uint64(length) - 1
	if end >= uint64(buffer.length) {
		return status.Errorf(codes.OutOfRange, "attempted to access %s buffer of length %d out of range: [%d, %d] (%db)", name, buffer.length, offset, int64(offset)+int64(length)-1, length)
	}
	return nil
}

// span returns the bytes of a range that has passed VerifyAccess.
func (b *Buffer) span(offset uint32, length uint32) []byte {
	start := int(offset)
	return b.data[start : start+int(length)]
}

// CheckBufferDeref returns the buffer held by ref, failing for null refs and
// refs of other types.
func CheckBufferDeref(ref vm.Ref) (*Buffer, error) {
	if ref == nil {
		return nil, status.Errorf(codes.InvalidArgument, "null buffer reference")
	}
	buffer, ok := ref.(*Buffer)
	if !ok || buffer == nil || ref.RefType() != bufferType || bufferType == nil {
		return nil, status.Errorf(codes.InvalidArgument, "reference is %s, expected vmvx.buffer", ref.RefType().Name())
	}
	return buffer, nil
}
