package vmvx

import (
	"encoding/binary"
	"math"

	"k8s.io/examples/AI/vmvx/pkg/vm"
)

// descriptor is the vmvx ABI. Guest modules resolve imports by binary search,
// so entries must stay sorted by name; the compiler's import table uses the
// same order. MustNativeModuleDescriptor panics at init if they are not.
var descriptor = vm.MustNativeModuleDescriptor(ModuleName,
	vm.NativeExport{Name: "buffer.copy", Shim: vm.ShimRIRII_V(bufferCopy)},
	vm.NativeExport{Name: "buffer.load.1xf32", Shim: vm.ShimRI_F(bufferLoad1xf32)},
	vm.NativeExport{Name: "buffer.load.1xi32", Shim: vm.ShimRI_I(bufferLoad1xi32)},
	vm.NativeExport{Name: "buffer.store.1xf32", Shim: vm.ShimRIF_V(bufferStore1xf32)},
	vm.NativeExport{Name: "buffer.store.1xi32", Shim: vm.ShimRII_V(bufferStore1xi32)},
	vm.NativeExport{Name: "interface.binding", Shim: vm.ShimRI_R(interfaceBinding)},
	vm.NativeExport{Name: "interface.constant", Shim: vm.ShimRI_I(interfaceConstant)},
)

// Values are stored little-endian regardless of host byte order.
var byteOrder = binary.LittleEndian

// (interface, offset) -> value
func interfaceConstant(_ *moduleState, ref vm.Ref, offset int32) (int32, error) {
	iface, err := CheckInterfaceDeref(ref)
	if err != nil {
		return 0, err
	}
	value, err := iface.PushConstant(uint32(offset))
	if err != nil {
		return 0, err
	}
	return int32(value), nil
}

// (interface, ordinal) -> buffer
func interfaceBinding(_ *moduleState, ref vm.Ref, ordinal int32) (vm.Ref, error) {
	iface, err := CheckInterfaceDeref(ref)
	if err != nil {
		return nil, err
	}
	buffer, err := iface.Binding(uint32(ordinal))
	if err != nil {
		return nil, err
	}
	buffer.Retain()
	return buffer, nil
}

// (source_buffer, offset) -> i32
func bufferLoad1xi32(_ *moduleState, ref vm.Ref, offset int32) (int32, error) {
	source, err := CheckBufferDeref(ref)
	if err != nil {
		return 0, err
	}
	if err := VerifyAccess("source", source, AccessRead, uint32(offset), 4); err != nil {
		return 0, err
	}
	return int32(byteOrder.Uint32(source.span(uint32(offset), 4))), nil
}

// (source_buffer, offset) -> f32
func bufferLoad1xf32(_ *moduleState, ref vm.Ref, offset int32) (float32, error) {
	source, err := CheckBufferDeref(ref)
	if err != nil {
		return 0, err
	}
	if err := VerifyAccess("source", source, AccessRead, uint32(offset), 4); err != nil {
		return 0, err
	}
	return math.Float32frombits(byteOrder.Uint32(source.span(uint32(offset), 4))), nil
}

// (target_buffer, offset, value)
func bufferStore1xi32(_ *moduleState, ref vm.Ref, offset int32, value int32) error {
	target, err := CheckBufferDeref(ref)
	if err != nil {
		return err
	}
	if err := VerifyAccess("target", target, AccessWrite, uint32(offset), 4); err != nil {
		return err
	}
	byteOrder.PutUint32(target.span(uint32(offset), 4), uint32(value))
	return nil
}

// (target_buffer, offset, value)
func bufferStore1xf32(_ *moduleState, ref vm.Ref, offset int32, value float32) error {
	target, err := CheckBufferDeref(ref)
	if err != nil {
		return err
	}
	if err := VerifyAccess("target", target, AccessWrite, uint32(offset), 4); err != nil {
		return err
	}
	byteOrder.PutUint32(target.span(uint32(offset), 4), math.Float32bits(value))
	return nil
}

// (source_buffer, source_offset, target_buffer, target_offset, length)
func bufferCopy(_ *moduleState, sourceRef vm.Ref, sourceOffset int32, targetRef vm.Ref, targetOffset int32, length int32) error {
	source, err := CheckBufferDeref(sourceRef)
	if err != nil {
		return err
	}
	if err := VerifyAccess("source", source, AccessRead, uint32(sourceOffset), uint32(length)); err != nil {
		return err
	}
	target, err := CheckBufferDeref(targetRef)
	if err != nil {
		return err
	}
	if err := VerifyAccess("target", target, AccessWrite, uint32(targetOffset), uint32(length)); err != nil {
		return err
	}
	// copy has memmove semantics, so overlapping ranges of the same memory
	// are copied correctly.
	copy(target.span(uint32(targetOffset), uint32(length)), source.span(uint32(sourceOffset), uint32(length)))
	return nil
}
