package vm

import (
	"fmt"
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type ValueKind uint8

const (
	ValueNone ValueKind = iota
	ValueI32
	ValueF32
	ValueRef
)

func (k ValueKind) String() string {
	switch k {
	case ValueNone:
		return "none"
	case ValueI32:
		return "i32"
	case ValueF32:
		return "f32"
	case ValueRef:
		return "ref"
	default:
		return fmt.Sprintf("ValueKind(%d)", uint8(k))
	}
}

// Value is a variant holding one VM argument or result.
// Ref values are borrowed: holders that keep them must Retain.
type Value struct {
	kind ValueKind
	bits uint32
	ref  Ref
}

func I32(v int32) Value {
	return Value{kind: ValueI32, bits: uint32(v)}
}

func F32(v float32) Value {
	return Value{kind: ValueF32, bits: math.Float32bits(v)}
}

// RefValue wraps ref; a nil ref produces a null ref value.
func RefValue(ref Ref) Value {
	return Value{kind: ValueRef, ref: ref}
}

func (v Value) Kind() ValueKind {
	return v.kind
}

func (v Value) I32() (int32, error) {
	if v.kind != ValueI32 {
		return 0, status.Errorf(codes.InvalidArgument, "value is %v, expected i32", v.kind)
	}
	return int32(v.bits), nil
}

func (v Value) F32() (float32, error) {
	if v.kind != ValueF32 {
		return 0, status.Errorf(codes.InvalidArgument, "value is %v, expected f32", v.kind)
	}
	return math.Float32frombits(v.bits), nil
}

// Ref returns the held ref, which may be nil for a null ref value.
func (v Value) Ref() (Ref, error) {
	if v.kind != ValueRef {
		return nil, status.Errorf(codes.InvalidArgument, "value is %v, expected ref", v.kind)
	}
	return v.ref, nil
}

func (v Value) String() string {
	switch v.kind {
	case ValueI32:
		return fmt.Sprintf("i32=%d", int32(v.bits))
	case ValueF32:
		return fmt.Sprintf("f32=%v", math.Float32frombits(v.bits))
	case ValueRef:
		if v.ref == nil {
			return "ref=null"
		}
		return fmt.Sprintf("ref=%s", v.ref.RefType().Name())
	default:
		return "none"
	}
}

func (v Value) retain() {
	if v.kind == ValueRef && v.ref != nil {
		v.ref.Retain()
	}
}

// ReleaseValue drops the reference held by v, if any.
func ReleaseValue(v Value) {
	if v.kind == ValueRef && v.ref != nil {
		v.ref.Release()
	}
}
