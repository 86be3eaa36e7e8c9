package vm

import (
	"fmt"
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NativeTarget is the untyped entry point of a native function. args and
// rets are sized from the calling convention.
type NativeTarget func(state ModuleState, args []Value, rets []Value) error

// NativeShim adapts a typed Go function to a NativeTarget. Each shim
// constructor below fixes the calling convention for its Go signature.
type NativeShim struct {
	CConv  string
	Target NativeTarget
}

func newShim(cconv string, body func(state ModuleState, args []Value, rets []Value) error) NativeShim {
	argKinds, resultKinds, err := ParseCConv(cconv)
	if err != nil {
		panic(fmt.Sprintf("invalid shim calling convention %q: %v", cconv, err))
	}
	return NativeShim{
		CConv: cconv,
		Target: func(state ModuleState, args []Value, rets []Value) error {
			if err := CheckValues(argKinds, args); err != nil {
				return fmt.Errorf("arguments: %w", err)
			}
			if len(rets) != len(resultKinds) {
				return status.Errorf(codes.InvalidArgument, "expected %d results, got %d", len(resultKinds), len(rets))
			}
			return body(state, args, rets)
		},
	}
}

func castState[S any](state ModuleState) (S, error) {
	var zero S
	if state == nil {
		return zero, nil
	}
	s, ok := state.(S)
	if !ok {
		return zero, status.Errorf(codes.FailedPrecondition, "module state has type %T, expected %T", state, zero)
	}
	return s, nil
}

func (v Value) i32() int32   { return int32(v.bits) }
func (v Value) f32() float32 { return math.Float32frombits(v.bits) }

// ShimRI_I adapts (ref, i32) -> i32.
func ShimRI_I[S any](fn func(state S, r0 Ref, i1 int32) (int32, error)) NativeShim {
	return newShim("0ri_i", func(state ModuleState, args []Value, rets []Value) error {
		s, err := castState[S](state)
		if err != nil {
			return err
		}
		v, err := fn(s, args[0].ref, args[1].i32())
		if err != nil {
			return err
		}
		rets[0] = I32(v)
		return nil
	})
}

// ShimRI_F adapts (ref, i32) -> f32.
func ShimRI_F[S any](fn func(state S, r0 Ref, i1 int32) (float32, error)) NativeShim {
	return newShim("0ri_f", func(state ModuleState, args []Value, rets []Value) error {
		s, err := castState[S](state)
		if err != nil {
			return err
		}
		v, err := fn(s, args[0].ref, args[1].i32())
		if err != nil {
			return err
		}
		rets[0] = F32(v)
		return nil
	})
}

// ShimRI_R adapts (ref, i32) -> ref. The returned ref must be retained.
func ShimRI_R[S any](fn func(state S, r0 Ref, i1 int32) (Ref, error)) NativeShim {
	return newShim("0ri_r", func(state ModuleState, args []Value, rets []Value) error {
		s, err := castState[S](state)
		if err != nil {
			return err
		}
		v, err := fn(s, args[0].ref, args[1].i32())
		if err != nil {
			return err
		}
		rets[0] = RefValue(v)
		return nil
	})
}

// ShimRII_V adapts (ref, i32, i32) -> ().
func ShimRII_V[S any](fn func(state S, r0 Ref, i1 int32, i2 int32) error) NativeShim {
	return newShim("0rii_v", func(state ModuleState, args []Value, rets []Value) error {
		s, err := castState[S](state)
		if err != nil {
			return err
		}
		return fn(s, args[0].ref, args[1].i32(), args[2].i32())
	})
}

// ShimRIF_V adapts (ref, i32, f32) -> ().
func ShimRIF_V[S any](fn func(state S, r0 Ref, i1 int32, f2 float32) error) NativeShim {
	return newShim("0rif_v", func(state ModuleState, args []Value, rets []Value) error {
		s, err := castState[S](state)
		if err != nil {
			return err
		}
		return fn(s, args[0].ref, args[1].i32(), args[2].f32())
	})
}

// ShimRIRII_V adapts (ref, i32, ref, i32, i32) -> ().
func ShimRIRII_V[S any](fn func(state S, r0 Ref, i1 int32, r2 Ref, i3 int32, i4 int32) error) NativeShim {
	return newShim("0ririi_v", func(state ModuleState, args []Value, rets []Value) error {
		s, err := castState[S](state)
		if err != nil {
			return err
		}
		return fn(s, args[0].ref, args[1].i32(), args[2].ref, args[3].i32(), args[4].i32())
	})
}
