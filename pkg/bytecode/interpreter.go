package bytecode

import (
	"fmt"
	"math"

	"k8s.io/examples/AI/vmvx/pkg/vm"
)

// frame holds the typed register banks of one invocation. Ref registers own
// a reference to whatever they hold.
type frame struct {
	i []int32
	f []float32
	r []vm.Ref
}

func newFrame(regs RegisterDefs) *frame {
	return &frame{
		i: make([]int32, regs.I),
		f: make([]float32, regs.F),
		r: make([]vm.Ref, regs.R),
	}
}

func (fr *frame) release() {
	for i, ref := range fr.r {
		if ref != nil {
			ref.Release()
			fr.r[i] = nil
		}
	}
}

// setRef stores an owned reference, dropping the previous one.
func (fr *frame) setRef(index int, ref vm.Ref) {
	if old := fr.r[index]; old != nil {
		old.Release()
	}
	fr.r[index] = ref
}

func (fr *frame) get(r register) vm.Value {
	switch r.bank {
	case 'i':
		return vm.I32(fr.i[r.index])
	case 'f':
		return vm.F32(fr.f[r.index])
	default:
		return vm.RefValue(fr.r[r.index])
	}
}

// set stores v in r. Ref values are adopted: the caller's reference moves to
// the register.
func (fr *frame) set(r register, v vm.Value) error {
	switch r.bank {
	case 'i':
		x, err := v.I32()
		if err != nil {
			return err
		}
		fr.i[r.index] = x
	case 'f':
		x, err := v.F32()
		if err != nil {
			return err
		}
		fr.f[r.index] = x
	default:
		ref, err := v.Ref()
		if err != nil {
			return err
		}
		fr.setRef(r.index, ref)
	}
	return nil
}

// bindArguments copies args into the first registers of each bank in order.
func (fr *frame) bindArguments(kinds string, args []vm.Value) error {
	var next [3]int
	for n, kind := range []byte(kinds) {
		var bank int
		switch kind {
		case 'i':
			bank = 0
		case 'f':
			bank = 1
		default:
			bank = 2
		}
		r := register{bank: kind, index: next[bank]}
		next[bank]++

		v := args[n]
		if kind == 'r' {
			if ref, _ := v.Ref(); ref != nil {
				ref.Retain()
			}
		}
		if err := fr.set(r, v); err != nil {
			return err
		}
	}
	return nil
}

func execute(fn *function, imports []vm.BoundFunction, args []vm.Value, rets []vm.Value) error {
	fr := newFrame(fn.registers)
	defer fr.release()

	if err := fr.bindArguments(fn.argKinds, args); err != nil {
		return err
	}

	for pc := range fn.body {
		inst := &fn.body[pc]
		switch inst.op {
		case opConstI32:
			fr.i[inst.dst.index] = int32(inst.imm)
		case opConstF32:
			fr.f[inst.dst.index] = math.Float32frombits(inst.imm)
		case opAddI32:
			fr.i[inst.dst.index] = fr.i[inst.lhs.index] + fr.i[inst.rhs.index]
		case opMulI32:
			fr.i[inst.dst.index] = fr.i[inst.lhs.index] * fr.i[inst.rhs.index]
		case opAddF32:
			fr.f[inst.dst.index] = fr.f[inst.lhs.index] + fr.f[inst.rhs.index]
		case opMulF32:
			fr.f[inst.dst.index] = fr.f[inst.lhs.index] * fr.f[inst.rhs.index]
		case opCall:
			if err := call(fr, imports[inst.callee], inst); err != nil {
				return fmt.Errorf("%s: pc %d: %w", fn.name, pc, err)
			}
		case opRet:
			for n, r := range inst.results {
				v := fr.get(r)
				if ref, _ := v.Ref(); ref != nil {
					ref.Retain()
				}
				rets[n] = v
			}
			return nil
		}
	}
	return nil
}

func call(fr *frame, callee vm.BoundFunction, inst *instruction) error {
	args := make([]vm.Value, len(inst.args))
	for n, r := range inst.args {
		args[n] = fr.get(r)
	}
	rets := make([]vm.Value, len(inst.results))
	if err := callee.Call(args, rets); err != nil {
		return err
	}
	for n, r := range inst.results {
		if err := fr.set(r, rets[n]); err != nil {
			return err
		}
	}
	return nil
}
