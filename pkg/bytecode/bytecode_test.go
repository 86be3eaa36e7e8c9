package bytecode

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/vmvx/pkg/vm"
	"k8s.io/examples/AI/vmvx/pkg/vmvx"
)

// vmvxResolver resolves imports against a freshly created vmvx module.
func vmvxResolver(t *testing.T) vm.ResolveFunc {
	t.Helper()
	native, err := vmvx.NewModule(vm.SystemAllocator())
	if err != nil {
		t.Fatalf("NewModule failed: %v", err)
	}
	state, err := native.AllocState(vm.SystemAllocator())
	if err != nil {
		t.Fatalf("AllocState failed: %v", err)
	}
	t.Cleanup(func() {
		native.FreeState(state)
		native.Close()
	})
	return func(qualifiedName string) (vm.BoundFunction, error) {
		module, name, _ := strings.Cut(qualifiedName, ".")
		if module != native.Name() {
			return vm.BoundFunction{}, status.Errorf(codes.NotFound, "module %s not loaded", module)
		}
		fn, err := native.LookupFunction(name)
		if err != nil {
			return vm.BoundFunction{}, err
		}
		return vm.BoundFunction{Function: fn, State: state}, nil
	}
}

func loadResolved(t *testing.T, path string) (*Module, vm.ModuleState) {
	t.Helper()
	m, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	state, err := m.AllocState(vm.SystemAllocator())
	if err != nil {
		t.Fatalf("AllocState failed: %v", err)
	}
	t.Cleanup(func() { m.FreeState(state) })
	if err := m.ResolveImports(state, vmvxResolver(t)); err != nil {
		t.Fatalf("ResolveImports failed: %v", err)
	}
	return m, state
}

func f32Bytes(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func TestSimpleMul(t *testing.T) {
	m, state := loadResolved(t, filepath.Join("testdata", "simple_mul.json"))

	if names := m.FunctionNames(); len(names) != 2 || names[0] != "simple_mul" {
		t.Fatalf("unexpected functions %v", names)
	}

	lhs, err := vmvx.NewBuffer(f32Bytes(1, 2, 3, 4), vmvx.AccessRead)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	rhs, err := vmvx.NewBuffer(f32Bytes(10, 20, 30, 40), vmvx.AccessRead)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	outMemory := make([]byte, 16)
	out, err := vmvx.NewBuffer(outMemory, vmvx.AccessWrite|vmvx.AccessDiscard)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}

	var iface vmvx.Interface
	iface.Initialize(make([]byte, 64))
	defer iface.Deinitialize()
	if err := iface.Populate([]uint32{4}, []*vmvx.Buffer{lhs, rhs, out}); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	countFn, err := m.LookupFunction("workgroup_count")
	if err != nil {
		t.Fatalf("LookupFunction failed: %v", err)
	}
	rets := make([]vm.Value, 1)
	if err := m.Invoke(state, countFn, []vm.Value{vm.RefValue(&iface)}, rets); err != nil {
		t.Fatalf("workgroup_count failed: %v", err)
	}
	count, err := rets[0].I32()
	if err != nil || count != 4 {
		t.Fatalf("workgroup_count = %d, %v; expected 4", count, err)
	}

	fn, err := m.LookupFunction("simple_mul")
	if err != nil {
		t.Fatalf("LookupFunction failed: %v", err)
	}
	for x := int32(0); x < count; x++ {
		if err := m.Invoke(state, fn, []vm.Value{vm.RefValue(&iface), vm.I32(x)}, nil); err != nil {
			t.Fatalf("workgroup %d failed: %v", x, err)
		}
	}

	for i, want := range []float32{10, 40, 90, 160} {
		got := math.Float32frombits(binary.LittleEndian.Uint32(outMemory[4*i:]))
		if got != want {
			t.Errorf("out[%d] = %v, expected %v", i, got, want)
		}
	}
	for _, b := range []*vmvx.Buffer{lhs, rhs, out} {
		if b.RefCount() != 1 {
			t.Errorf("binding leaked references: count %d", b.RefCount())
		}
	}
	if iface.RefCount() != 1 {
		t.Errorf("interface leaked references: count %d", iface.RefCount())
	}

	err = m.Invoke(state, fn, []vm.Value{vm.RefValue(&iface), vm.I32(4)}, nil)
	if status.Code(err) != codes.OutOfRange {
		t.Errorf("expected OutOfRange past the end of the bindings, got %v", err)
	}
	if lhs.RefCount() != 1 {
		t.Errorf("failed invocation leaked references: count %d", lhs.RefCount())
	}
}

func TestResolveImports(t *testing.T) {
	grid := []struct {
		name string
		imp  ImportDef
		code codes.Code
	}{
		{name: "matching cconv", imp: ImportDef{Name: "vmvx.buffer.load.1xi32", CConv: "0ri_i"}, code: codes.OK},
		{name: "mismatched cconv", imp: ImportDef{Name: "vmvx.buffer.load.1xi32", CConv: "0ri_f"}, code: codes.InvalidArgument},
		{name: "unknown export", imp: ImportDef{Name: "vmvx.buffer.fill", CConv: "0rii_v"}, code: codes.NotFound},
		{name: "unknown module", imp: ImportDef{Name: "hal.buffer.fill", CConv: "0rii_v"}, code: codes.NotFound},
	}
	for _, g := range grid {
		m, err := Compile(&ModuleDef{
			Name:    "imports",
			Imports: []ImportDef{g.imp},
			Functions: []FunctionDef{
				{Name: "main", CConv: "0v_v", Body: []OpDef{{Op: "ret"}}},
			},
		})
		if err != nil {
			t.Fatalf("%s: Compile failed: %v", g.name, err)
		}
		state, err := m.AllocState(vm.SystemAllocator())
		if err != nil {
			t.Fatalf("%s: AllocState failed: %v", g.name, err)
		}
		err = m.ResolveImports(state, vmvxResolver(t))
		if status.Code(err) != g.code {
			t.Errorf("%s: expected %v, got %v", g.name, g.code, err)
		}
		m.FreeState(state)
	}
}

func TestInvokeBeforeResolve(t *testing.T) {
	m, err := LoadFile(filepath.Join("testdata", "simple_mul.json"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	state, err := m.AllocState(vm.SystemAllocator())
	if err != nil {
		t.Fatalf("AllocState failed: %v", err)
	}
	defer m.FreeState(state)

	fn, err := m.LookupFunction("simple_mul")
	if err != nil {
		t.Fatalf("LookupFunction failed: %v", err)
	}
	err = m.Invoke(state, fn, []vm.Value{vm.RefValue(nil), vm.I32(0)}, nil)
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestArithmetic(t *testing.T) {
	m, err := Load([]byte(`{
		"name": "arith",
		"functions": [{
			"name": "fma",
			"cconv": "0fff_f",
			"registers": {"f": 4},
			"body": [
				{"op": "mul.f32", "dst": "f3", "lhs": "f0", "rhs": "f1"},
				{"op": "add.f32", "dst": "f3", "lhs": "f3", "rhs": "f2"},
				{"op": "ret", "results": ["f3"]}
			]
		}, {
			"name": "wrap",
			"cconv": "0i_i",
			"registers": {"i": 2},
			"body": [
				{"op": "const.i32", "dst": "i1", "i32": 2147483647},
				{"op": "add.i32", "dst": "i1", "lhs": "i1", "rhs": "i0"},
				{"op": "ret", "results": ["i1"]}
			]
		}]
	}`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	state, err := m.AllocState(vm.SystemAllocator())
	if err != nil {
		t.Fatalf("AllocState failed: %v", err)
	}
	defer m.FreeState(state)

	fma, _ := m.LookupFunction("fma")
	rets := make([]vm.Value, 1)
	if err := m.Invoke(state, fma, []vm.Value{vm.F32(2), vm.F32(3), vm.F32(0.5)}, rets); err != nil {
		t.Fatalf("fma failed: %v", err)
	}
	if v, _ := rets[0].F32(); v != 6.5 {
		t.Errorf("fma = %v, expected 6.5", v)
	}

	wrap, _ := m.LookupFunction("wrap")
	if err := m.Invoke(state, wrap, []vm.Value{vm.I32(1)}, rets); err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if v, _ := rets[0].I32(); v != math.MinInt32 {
		t.Errorf("wrap = %d, expected %d", v, math.MinInt32)
	}

	if err := m.Invoke(state, wrap, []vm.Value{vm.F32(1)}, rets); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for mistyped argument, got %v", err)
	}
	if _, err := m.LookupFunction("missing"); status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestLoadRejectsMalformedModules(t *testing.T) {
	grid := []struct {
		name string
		json string
	}{
		{name: "not json", json: `{`},
		{name: "unknown field", json: `{"name": "m", "functions": [], "extra": 1}`},
		{name: "dotted module name", json: `{"name": "a.b", "functions": []}`},
		{name: "bad import name", json: `{"name": "m", "imports": [{"name": "nodot", "cconv": "0v_v"}], "functions": []}`},
		{name: "bad import cconv", json: `{"name": "m", "imports": [{"name": "vmvx.x", "cconv": "1v_v"}], "functions": []}`},
		{name: "missing ret", json: `{"name": "m", "functions": [{"name": "f", "cconv": "0v_v", "body": [{"op": "const.i32", "dst": "i0"}], "registers": {"i": 1}}]}`},
		{name: "unknown op", json: `{"name": "m", "functions": [{"name": "f", "cconv": "0v_v", "body": [{"op": "div.i32"}, {"op": "ret"}]}]}`},
		{name: "register out of range", json: `{"name": "m", "functions": [{"name": "f", "cconv": "0v_v", "registers": {"i": 1}, "body": [{"op": "const.i32", "dst": "i1"}, {"op": "ret"}]}]}`},
		{name: "wrong bank", json: `{"name": "m", "functions": [{"name": "f", "cconv": "0v_v", "registers": {"i": 1, "f": 1}, "body": [{"op": "const.i32", "dst": "f0"}, {"op": "ret"}]}]}`},
		{name: "too few argument registers", json: `{"name": "m", "functions": [{"name": "f", "cconv": "0ii_v", "registers": {"i": 1}, "body": [{"op": "ret"}]}]}`},
		{name: "callee not imported", json: `{"name": "m", "functions": [{"name": "f", "cconv": "0v_v", "body": [{"op": "call", "callee": "vmvx.buffer.copy"}, {"op": "ret"}]}]}`},
		{name: "call arity", json: `{"name": "m", "imports": [{"name": "vmvx.interface.constant", "cconv": "0ri_i"}], "functions": [{"name": "f", "cconv": "0r_v", "registers": {"r": 1, "i": 1}, "body": [{"op": "call", "callee": "vmvx.interface.constant", "args": ["r0"], "results": ["i0"]}, {"op": "ret"}]}]}`},
		{name: "ret arity", json: `{"name": "m", "functions": [{"name": "f", "cconv": "0v_i", "registers": {"i": 1}, "body": [{"op": "ret"}]}]}`},
		{name: "duplicate function", json: `{"name": "m", "functions": [{"name": "f", "cconv": "0v_v", "body": [{"op": "ret"}]}, {"name": "f", "cconv": "0v_v", "body": [{"op": "ret"}]}]}`},
	}
	for _, g := range grid {
		if _, err := Load([]byte(g.json)); status.Code(err) != codes.InvalidArgument {
			t.Errorf("%s: expected InvalidArgument, got %v", g.name, err)
		}
	}
}
