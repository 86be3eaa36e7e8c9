package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/vmvx/pkg/vm"
	"k8s.io/examples/AI/vmvx/pkg/vmvx"
)

var simpleMulPath = filepath.Join("..", "bytecode", "testdata", "simple_mul.json")

func newSession(t *testing.T, opts SessionOptions) (*Instance, *Session) {
	t.Helper()
	ctx := context.Background()

	instance, err := NewInstance(ctx, InstanceOptions{})
	if err != nil {
		t.Fatalf("NewInstance failed: %v", err)
	}
	t.Cleanup(instance.Release)

	session, err := NewSession(ctx, instance, opts)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(session.Release)
	return instance, session
}

func f32Bytes(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func TestSimpleMulDispatch(t *testing.T) {
	ctx := context.Background()
	_, session := newSession(t, SessionOptions{})

	if err := session.AppendBytecodeModuleFromFile(ctx, simpleMulPath); err != nil {
		t.Fatalf("AppendBytecodeModuleFromFile failed: %v", err)
	}

	const n = 64
	lhsValues := make([]float32, n)
	rhsValues := make([]float32, n)
	for i := range lhsValues {
		lhsValues[i] = float32(i)
		rhsValues[i] = 0.5
	}
	lhs, _ := vmvx.NewBuffer(f32Bytes(lhsValues...), vmvx.AccessRead)
	rhs, _ := vmvx.NewBuffer(f32Bytes(rhsValues...), vmvx.AccessRead)
	outMemory := make([]byte, 4*n)
	out, _ := vmvx.NewBuffer(outMemory, vmvx.AccessWrite|vmvx.AccessDiscard)

	var iface vmvx.Interface
	iface.Initialize(make([]byte, 64))
	defer iface.Deinitialize()
	if err := iface.Populate([]uint32{n}, []*vmvx.Buffer{lhs, rhs, out}); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	count, err := NewCallByName(session, "simple_mul_dispatch_0.workgroup_count")
	if err != nil {
		t.Fatalf("NewCallByName failed: %v", err)
	}
	defer count.Deinitialize()
	if err := count.Inputs().Push(vm.RefValue(&iface)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := count.Invoke(ctx, CallFlagNone); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	v, err := count.Outputs().Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	workgroups, err := v.I32()
	if err != nil || workgroups != n {
		t.Fatalf("workgroup_count = %d, %v; expected %d", workgroups, err, n)
	}
	// Drop the count call's reference to the interface.
	count.Reset()

	fn, err := session.LookupFunction("simple_mul_dispatch_0.simple_mul")
	if err != nil {
		t.Fatalf("LookupFunction failed: %v", err)
	}
	var g errgroup.Group
	g.SetLimit(8)
	for x := int32(0); x < workgroups; x++ {
		g.Go(func() error {
			call, err := NewCall(session, fn)
			if err != nil {
				return err
			}
			defer call.Deinitialize()
			if err := call.Inputs().Push(vm.RefValue(&iface)); err != nil {
				return err
			}
			if err := call.Inputs().Push(vm.I32(x)); err != nil {
				return err
			}
			if err := call.Invoke(ctx, CallFlagNone); err != nil {
				return fmt.Errorf("workgroup %d: %w", x, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	for i := 0; i < n; i++ {
		got := math.Float32frombits(binary.LittleEndian.Uint32(outMemory[4*i:]))
		if want := lhsValues[i] * rhsValues[i]; got != want {
			t.Errorf("out[%d] = %v, expected %v", i, got, want)
		}
	}
	if iface.RefCount() != 1 || lhs.RefCount() != 1 {
		t.Errorf("references leaked: interface %d, lhs %d", iface.RefCount(), lhs.RefCount())
	}
	if session.RefCount() != 2 {
		t.Errorf("expected only the test and the count call to hold the session, count is %d", session.RefCount())
	}
}

func TestCallReset(t *testing.T) {
	ctx := context.Background()
	_, session := newSession(t, SessionOptions{})

	memory := make([]byte, 8)
	buffer, _ := vmvx.NewBuffer(memory, vmvx.AccessRead|vmvx.AccessWrite)

	store, err := NewCallByName(session, "vmvx.buffer.store.1xi32")
	if err != nil {
		t.Fatalf("NewCallByName failed: %v", err)
	}
	defer store.Deinitialize()
	load, err := NewCallByName(session, "vmvx.buffer.load.1xi32")
	if err != nil {
		t.Fatalf("NewCallByName failed: %v", err)
	}
	defer load.Deinitialize()

	for round := int32(1); round <= 3; round++ {
		store.Reset()
		store.Reset()
		for _, v := range []vm.Value{vm.RefValue(buffer), vm.I32(4), vm.I32(round * 100)} {
			if err := store.Inputs().Push(v); err != nil {
				t.Fatalf("Push failed: %v", err)
			}
		}
		if buffer.RefCount() != 2 {
			t.Errorf("expected inputs to retain the buffer, count is %d", buffer.RefCount())
		}
		if err := store.Invoke(ctx, CallFlagNone); err != nil {
			t.Fatalf("store failed: %v", err)
		}

		load.Reset()
		load.Inputs().Push(vm.RefValue(buffer))
		load.Inputs().Push(vm.I32(4))
		if err := load.Invoke(ctx, CallFlagNone); err != nil {
			t.Fatalf("load failed: %v", err)
		}
		result, _ := load.Outputs().Get(0)
		if v, _ := result.I32(); v != round*100 {
			t.Errorf("round %d: loaded %d", round, v)
		}
		load.Reset()
	}

	store.Reset()
	load.Reset()
	if store.Inputs().Len() != 0 || load.Outputs().Len() != 0 {
		t.Errorf("expected empty lists after Reset")
	}
	if buffer.RefCount() != 1 {
		t.Errorf("expected Reset to release inputs, count is %d", buffer.RefCount())
	}

	if err := load.Invoke(ctx, CallFlagNone); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument invoking with no inputs, got %v", err)
	}
}

func TestCallDeinitializeIdempotent(t *testing.T) {
	_, session := newSession(t, SessionOptions{})

	call, err := NewCallByName(session, "vmvx.interface.constant")
	if err != nil {
		t.Fatalf("NewCallByName failed: %v", err)
	}
	if session.RefCount() != 2 {
		t.Errorf("expected call to retain session, count is %d", session.RefCount())
	}
	call.Deinitialize()
	call.Deinitialize()
	if session.RefCount() != 1 {
		t.Errorf("expected session released once, count is %d", session.RefCount())
	}

	var nilCall *Call
	nilCall.Deinitialize()
}

// switchAllocator fails every reservation once failing is set.
type switchAllocator struct {
	failing atomic.Bool
}

func (a *switchAllocator) Reserve(size int) error {
	if a.failing.Load() && size > 0 {
		return status.Errorf(codes.ResourceExhausted, "allocation of %d bytes refused", size)
	}
	return nil
}

func (a *switchAllocator) Unreserve(size int) {}

func TestNewCallResourceExhausted(t *testing.T) {
	allocator := &switchAllocator{}
	_, session := newSession(t, SessionOptions{Allocator: allocator})

	allocator.failing.Store(true)
	_, err := NewCallByName(session, "vmvx.buffer.copy")
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if session.RefCount() != 1 {
		t.Errorf("expected failed call to release the session, count is %d", session.RefCount())
	}
}

func TestLookupFunction(t *testing.T) {
	_, session := newSession(t, SessionOptions{})

	fn, err := session.LookupFunction("vmvx.buffer.load.1xf32")
	if err != nil {
		t.Fatalf("LookupFunction failed: %v", err)
	}
	if fn.CConv != "0ri_f" || fn.QualifiedName() != "vmvx.buffer.load.1xf32" {
		t.Errorf("unexpected function %+v", fn)
	}

	for name, code := range map[string]codes.Code{
		"vmvx.buffer.fill":  codes.NotFound,
		"hal.buffer.copy":   codes.NotFound,
		"simple_mul":        codes.InvalidArgument,
		"vmvx.buffer.copy.": codes.NotFound,
	} {
		if _, err := session.LookupFunction(name); status.Code(err) != code {
			t.Errorf("LookupFunction(%q): expected %v, got %v", name, code, err)
		}
		if _, err := NewCallByName(session, name); status.Code(err) != code {
			t.Errorf("NewCallByName(%q): expected %v, got %v", name, code, err)
		}
	}
	if session.RefCount() != 1 {
		t.Errorf("failed lookups retained the session, count is %d", session.RefCount())
	}
}

func TestAppendModuleErrors(t *testing.T) {
	ctx := context.Background()
	instance, session := newSession(t, SessionOptions{})

	if err := session.AppendModule(ctx, instance.VMVXModule()); status.Code(err) != codes.AlreadyExists {
		t.Errorf("expected AlreadyExists for second vmvx module, got %v", err)
	}

	mismatched := []byte(`{
		"name": "bad",
		"imports": [{"name": "vmvx.buffer.load.1xf32", "cconv": "0ri_i"}],
		"functions": [{"name": "f", "cconv": "0v_v", "body": [{"op": "ret"}]}]
	}`)
	if err := session.AppendBytecodeModuleFromMemory(ctx, mismatched); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for cconv mismatch, got %v", err)
	}
	if _, err := session.LookupFunction("bad.f"); status.Code(err) != codes.NotFound {
		t.Errorf("expected failed module not to be loaded, got %v", err)
	}

	missing := []byte(`{
		"name": "missing",
		"imports": [{"name": "vmvx.buffer.fill", "cconv": "0rii_v"}],
		"functions": [{"name": "f", "cconv": "0v_v", "body": [{"op": "ret"}]}]
	}`)
	if err := session.AppendBytecodeModuleFromMemory(ctx, missing); status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound for missing export, got %v", err)
	}

	if err := session.AppendBytecodeModuleFromFile(ctx, filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Errorf("expected error loading absent file")
	}
}

func TestAppendModuleConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	_, session := newSession(t, SessionOptions{})

	var loaded atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			err := session.AppendBytecodeModuleFromFile(ctx, simpleMulPath)
			switch status.Code(err) {
			case codes.OK:
				loaded.Add(1)
				return nil
			case codes.AlreadyExists:
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("AppendBytecodeModuleFromFile failed: %v", err)
	}
	if n := loaded.Load(); n != 1 {
		t.Errorf("module loaded %d times, expected once", n)
	}
	if _, err := session.LookupFunction("simple_mul_dispatch_0.simple_mul"); err != nil {
		t.Errorf("LookupFunction failed: %v", err)
	}
}

func TestSessionReleaseFreesStates(t *testing.T) {
	ctx := context.Background()
	allocator := vm.NewLimitedAllocator(1 << 20)

	instance, err := NewInstance(ctx, InstanceOptions{HostAllocator: allocator})
	if err != nil {
		t.Fatalf("NewInstance failed: %v", err)
	}
	afterInstance := allocator.Used()

	session, err := NewSession(ctx, instance, SessionOptions{})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := session.AppendBytecodeModuleFromFile(ctx, simpleMulPath); err != nil {
		t.Fatalf("AppendBytecodeModuleFromFile failed: %v", err)
	}
	call, err := NewCallByName(session, "simple_mul_dispatch_0.simple_mul")
	if err != nil {
		t.Fatalf("NewCallByName failed: %v", err)
	}
	if allocator.Used() <= afterInstance {
		t.Errorf("expected session to account memory")
	}

	session.Release()
	call.Deinitialize()
	if used := allocator.Used(); used != afterInstance {
		t.Errorf("expected %d bytes after session release, got %d", afterInstance, used)
	}
	instance.Release()
	if used := allocator.Used(); used != 0 {
		t.Errorf("expected all memory released, %d bytes still used", used)
	}
}

func TestFprintStatus(t *testing.T) {
	grid := []struct {
		err      error
		expected string
	}{
		{err: nil, expected: "OK\n"},
		{err: status.Errorf(codes.OutOfRange, "attempted to access source buffer"), expected: "OUT_OF_RANGE: attempted to access source buffer\n"},
		{err: fmt.Errorf("simple_mul: %w", status.Errorf(codes.PermissionDenied, "denied")), expected: "PERMISSION_DENIED: simple_mul: denied\n"},
		{err: fmt.Errorf("plain"), expected: "UNKNOWN: plain\n"},
	}
	for _, g := range grid {
		var buf bytes.Buffer
		if err := FprintStatus(&buf, g.err); err != nil {
			t.Fatalf("FprintStatus failed: %v", err)
		}
		if buf.String() != g.expected {
			t.Errorf("FprintStatus(%v) = %q, expected %q", g.err, buf.String(), g.expected)
		}
	}

	for code, name := range map[codes.Code]string{
		codes.InvalidArgument:   "INVALID_ARGUMENT",
		codes.ResourceExhausted: "RESOURCE_EXHAUSTED",
		codes.Unimplemented:     "UNIMPLEMENTED",
		codes.NotFound:          "NOT_FOUND",
	} {
		if got := CodeName(code); got != name {
			t.Errorf("CodeName(%v) = %q, expected %q", code, got, name)
		}
	}
}
