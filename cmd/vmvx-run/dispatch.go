package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/vmvx/pkg/bytecode"
	vmvxruntime "k8s.io/examples/AI/vmvx/pkg/runtime"
	"k8s.io/examples/AI/vmvx/pkg/vm"
	"k8s.io/examples/AI/vmvx/pkg/vmvx"
	"k8s.io/examples/AI/vmvx/pkg/vmvx/wasmhost"
	"k8s.io/klog/v2"
)

type dispatchOptions struct {
	// Function is invoked as (interface, workgroup_x).
	Function string
	// CountFunction is invoked as (interface) -> workgroup count.
	CountFunction string

	Workers     int
	ScratchSize int

	LHS []float32
	RHS []float32
}

// dispatch binds lhs, rhs and out as bindings 0, 1 and 2 and the element
// count as push constant 0.
type dispatch struct {
	opts      dispatchOptions
	outMemory []byte
	iface     vmvx.Interface
}

func newDispatch(opts dispatchOptions) (*dispatch, error) {
	d := &dispatch{
		opts:      opts,
		outMemory: make([]byte, 4*len(opts.LHS)),
	}

	lhs, err := vmvx.NewBuffer(encodeFloats(opts.LHS), vmvx.AccessRead)
	if err != nil {
		return nil, err
	}
	rhs, err := vmvx.NewBuffer(encodeFloats(opts.RHS), vmvx.AccessRead)
	if err != nil {
		return nil, err
	}
	out, err := vmvx.NewBuffer(d.outMemory, vmvx.AccessWrite|vmvx.AccessDiscard)
	if err != nil {
		return nil, err
	}

	d.iface.Initialize(make([]byte, opts.ScratchSize))
	if err := d.iface.Populate([]uint32{uint32(len(opts.LHS))}, []*vmvx.Buffer{lhs, rhs, out}); err != nil {
		return nil, err
	}
	return d, nil
}

// dispatchFile runs the module at path over opts and returns the contents of
// the output binding.
func dispatchFile(ctx context.Context, path string, opts dispatchOptions) ([]float32, error) {
	instance, err := vmvxruntime.NewInstance(ctx, vmvxruntime.InstanceOptions{})
	if err != nil {
		return nil, err
	}
	defer instance.Release()

	session, err := vmvxruntime.NewSession(ctx, instance, vmvxruntime.SessionOptions{})
	if err != nil {
		return nil, err
	}
	defer session.Release()

	d, err := newDispatch(opts)
	if err != nil {
		return nil, err
	}
	defer d.iface.Deinitialize()

	if strings.HasSuffix(path, ".wasm") {
		err = d.runWasm(ctx, session, path)
	} else {
		err = d.runBytecode(ctx, session, path)
	}
	if err != nil {
		return nil, err
	}
	return decodeFloats(d.outMemory), nil
}

func (d *dispatch) runBytecode(ctx context.Context, session *vmvxruntime.Session, path string) error {
	log := klog.FromContext(ctx)

	m, err := bytecode.LoadFile(path)
	if err != nil {
		return err
	}
	if err := session.AppendModule(ctx, m); err != nil {
		return err
	}

	workgroups := int32(len(d.opts.LHS))
	if d.opts.CountFunction != "" {
		if workgroups, err = d.workgroupCount(ctx, session, m.Name()+"."+d.opts.CountFunction); err != nil {
			return err
		}
	}

	fn, err := session.LookupFunction(m.Name() + "." + d.opts.Function)
	if err != nil {
		return err
	}
	log.Info("dispatching workgroups", "function", fn.QualifiedName(), "workgroups", workgroups)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.opts.Workers, 1))
	for x := int32(0); x < workgroups; x++ {
		g.Go(func() error {
			return d.runWorkgroup(gctx, session, fn, x)
		})
	}
	return g.Wait()
}

// runWorkgroup uses its own Call; Calls are not safe for concurrent use.
func (d *dispatch) runWorkgroup(ctx context.Context, session *vmvxruntime.Session, fn vm.Function, x int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	call, err := vmvxruntime.NewCall(session, fn)
	if err != nil {
		return err
	}
	defer call.Deinitialize()

	if err := call.Inputs().Push(vm.RefValue(&d.iface)); err != nil {
		return err
	}
	if err := call.Inputs().Push(vm.I32(x)); err != nil {
		return err
	}
	if err := call.Invoke(ctx, vmvxruntime.CallFlagNone); err != nil {
		return fmt.Errorf("workgroup %d: %w", x, err)
	}
	return nil
}

func (d *dispatch) workgroupCount(ctx context.Context, session *vmvxruntime.Session, name string) (int32, error) {
	call, err := vmvxruntime.NewCallByName(session, name)
	if err != nil {
		return 0, err
	}
	defer call.Deinitialize()

	if err := call.Inputs().Push(vm.RefValue(&d.iface)); err != nil {
		return 0, err
	}
	if err := call.Invoke(ctx, vmvxruntime.CallFlagNone); err != nil {
		return 0, err
	}
	v, err := call.Outputs().Get(0)
	if err != nil {
		return 0, err
	}
	return v.I32()
}

// runWasm runs a WebAssembly guest that imports the vmvx exports. Workgroups
// run in order on a single module instance.
func (d *dispatch) runWasm(ctx context.Context, session *vmvxruntime.Session, path string) error {
	log := klog.FromContext(ctx)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading wasm module %q: %w", path, err)
	}

	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	native := session.Instance().VMVXModule()
	state, err := native.AllocState(session.Allocator())
	if err != nil {
		return err
	}
	defer native.FreeState(state)

	host := wasmhost.New(native, state)
	defer host.Close()
	if _, err := host.Instantiate(ctx, r); err != nil {
		return err
	}

	guest, err := r.Instantiate(ctx, data)
	if err != nil {
		return fmt.Errorf("instantiating wasm module %q: %w", path, err)
	}

	fn := guest.ExportedFunction(d.opts.Function)
	if fn == nil {
		return status.Errorf(codes.NotFound, "wasm module %q does not export %s", path, d.opts.Function)
	}

	handle := host.Register(&d.iface)
	defer host.Release(handle)

	workgroups := int32(len(d.opts.LHS))
	if d.opts.CountFunction != "" {
		countFn := guest.ExportedFunction(d.opts.CountFunction)
		if countFn == nil {
			return status.Errorf(codes.NotFound, "wasm module %q does not export %s", path, d.opts.CountFunction)
		}
		results, err := countFn.Call(ctx, api.EncodeU32(handle))
		if err != nil {
			return fmt.Errorf("calling %s: %w", d.opts.CountFunction, err)
		}
		if len(results) != 1 {
			return status.Errorf(codes.InvalidArgument, "%s returned %d results, expected 1", d.opts.CountFunction, len(results))
		}
		workgroups = api.DecodeI32(results[0])
	}
	log.Info("dispatching wasm workgroups", "function", d.opts.Function, "workgroups", workgroups)

	for x := int32(0); x < workgroups; x++ {
		if _, err := fn.Call(ctx, api.EncodeU32(handle), api.EncodeI32(x)); err != nil {
			return fmt.Errorf("workgroup %d: %w", x, err)
		}
	}
	return nil
}

func encodeFloats(values []float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func decodeFloats(b []byte) []float32 {
	values := make([]float32, len(b)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return values
}
