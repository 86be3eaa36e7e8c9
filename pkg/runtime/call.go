package runtime

import (
	"context"
	"fmt"

	"k8s.io/examples/AI/vmvx/pkg/vm"
)

type CallFlags uint32

const CallFlagNone CallFlags = 0

// Call is a reusable invocation of one function: it holds the session, the
// resolved function and input/output lists sized from the calling
// convention. A Call is not safe for concurrent use.
type Call struct {
	session  *Session
	function vm.Function
	inputs   *vm.List
	outputs  *vm.List
}

// NewCall prepares a call to fn. The session is retained until Deinitialize.
func NewCall(session *Session, fn vm.Function) (*Call, error) {
	args, results, err := vm.ParseCConv(fn.CConv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.QualifiedName(), err)
	}

	session.Retain()
	c := &Call{session: session, function: fn}

	c.inputs, err = vm.NewList(len(args), session.Allocator())
	if err != nil {
		c.Deinitialize()
		return nil, fmt.Errorf("allocating inputs of %s: %w", fn.QualifiedName(), err)
	}
	c.outputs, err = vm.NewList(len(results), session.Allocator())
	if err != nil {
		c.Deinitialize()
		return nil, fmt.Errorf("allocating outputs of %s: %w", fn.QualifiedName(), err)
	}
	return c, nil
}

// NewCallByName prepares a call to the function with the fully qualified
// name "module.function".
func NewCallByName(session *Session, qualifiedName string) (*Call, error) {
	fn, err := session.LookupFunction(qualifiedName)
	if err != nil {
		return nil, err
	}
	return NewCall(session, fn)
}

func (c *Call) Function() vm.Function {
	return c.function
}

// Inputs returns the argument list. Values pushed here are passed by
// reference to the callee.
func (c *Call) Inputs() *vm.List {
	return c.inputs
}

// Outputs returns the result list populated by Invoke.
func (c *Call) Outputs() *vm.List {
	return c.outputs
}

// Reset clears inputs and outputs so the call can be reused.
func (c *Call) Reset() {
	if c.inputs != nil {
		_ = c.inputs.Resize(0)
	}
	if c.outputs != nil {
		_ = c.outputs.Resize(0)
	}
}

// Invoke runs the function synchronously. Results are appended to Outputs.
func (c *Call) Invoke(ctx context.Context, flags CallFlags) error {
	return c.session.Call(ctx, c.function, c.inputs, c.outputs)
}

// Deinitialize releases the lists and the session. It is safe to call more
// than once and on a partially constructed call.
func (c *Call) Deinitialize() {
	if c == nil {
		return
	}
	c.inputs.Release()
	c.inputs = nil
	c.outputs.Release()
	c.outputs = nil
	if c.session != nil {
		c.session.Release()
		c.session = nil
	}
}
