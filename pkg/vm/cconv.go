package vm

import (
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Calling conventions are encoded as "0<args>_<results>", one character per
// value: 'r' ref, 'i' i32, 'f' f32. A fragment of "v" means no values.
const cconvVersion = '0'

// ParseCConv splits a calling convention string into its argument and result
// fragments. Void fragments are returned as "".
func ParseCConv(cconv string) (args string, results string, err error) {
	if len(cconv) == 0 || cconv[0] != cconvVersion {
		return "", "", status.Errorf(codes.InvalidArgument, "calling convention %q: unsupported version", cconv)
	}
	args, results, found := strings.Cut(cconv[1:], "_")
	if !found {
		return "", "", status.Errorf(codes.InvalidArgument, "calling convention %q: missing result fragment", cconv)
	}
	if args, err = parseFragment(cconv, args); err != nil {
		return "", "", err
	}
	if results, err = parseFragment(cconv, results); err != nil {
		return "", "", err
	}
	return args, results, nil
}

func parseFragment(cconv string, fragment string) (string, error) {
	if fragment == "v" {
		return "", nil
	}
	if fragment == "" {
		return "", status.Errorf(codes.InvalidArgument, "calling convention %q: empty fragment", cconv)
	}
	for i := 0; i < len(fragment); i++ {
		if _, err := KindFromChar(fragment[i]); err != nil {
			return "", status.Errorf(codes.InvalidArgument, "calling convention %q: %v", cconv, status.Convert(err).Message())
		}
	}
	return fragment, nil
}

// MakeCConv builds a calling convention string from its fragments.
func MakeCConv(args string, results string) string {
	if args == "" {
		args = "v"
	}
	if results == "" {
		results = "v"
	}
	return string(cconvVersion) + args + "_" + results
}

func KindFromChar(c byte) (ValueKind, error) {
	switch c {
	case 'i':
		return ValueI32, nil
	case 'f':
		return ValueF32, nil
	case 'r':
		return ValueRef, nil
	default:
		return ValueNone, status.Errorf(codes.InvalidArgument, "unknown value type %q", c)
	}
}

// CheckValues verifies that values match the kinds in fragment, one per
// character.
func CheckValues(fragment string, values []Value) error {
	if len(values) != len(fragment) {
		return status.Errorf(codes.InvalidArgument, "expected %d values, got %d", len(fragment), len(values))
	}
	for i := range values {
		kind, err := KindFromChar(fragment[i])
		if err != nil {
			return err
		}
		if values[i].kind != kind {
			return status.Errorf(codes.InvalidArgument, "value %d is %v, expected %v", i, values[i].kind, kind)
		}
	}
	return nil
}
