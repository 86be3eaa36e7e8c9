package runtime

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CodeName renders code in upper snake case, e.g. INVALID_ARGUMENT.
func CodeName(code codes.Code) string {
	name := code.String()
	if code == codes.OK {
		return "OK"
	}

	var sb strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) && i > 0 {
			sb.WriteByte('_')
		}
		sb.WriteRune(unicode.ToUpper(r))
	}
	return sb.String()
}

// FprintStatus writes err as "CODE: message". Errors without a status code
// are reported as UNKNOWN; a nil error prints OK.
func FprintStatus(w io.Writer, err error) error {
	if err == nil {
		_, werr := fmt.Fprintln(w, "OK")
		return werr
	}
	_, werr := fmt.Fprintf(w, "%s: %s\n", CodeName(status.Code(err)), statusMessage(err))
	return werr
}

// statusMessage returns the message of err without the "rpc error" prefix of
// the status error it wraps, keeping any wrapping context.
func statusMessage(err error) string {
	var se interface {
		error
		GRPCStatus() *status.Status
	}
	if !errors.As(err, &se) {
		return err.Error()
	}
	return strings.TrimSuffix(err.Error(), se.Error()) + se.GRPCStatus().Message()
}
