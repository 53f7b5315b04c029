package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// Classify maps a caught failure onto the taxonomy. An explicit code override
// always wins over anything derived from the error itself. The returned
// message embeds the code, its description and the root cause, suitable for
// externally-facing failure responses.
func Classify(err error, explicit *Code) (Code, string, Verdict) {
	code := resolve(err, explicit)
	msg := ComposeErrorMessage(code, err)
	return code, msg, code.Verdict()
}

func resolve(err error, explicit *Code) Code {
	if explicit != nil {
		return *explicit
	}
	code := codeFor(err)
	if code == CodeGeneric {
		// A wrapped low-level error should still get a specific code: walk to
		// the deepest cause and classify that instead.
		if root := RootCause(err); root != nil && root != err {
			code = codeFor(root)
		}
	}
	return code
}

// codeFor classifies a single error value by kind.
func codeFor(err error) Code {
	if err == nil {
		return CodeGeneric
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Code
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return CodeTransport
	}

	return CodeGeneric
}

// RootCause walks the Unwrap chain to the deepest cause.
func RootCause(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}

// ComposeErrorMessage renders "E103: communication error with external system
// (*net.OpError: dial tcp ...)" from a code and a failure.
func ComposeErrorMessage(code Code, err error) string {
	if err == nil {
		return fmt.Sprintf("%s: %s", code, code.Desc())
	}
	root := RootCause(err)
	return fmt.Sprintf("%s: %s (%T: %v)", code, code.Desc(), root, root.Error())
}

// MessagesInChain renders every error in the cause chain, outermost first,
// joined by " => ". Used for diagnostic logging of deeply wrapped failures.
func MessagesInChain(err error) string {
	out := ""
	for e := err; e != nil; e = errors.Unwrap(e) {
		if out != "" {
			out += " => "
		}
		out += fmt.Sprintf("%T: %v", e, e.Error())
	}
	return out
}
