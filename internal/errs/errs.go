// Package errs owns the backbone's error taxonomy: stable error codes with a
// fatal/retryable verdict, a carrier error type, and the classifier that maps
// arbitrary failures onto the taxonomy.
package errs

import (
	"errors"
	"fmt"
)

// Verdict decides whether a failure ends message processing permanently or
// leaves the message recoverable.
type Verdict int

const (
	VerdictRetryable Verdict = iota
	VerdictFatal
)

func (v Verdict) String() string {
	if v == VerdictFatal {
		return "FATAL"
	}
	return "RETRYABLE"
}

// Code is a stable error code.
type Code string

const (
	CodeGeneric    Code = "E100" // unclassified failure
	CodeBusiness   Code = "E101"
	CodeValidation Code = "E102"
	CodeTransport  Code = "E103"
	CodeNotFound   Code = "E104"
	CodeIntegrity  Code = "E105" // duplicate call or multiple rows for an exact-match query
	CodeLocking    Code = "E106"
	CodeStuck      Code = "E116" // raised only by the repair job
	CodeAuth       Code = "E117"
)

type codeInfo struct {
	desc    string
	verdict Verdict
}

var codes = map[Code]codeInfo{
	CodeGeneric:    {"unspecified error", VerdictRetryable},
	CodeBusiness:   {"business rule violation", VerdictFatal},
	CodeValidation: {"validation error", VerdictFatal},
	CodeTransport:  {"communication error with external system", VerdictRetryable},
	CodeNotFound:   {"entity not found", VerdictFatal},
	CodeIntegrity:  {"duplicate or multiple data found", VerdictFatal},
	CodeLocking:    {"concurrent access conflict", VerdictRetryable},
	CodeStuck:      {"message stuck in processing for too long", VerdictFatal},
	CodeAuth:       {"not allowed to call the operation", VerdictFatal},
}

// Desc returns the human description of the code.
func (c Code) Desc() string {
	if info, ok := codes[c]; ok {
		return info.desc
	}
	return codes[CodeGeneric].desc
}

// Verdict returns the routing verdict of the code.
func (c Code) Verdict() Verdict {
	if info, ok := codes[c]; ok {
		return info.verdict
	}
	return VerdictRetryable
}

// Error is a failure tagged with a taxonomy code. The zero message falls back
// to the code description.
type Error struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code.Desc()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a tagged error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap tags cause with code.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Cause: cause}
}

// Newf builds a tagged error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
