// Package status implements the typed status/error taxonomy of §7: a
// small integer status code with a String() method and an Error()
// method, used across this module's subsystems in place of raw stdlib
// errors (gate/nameserver, the default-gate case of gate.Registry.Delete
// and cmd/ipcd still return fmt errors).
package status

import "fmt"

// Code is one of the outcomes enumerated in §7. The zero value,
// OK, is success.
type Code int

const (
	OK Code = iota
	InvalidArgument
	InvalidState
	AlreadyExists
	AlreadySetup
	NotFound
	NotReady
	Memory
	Fail
	Timeout
	Translate
	GateUnavailable
)

var names = map[Code]string{
	OK:              "ok",
	InvalidArgument: "invalid-argument",
	InvalidState:    "invalid-state",
	AlreadyExists:   "already-exists",
	AlreadySetup:    "already-setup",
	NotFound:        "not-found",
	NotReady:        "not-ready",
	Memory:          "memory",
	Fail:            "fail",
	Timeout:         "timeout",
	Translate:       "translate",
	GateUnavailable: "gate-unavailable",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(c))
}

// Error is a Code bound to a descriptive message; it implements the
// standard error interface, so operations return a plain `error` whose
// concrete type callers can recover with errors.As or the Of helper
// below.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// New builds an *Error for code with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Of extracts the Code carried by err, or Fail if err is not a
// *status.Error (including nil, which maps to OK).
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if se, ok := err.(*Error); ok {
		return se.Code
	}
	return Fail
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return Of(err) == code
}
