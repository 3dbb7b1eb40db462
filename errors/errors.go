package errors

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

var (
	// ErrConfig is returned when the node configuration cannot be
	// loaded, fails validation or differs from the configuration the
	// ledger was initialized with. It is fatal and aborts startup.
	ErrConfig = Register(2, "invalid configuration")

	// ErrUnauthorized is returned when a request carries no credential
	// or a credential that fails verification against the root key.
	ErrUnauthorized = Register(3, "unauthorized")

	// ErrForbidden is returned when a verified identity invokes a
	// capability its role does not grant.
	ErrForbidden = Register(4, "forbidden")

	// ErrState is returned when an operation is not in the status a
	// request requires: a second pending proposal, a response to a
	// non-pending operation, a duplicate response, an acknowledgment of
	// an operation that is still pending.
	ErrState = Register(5, "state conflict")

	// ErrOrdering is returned when a cosigner acts ahead of its own
	// processing pointer: proposing while behind the ledger, or
	// acknowledging out of sequence.
	ErrOrdering = Register(6, "out of order")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = Register(7, "not found")

	// ErrInvalidRequest is returned for malformed input: unknown
	// operation types, missing multipart fields, bad counts.
	ErrInvalidRequest = Register(8, "invalid request")

	// ErrOverflow is returned when a counter cannot be advanced without
	// exceeding its type.
	ErrOverflow = Register(9, "overflow")

	// ErrStore is returned when the underlying ledger store fails in a
	// way the caller cannot repair.
	ErrStore = Register(10, "store failure")

	// ErrPanic is only set when we recover from a panic, so we know to
	// never surface the details.
	ErrPanic = Register(111222, "panic")
)

// Register returns an error instance that should be used as the base for
// creating error instances during runtime.
//
// Popular root errors are declared in this package, but extensions may want to
// declare custom codes. This function ensures that no error code is used
// twice. Attempt to reuse an error code results in panic.
//
// Use this function only during a program startup phase.
func Register(code uint32, description string) *Error {
	if e, ok := usedCodes[code]; ok {
		panic(fmt.Sprintf("error with code %d is already registered: %q", code, e.desc))
	}
	err := &Error{
		code: code,
		desc: description,
	}
	usedCodes[err.code] = err
	return err
}

// usedCodes is keeping track of used codes to ensure their uniqueness. No two
// error instances should share the same error code.
var usedCodes = map[uint32]*Error{
	1: nil, // Error code 1 is restricted for unregistered errors and must not be used.
}

// Error represents a root error.
//
// Every error raised during runtime should wrap one of the root errors
// declared here. This keeps failures testable with Is and lets the HTTP
// layer map each root to a stable wire name and status code.
type Error struct {
	code uint32
	desc string
}

func (e Error) Error() string {
	return e.desc
}

func (e Error) Code() uint32 {
	return e.code
}

// New returns a new error. Returned instance is having the root cause set to
// this error. Below two lines are equal
//
//	e.New("my description")
//	Wrap(e, "my description")
func (e *Error) New(description string) error {
	return Wrap(e, description)
}

// Newf is basically New with formatting capabilities
func (e *Error) Newf(description string, args ...interface{}) error {
	return e.New(fmt.Sprintf(description, args...))
}

// Is check if given error instance is of a given kind/type. This involves
// unwrapping given error using the Cause method if available.
func (kind *Error) Is(err error) bool {
	// Reflect usage is necessary to correctly compare with
	// a nil implementation of an error.
	if kind == nil {
		if err == nil {
			return true
		}
		return reflect.ValueOf(err).IsNil()
	}

	for {
		if err == kind {
			return true
		}

		if c, ok := err.(causer); ok {
			err = c.Cause()
		} else {
			return false
		}
	}
}

// Wrap extends given error with an additional information.
//
// If the wrapped error does not carry a registered code, the HTTP layer
// will label it as internal.
//
// If err is nil, this returns nil, avoiding the need for an if statement when
// wrapping a error returned at the end of a function
func Wrap(err error, description string) error {
	if err == nil {
		return nil
	}

	// If this error does not carry the stacktrace information yet, attach
	// one. This should be done only once per error at the lowest frame
	// possible (most inner wrap).
	if stackTrace(err) == nil {
		err = errors.WithStack(err)
	}

	return &wrappedError{
		parent: err,
		msg:    description,
	}
}

// Wrapf extends given error with an additional information.
//
// This function works like Wrap function with additional funtionality of
// formatting the input as specified.
func Wrapf(err error, format string, args ...interface{}) error {
	desc := fmt.Sprintf(format, args...)
	return Wrap(err, desc)
}

type wrappedError struct {
	// This error layer description.
	msg string
	// The underlying error that triggered this one.
	parent error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %s", e.msg, e.parent.Error())
}

func (e *wrappedError) Cause() error {
	return e.parent
}

// Unwrap makes wrapped errors visible to the stdlib errors.Is and
// errors.As traversal as well.
func (e *wrappedError) Unwrap() error {
	return e.parent
}

// Recover captures a panic and stop its propagation. If panic happens it is
// transformed into a ErrPanic instance and assigned to given error. Call this
// function using defer in order to work as expected.
func Recover(err *error) {
	if r := recover(); r != nil {
		*err = Wrapf(ErrPanic, "%v", r)
	}
}

// causer is an interface implemented by an error that supports wrapping. Use
// it to test if an error wraps another error instance.
type causer interface {
	Cause() error
}
