package rpma

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/yuuki/rpma-go/internal/verbs"
)

// Code is the coarse error code carried by every failure of the library.
// Codes are negative integers; zero means success and is never carried by
// an error value.
type Code int

const (
	// CodeUnknown means the provider failed without setting an errno.
	CodeUnknown Code = -100000
	// CodeNoSupp means the operation is not supported by this provider
	// or build.
	CodeNoSupp Code = -100001
	// CodeProvider means a provider-level failure; the errno is
	// available through ProviderErrno.
	CodeProvider Code = -100002
	// CodeNoMem means an allocation failed.
	CodeNoMem Code = -100003
	// CodeInval means an argument violates the operation's
	// preconditions; nothing was touched.
	CodeInval Code = -100004
)

func (c Code) String() string {
	switch c {
	case CodeUnknown:
		return "UNKNOWN"
	case CodeNoSupp:
		return "NOSUPP"
	case CodeProvider:
		return "PROVIDER"
	case CodeNoMem:
		return "NOMEM"
	case CodeInval:
		return "INVAL"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is the error type returned by every entry point. It carries the
// coarse code, the operation that failed, the provider errno when one was
// captured, and a formatted message. Error values are immutable;
// concurrent failing calls never observe each other's state.
type Error struct {
	code  Code
	op    string
	errno syscall.Errno
	msg   string
}

// Sentinels for errors.Is matching by code.
var (
	ErrUnknown  = &Error{code: CodeUnknown, msg: "unknown error"}
	ErrNoSupp   = &Error{code: CodeNoSupp, msg: "not supported"}
	ErrProvider = &Error{code: CodeProvider, msg: "provider error"}
	ErrNoMem    = &Error{code: CodeNoMem, msg: "out of memory"}
	ErrInval    = &Error{code: CodeInval, msg: "invalid argument"}
)

func (e *Error) Error() string {
	if e.op == "" {
		return fmt.Sprintf("rpma: %s (%d)", e.msg, int(e.code))
	}
	return fmt.Sprintf("rpma_%s: %s (%d)", e.op, e.msg, int(e.code))
}

// Code returns the coarse error code.
func (e *Error) Code() Code { return e.code }

// Errno returns the provider errno captured with the failure, or zero.
func (e *Error) Errno() syscall.Errno { return e.errno }

// Is matches against the package sentinels by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

// ProviderErrno extracts the provider errno from an error returned by
// this package, or zero if err carries none.
func ProviderErrno(err error) syscall.Errno {
	var e *Error
	if errors.As(err, &e) {
		return e.errno
	}
	return 0
}

func errInval(op, format string, args ...any) *Error {
	return &Error{code: CodeInval, op: op, msg: fmt.Sprintf(format, args...)}
}

func errNoSupp(op, format string, args ...any) *Error {
	return &Error{code: CodeNoSupp, op: op, msg: fmt.Sprintf(format, args...)}
}

func errNoMem(op, msg string) *Error {
	return &Error{code: CodeNoMem, op: op, errno: syscall.ENOMEM, msg: msg}
}

// errProvider wraps a provider failure. A SysError without errno becomes
// CodeUnknown; context expiry of a blocking call becomes CodeProvider
// with ETIMEDOUT.
func errProvider(op string, err error) *Error {
	var se *verbs.SysError
	if errors.As(err, &se) {
		if se.Errno == 0 {
			return &Error{code: CodeUnknown, op: op, msg: se.Error()}
		}
		return &Error{code: CodeProvider, op: op, errno: se.Errno, msg: se.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{code: CodeProvider, op: op, errno: syscall.ETIMEDOUT, msg: err.Error()}
	}
	return &Error{code: CodeProvider, op: op, msg: err.Error()}
}

// errEvent reports an asynchronous connection-manager failure observed
// during a blocking call, with the event mapped onto an errno so callers
// can distinguish the cause.
func errEvent(op string, t verbs.EventType) *Error {
	var errno syscall.Errno
	switch t {
	case verbs.EventRejected:
		errno = syscall.ECONNREFUSED
	case verbs.EventUnreachable:
		errno = syscall.EHOSTUNREACH
	case verbs.EventConnectError, verbs.EventAddrError, verbs.EventRouteError:
		errno = syscall.ECONNABORTED
	case verbs.EventDeviceRemoval:
		errno = syscall.ENODEV
	case verbs.EventTimewaitExit:
		errno = syscall.ETIMEDOUT
	}
	return &Error{code: CodeProvider, op: op, errno: errno, msg: fmt.Sprintf("unexpected CM event %s", t)}
}
