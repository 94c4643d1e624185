package proxy

import (
	"errors"
	"fmt"
	"syscall"
)

// HostError wraps a host syscall errno with the operation that
// produced it, in the style of lxd/config.Error (a struct
// implementing error with structured fields the caller can inspect
// without string-parsing).
type HostError struct {
	Op    string
	Errno syscall.Errno
}

func (e *HostError) Error() string {
	return fmt.Sprintf("proxy: %s: %s", e.Op, e.Errno.Error())
}

func (e *HostError) Unwrap() error { return e.Errno }

// NegativeErrno converts the wrapped errno to the negative-integer
// result code TSI control replies use.
func (e *HostError) NegativeErrno() int32 {
	return -int32(e.Errno)
}

// ErrNotSupported marks an operation that is a programmer error for
// the receiving variant (e.g. Listen on a Dgram instance): operations
// not applicable to a given proxy type report this rather than
// silently succeeding.
var ErrNotSupported = errors.New("proxy: operation not supported by this proxy type")

// ErrClosed is returned by operations attempted on a closed instance.
var ErrClosed = errors.New("proxy: instance is closed")

// ErrNoResultYet is returned by CheckAccept when no connection is
// pending and the guest did not request nonblocking semantics: the
// dispatcher should park the request rather than respond.
var ErrNoResultYet = errors.New("proxy: accept has no result yet")
