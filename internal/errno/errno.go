// Package errno translates embedded-stack errors and RPC-handler sentinel
// errors into the POSIX errno vocabulary the intercept library expects on
// the wire, mirroring the teacher's own errorToIPC sentinel-to-protocol-code
// translator but retargeted at syscall.Errno instead of an IPC error code.
package errno

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip"
)

// Sentinel errors that FromHandlerError translates. Of these, internal/tap's
// RPC handlers pass ErrMappingPending; they reply with errno values directly
// for the other cases.
var (
	ErrConnectionNotFound = errors.New("errno: connection not found")
	ErrChannelNotFound    = errors.New("errno: control channel not found")
	ErrMappingPending     = errors.New("errno: fd mapping still pending")
	ErrNotClosed          = errors.New("errno: pcb not in CLOSED state")
)

// FromHandlerError maps the sentinel errors raised directly by RPC handlers
// (as opposed to errors returned by the embedded stack itself) to errno.
func FromHandlerError(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConnectionNotFound), errors.Is(err, ErrChannelNotFound):
		return unix.EBADF
	case errors.Is(err, ErrMappingPending), errors.Is(err, ErrNotClosed):
		return unix.EINVAL
	default:
		return unix.EIO
	}
}

// FromStackError implements the §4.5/§4.6 stack-error-to-errno translation
// tables. ctx selects which table applies, since BIND and CONNECT map a
// subset of tcpip errors differently from the general err-callback table.
type Context int

const (
	// ContextBind is the table used by the BIND RPC handler.
	ContextBind Context = iota
	// ContextConnect is the table used by the CONNECT RPC handler's
	// immediate (synchronous) error path.
	ContextConnect
	// ContextCallback is the general table used by the stack's asynchronous
	// err callback.
	ContextCallback
)

// FromStackError translates a gvisor tcpip.Error into a POSIX errno per the
// table selected by ctx. Under ContextCallback, errors outside the table fall
// back to a generic sentinel per §4.6 ("RST, CLSD, CONN, ARG, IF reply with a
// generic error sentinel"), realized here as EIO. Under ContextBind and
// ContextConnect, errors outside the table map to 0.
func FromStackError(ctx Context, err tcpip.Error) unix.Errno {
	if err == nil {
		return 0
	}

	switch ctx {
	case ContextBind:
		switch err.(type) {
		case *tcpip.ErrPortInUse:
			return unix.EADDRINUSE
		case *tcpip.ErrNoBufferSpace:
			return unix.ENOMEM
		default:
			return 0
		}
	case ContextConnect:
		switch err.(type) {
		case *tcpip.ErrAlreadyConnected, *tcpip.ErrConnectStarted:
			return unix.EISCONN
		case *tcpip.ErrInvalidEndpointState, *tcpip.ErrAddressFamilyNotSupported:
			return unix.EAFNOSUPPORT
		case *tcpip.ErrNetworkUnreachable:
			return unix.ENETUNREACH
		default:
			return 0
		}
	default: // ContextCallback
		switch err.(type) {
		case *tcpip.ErrNoBufferSpace:
			return unix.ENOBUFS
		case *tcpip.ErrTimeout, *tcpip.ErrAborted:
			return unix.ETIMEDOUT
		case *tcpip.ErrNetworkUnreachable:
			return unix.ENETUNREACH
		case *tcpip.ErrConnectStarted:
			return unix.EINPROGRESS
		case *tcpip.ErrInvalidOptionValue, *tcpip.ErrInvalidEndpointState:
			return unix.EINVAL
		case *tcpip.ErrWouldBlock:
			return unix.EWOULDBLOCK
		case *tcpip.ErrPortInUse:
			return unix.EADDRINUSE
		case *tcpip.ErrAlreadyConnected:
			return unix.EISCONN
		default:
			// ConnectionReset, ConnectionClosed, ConnectionAborted,
			// BadLocalAddress/BadAddress and similar:
			// the original's generic sentinel.
			return unix.EIO
		}
	}
}

// Wrap adds handler/callback context to a translated error for logging,
// without altering the errno value itself.
func Wrap(op string, err tcpip.Error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %s", op, err)
}
