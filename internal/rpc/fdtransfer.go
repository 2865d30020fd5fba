package rpc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// SendFD transfers f's descriptor to the peer of conn as ancillary data
// (SCM_RIGHTS), the platform mechanism named by §6. Grounded on the pack's
// tap-cni example (syscall.UnixRights + net.UnixConn.WriteMsgUnix), adapted
// to golang.org/x/sys/unix for consistency with the rest of this package's
// socket plumbing.
func SendFD(conn *net.UnixConn, f *os.File) error {
	rights := unix.UnixRights(int(f.Fd()))
	// A one-byte regular payload accompanies the control message; some
	// SCM_RIGHTS receivers require at least one byte of data to observe it.
	if _, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil); err != nil {
		return fmt.Errorf("rpc: send fd: %w", err)
	}
	return nil
}

// RecvFD reads one ancillary-data file descriptor from conn. Not used by
// the service side of this protocol (FD transfer only flows service to
// client), but kept for symmetry and test harnesses that play the client
// role.
func RecvFD(conn *net.UnixConn) (*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("rpc: recv fd: %w", err)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("rpc: parse control message: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("rpc: no control message received")
	}

	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return nil, fmt.Errorf("rpc: parse unix rights: %w", err)
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("rpc: no fd in control message")
	}

	return os.NewFile(uintptr(fds[0]), "received-fd"), nil
}

// Socketpair creates a connected pair of AF_UNIX/SOCK_STREAM descriptors,
// wrapped as *os.File, matching the original's use of socketpair(2) to
// create a data endpoint with one half handed to the client.
func Socketpair() (service *os.File, peer *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("rpc: socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "data-endpoint-service"),
		os.NewFile(uintptr(fds[1]), "data-endpoint-peer"),
		nil
}
