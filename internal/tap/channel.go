package tap

import (
	"net"

	"github.com/mastermind88/ZeroTierOne/internal/handle"
)

// controlChannel is the Control Channel of §3: a connected stream socket to
// one client process.
type controlChannel struct {
	self handle.Handle
	conn *net.UnixConn

	// pendingConn is the most recently created Connection on this channel
	// that is still awaiting its FD_MAP_COMPLETION round trip (§9's
	// two-phase descriptor mapping). FD_MAP_COMPLETION is identified by
	// "the control channel's current connection context" per §4.5, which
	// this field realizes directly.
	pendingConn handle.Handle

	// byPerceivedFD resolves a client-supplied their_fd (the client's own
	// descriptor number for a Connection, named perceived_fd once learned)
	// back to a Connection handle, for BIND/LISTEN/CONNECT dispatch.
	byPerceivedFD map[int32]handle.Handle

	// owned is every Connection handle ever inserted under this channel
	// and not yet torn down, so closing the channel can cascade (§4.8, §9
	// resolution of the original's closing-cascade bug).
	owned map[handle.Handle]struct{}
}

func newControlChannel(conn *net.UnixConn) *controlChannel {
	return &controlChannel{
		conn:          conn,
		byPerceivedFD: make(map[int32]handle.Handle),
		owned:         make(map[handle.Handle]struct{}),
	}
}
