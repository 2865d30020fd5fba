package tap

import (
	"net"

	"github.com/mastermind88/ZeroTierOne/internal/errno"
	"github.com/mastermind88/ZeroTierOne/internal/handle"
	"github.com/mastermind88/ZeroTierOne/internal/rpc"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip"
)

// handleRequest dispatches one decoded client record to its RPC handler
// (§4.5). It runs entirely on the reactor goroutine.
func (t *Tap) handleRequest(ev evRequest) {
	cc, ok := t.channels.Get(ev.channel)
	if !ok {
		t.log.Debug("request on unknown channel", "channel", ev.channel)
		return
	}

	t.log.Debug("rpc dispatched", "tag", ev.req.Tag, "channel", ev.channel)

	switch ev.req.Tag {
	case rpc.TagSocket:
		t.handleSocket(ev.channel, cc, ev.req.Payload)
	case rpc.TagBind:
		t.handleBind(ev.channel, cc, ev.req.Payload)
	case rpc.TagListen:
		t.handleListen(ev.channel, cc, ev.req.Payload)
	case rpc.TagConnect:
		t.handleConnect(ev.channel, cc, ev.req.Payload)
	case rpc.TagFDMapCompletion:
		t.handleFDMapCompletion(cc, ev.req.Payload)
	case rpc.TagKillIntercept:
		// Reserved; no-op in the core. Logged at debug so a silently
		// swallowed reserved opcode doesn't look indistinguishable from a
		// framing bug during diagnosis (§4.5).
		t.log.Debug("kill_intercept received", "channel", ev.channel)
	default:
		t.log.Warn("unhandled tag", "tag", ev.req.Tag, "channel", ev.channel)
	}
}

// replyByConnection sends RETVAL addressed by an already-resolved
// Connection's owning channel (§12's two-overload send_return_value).
func (t *Tap) replyByConnection(conn *tcpConnection, retval int32, errnoVal unix.Errno) {
	cc, ok := t.channels.Get(conn.channel)
	if !ok {
		return
	}
	t.replyByChannel(cc, retval, errnoVal)
}

// replyByChannel sends RETVAL addressed by channel alone, used when a
// Connection lookup fails before a Connection object exists (e.g. SOCKET
// allocation failure) but a reply must still unblock the client (§12).
func (t *Tap) replyByChannel(cc *controlChannel, retval int32, errnoVal unix.Errno) {
	if err := rpc.WriteRetval(cc.conn, retval, int32(errnoVal)); err != nil {
		t.log.Warn("failed to write retval", "error", err)
		t.closeChannel(cc.self)
	}
}

// handleSocket is SOCKET (§4.5): allocate a fresh endpoint, a socket pair
// for the data path, and a pending Connection awaiting FD_MAP_COMPLETION.
func (t *Tap) handleSocket(chHandle handle.Handle, cc *controlChannel, payload []byte) {
	var req rpc.SocketPayload
	if err := rpc.Unmarshal(payload, &req); err != nil {
		t.replyByChannel(cc, -1, unix.EINVAL)
		return
	}

	ep, wq, stackErr := t.stack.newTCPEndpoint()
	if stackErr != nil {
		t.replyByChannel(cc, -1, unix.ENOMEM)
		return
	}

	service, peer, err := rpc.Socketpair()
	if err != nil {
		ep.Close()
		t.replyByChannel(cc, -1, unix.ENOMEM)
		return
	}

	dataConn, err := net.FileConn(service)
	if err != nil {
		ep.Close()
		service.Close()
		peer.Close()
		t.replyByChannel(cc, -1, unix.ENOMEM)
		return
	}

	conn := newTCPConnection(ep, wq, chHandle)
	conn.dataService = service
	conn.dataConn = dataConn
	conn.peerHeld = peer

	h := t.conns.Insert(conn)
	conn.self = h
	cc.owned[h] = struct{}{}
	cc.pendingConn = h

	t.installWaiter(conn)
	t.startDataPump(conn)

	if err := rpc.SendFD(cc.conn, peer); err != nil {
		t.log.Warn("failed to transfer fd", "error", err)
		t.closeConnection(h)
		return
	}
	// The peer descriptor has been handed off; our copy is only needed for
	// the SCM_RIGHTS send itself.
	peer.Close()
	conn.peerHeld = nil
}

// handleFDMapCompletion is FD_MAP_COMPLETION (§4.5): the connection is
// identified by the channel's current pending-connection context.
func (t *Tap) handleFDMapCompletion(cc *controlChannel, payload []byte) {
	var req rpc.FDMapCompletionPayload
	if err := rpc.Unmarshal(payload, &req); err != nil {
		return
	}
	if !cc.pendingConn.Valid() {
		t.log.Warn("fd_map_completion with no pending connection context", "channel", cc.self)
		return
	}
	conn, ok := t.conns.Get(cc.pendingConn)
	if !ok {
		return
	}
	conn.perceivedFD = req.PerceivedFD
	conn.perceivedFDSet = true
	conn.pending = false
	cc.byPerceivedFD[req.PerceivedFD] = conn.self
	cc.pendingConn = handle.Handle{}
}

func lookupByTheirFD(cc *controlChannel, theirFD int32) (handle.Handle, bool) {
	h, ok := cc.byPerceivedFD[theirFD]
	return h, ok
}

// handleBind is BIND (§4.5, §9 "Listener address"): binds to the tap's
// assigned IPv4 address, not the client-supplied one, with the
// client-supplied port.
func (t *Tap) handleBind(chHandle handle.Handle, cc *controlChannel, payload []byte) {
	var req rpc.BindPayload
	if err := rpc.Unmarshal(payload, &req); err != nil {
		t.replyByChannel(cc, -1, unix.EINVAL)
		return
	}

	connHandle, ok := lookupByTheirFD(cc, req.TheirFD)
	if !ok {
		t.replyByChannel(cc, -1, errno.FromHandlerError(errno.ErrMappingPending))
		return
	}
	conn, ok := t.conns.Get(connHandle)
	if !ok {
		t.replyByChannel(cc, -1, unix.EBADF)
		return
	}
	if conn.kind != connFresh {
		t.replyByChannel(cc, -1, unix.EINVAL)
		return
	}

	addr, haveAddr := t.stack.firstLocalAddress()
	if !haveAddr {
		addr = tcpip.Address{}
	}

	full := tcpip.FullAddress{Addr: addr, Port: req.Addr.Port}
	if stackErr := conn.ep.Bind(full); stackErr != nil {
		// Per §4.5's BIND table, a stack error outside {ERR_USE, ERR_MEM,
		// ERR_BUF} maps to errno 0 rather than an invented EIO.
		t.replyByConnection(conn, -1, errno.FromStackError(errno.ContextBind, stackErr))
		return
	}

	conn.kind = connBound
	t.replyByConnection(conn, 0, 0)
}

// handleListen is LISTEN (§4.5).
func (t *Tap) handleListen(chHandle handle.Handle, cc *controlChannel, payload []byte) {
	var req rpc.ListenPayload
	if err := rpc.Unmarshal(payload, &req); err != nil {
		t.replyByChannel(cc, -1, unix.EINVAL)
		return
	}

	connHandle, ok := lookupByTheirFD(cc, req.TheirFD)
	if !ok {
		t.replyByChannel(cc, -1, errno.FromHandlerError(errno.ErrMappingPending))
		return
	}
	conn, ok := t.conns.Get(connHandle)
	if !ok {
		t.replyByChannel(cc, -1, unix.EBADF)
		return
	}

	if conn.kind == connListening {
		t.replyByConnection(conn, 0, 0)
		return
	}
	if conn.kind != connBound {
		t.replyByConnection(conn, -1, unix.EINVAL)
		return
	}

	backlog := int(req.Backlog)
	if backlog <= 0 {
		backlog = 128
	}
	if stackErr := conn.ep.Listen(backlog); stackErr != nil {
		t.replyByConnection(conn, -1, errno.FromStackError(errno.ContextBind, stackErr))
		return
	}

	conn.kind = connListening
	conn.listenBacklog = backlog
	conn.pending = true
	t.replyByConnection(conn, 0, 0)
}

// handleConnect is CONNECT (§4.5): starts the connect on an endpoint whose
// callbacks were already installed at SOCKET time, and either replies
// immediately on error or defers to the connected/err callback glue.
func (t *Tap) handleConnect(chHandle handle.Handle, cc *controlChannel, payload []byte) {
	var req rpc.ConnectPayload
	if err := rpc.Unmarshal(payload, &req); err != nil {
		t.replyByChannel(cc, -1, unix.EINVAL)
		return
	}

	connHandle, ok := lookupByTheirFD(cc, req.TheirFD)
	if !ok {
		t.replyByChannel(cc, -1, errno.FromHandlerError(errno.ErrMappingPending))
		return
	}
	conn, ok := t.conns.Get(connHandle)
	if !ok {
		t.replyByChannel(cc, -1, unix.EBADF)
		return
	}

	full := tcpip.FullAddress{
		Addr: tcpip.AddrFrom4(req.Addr.Addr),
		Port: req.Addr.Port,
	}

	conn.kind = connConnecting
	conn.pending = true

	if stackErr := conn.ep.Connect(full); stackErr != nil {
		if _, inProgress := stackErr.(*tcpip.ErrConnectStarted); inProgress {
			// Immediate success path for an asynchronous connect: no reply
			// yet, the connected/err callback sends it.
			return
		}
		code := errno.FromStackError(errno.ContextConnect, stackErr)
		if code == 0 {
			code = unix.EIO
		}
		conn.pending = false
		t.replyByConnection(conn, -1, code)
		return
	}

	// Connected synchronously (loopback-fast-path in some stacks); still
	// route through the same reply path the connected callback would use.
	conn.kind = connEstablished
	conn.pending = false
	t.replyByConnection(conn, 0, 0)
}
