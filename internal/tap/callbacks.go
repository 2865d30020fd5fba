package tap

import (
	"bytes"
	"net"

	"github.com/mastermind88/ZeroTierOne/internal/errno"
	"github.com/mastermind88/ZeroTierOne/internal/handle"
	"github.com/mastermind88/ZeroTierOne/internal/rpc"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"
)

// installWaiter is the per-PCB callback installer of §4.1/§11: a single
// waiter.Entry whose NotifyCallback posts a tagged event carrying only the
// Connection's stable handle, never the endpoint itself (§9).
func (t *Tap) installWaiter(conn *tcpConnection) {
	h := conn.self
	entry := waiter.NewFunctionEntry(waiter.EventIn|waiter.EventOut|waiter.EventErr|waiter.EventHUp, func(mask waiter.EventMask) {
		if mask&waiter.EventErr != 0 {
			t.postEvent(evConnError{conn: h})
			return
		}
		if mask&waiter.EventIn != 0 {
			t.postEvent(evConnReadable{conn: h})
		}
		if mask&waiter.EventOut != 0 {
			t.postEvent(evConnWritable{conn: h})
		}
	})
	conn.entry = &entry
	conn.wq.EventRegister(&entry)
}

func (t *Tap) uninstallWaiter(conn *tcpConnection) {
	if conn.entry != nil {
		conn.wq.EventUnregister(conn.entry)
		conn.entry = nil
	}
}

// handleAccepted is accepted(new_pcb, err) (§4.6): fired via EventIn on a
// listening Connection. Drains every endpoint gvisor has queued.
func (t *Tap) handleAccepted(connHandle handle.Handle) {
	listener, ok := t.conns.Get(connHandle)
	if !ok || listener.kind != connListening {
		return
	}

	for {
		ep, wq, stackErr := listener.ep.Accept(nil)
		if stackErr != nil {
			if _, wouldBlock := stackErr.(*tcpip.ErrWouldBlock); !wouldBlock {
				t.log.Debug("accept error", "error", stackErr)
			}
			return
		}

		service, peer, err := rpc.Socketpair()
		if err != nil {
			ep.Close()
			continue
		}
		dataConn, err := net.FileConn(service)
		if err != nil {
			ep.Close()
			service.Close()
			peer.Close()
			continue
		}

		newConn := newTCPConnection(ep, wq, listener.channel)
		newConn.dataService = service
		newConn.dataConn = dataConn
		newConn.peerHeld = peer
		newConn.kind = connEstablished
		newConn.pending = true

		h := t.conns.Insert(newConn)
		newConn.self = h

		cc, ok := t.channels.Get(listener.channel)
		if !ok {
			t.closeConnection(h)
			continue
		}
		cc.owned[h] = struct{}{}
		cc.pendingConn = h

		t.installWaiter(newConn)
		t.startDataPump(newConn)

		// The intercept library's accept() blocks reading this sentinel
		// byte before it trusts the fd it is about to receive (§4.6).
		if _, err := newConn.dataService.Write([]byte{0}); err != nil {
			t.log.Warn("failed to write accept sentinel", "error", err)
			t.closeConnection(h)
			continue
		}

		if err := rpc.SendFD(cc.conn, peer); err != nil {
			t.log.Warn("failed to transfer accepted fd", "error", err)
			t.closeConnection(h)
			continue
		}
		peer.Close()
		newConn.peerHeld = nil
	}
}

// handleReadable is recved(pcb, pbuf, err) (§4.6): the endpoint has bytes
// or has reached EOF.
func (t *Tap) handleReadable(connHandle handle.Handle) {
	conn, ok := t.conns.Get(connHandle)
	if !ok {
		return
	}
	if conn.kind == connListening {
		t.handleAccepted(connHandle)
		return
	}

	for {
		var buf bytes.Buffer
		res, err := conn.ep.Read(&buf, tcpip.ReadOptions{})
		if err != nil {
			if _, wouldBlock := err.(*tcpip.ErrWouldBlock); wouldBlock {
				return
			}
			if _, closed := err.(*tcpip.ErrClosedForReceive); closed {
				t.closeConnection(connHandle)
				return
			}
			t.log.Debug("recv error", "error", err, "conn", connHandle)
			return
		}
		if res.Count == 0 {
			return
		}

		t.writeToDataEndpoint(conn, buf.Bytes())
	}
}

// writeToDataEndpoint implements the recved path's partial-write handling
// (§4.6, §9 resolution): any unwritten remainder is buffered on the
// Connection and retried on the next writability notification or poll tick
// rather than dropped.
func (t *Tap) writeToDataEndpoint(conn *tcpConnection, data []byte) {
	if len(conn.recvRetry) > 0 {
		conn.recvRetry = append(conn.recvRetry, data...)
		t.drainRecvRetry(conn)
		return
	}

	n, err := conn.dataConn.Write(data)
	if n > 0 {
		conn.ep.ModerateRecvBuf(n)
	}
	if err != nil || n < len(data) {
		conn.recvRetry = append(conn.recvRetry, data[n:]...)
		t.log.Warn("partial write on recv path, buffering remainder", "conn", conn.self, "buffered", len(conn.recvRetry))
	}
}

// drainRecvRetry retries a buffered partial write; called from the
// housekeeping tick (poll, §4.6) and from the writable notification.
func (t *Tap) drainRecvRetry(conn *tcpConnection) {
	if len(conn.recvRetry) == 0 {
		return
	}
	n, err := conn.dataConn.Write(conn.recvRetry)
	if n > 0 {
		conn.ep.ModerateRecvBuf(n)
		conn.recvRetry = conn.recvRetry[n:]
	}
	if err != nil && n == 0 {
		return
	}
	if len(conn.recvRetry) == 0 {
		conn.recvRetry = nil
	}
}

// handleWritable is sent(pcb, len) for an established Connection, or the
// asynchronous completion of CONNECT (connected(pcb, err), §4.6) for a
// Connection still in connConnecting.
func (t *Tap) handleWritable(connHandle handle.Handle) {
	conn, ok := t.conns.Get(connHandle)
	if !ok {
		return
	}

	if conn.kind == connConnecting {
		stackErr := conn.ep.LastError()
		if stackErr != nil {
			code := errno.FromStackError(errno.ContextCallback, stackErr)
			if code == 0 {
				code = unix.EIO
			}
			conn.pending = false
			t.replyByConnection(conn, -1, code)
			t.closeConnection(connHandle)
			return
		}
		conn.kind = connEstablished
		conn.pending = false
		t.replyByConnection(conn, 0, 0)
	}

	conn.readGateOpen = true
	select {
	case conn.resumeRead <- struct{}{}:
	default:
	}

	if len(conn.recvRetry) > 0 {
		t.drainRecvRetry(conn)
	}
}

// handleStackError is err(err) (§4.6): the endpoint reported a fatal
// condition. The PCB is already gone from the stack's perspective by the
// time this fires.
func (t *Tap) handleStackError(connHandle handle.Handle) {
	conn, ok := t.conns.Get(connHandle)
	if !ok {
		return
	}
	stackErr := conn.ep.LastError()
	code := errno.FromStackError(errno.ContextCallback, stackErr)
	if code == 0 {
		code = unix.EIO
	}
	if conn.pending {
		conn.pending = false
		t.replyByConnection(conn, -1, code)
	}
	t.closeConnection(connHandle)
}
