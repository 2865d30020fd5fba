package tap

import "github.com/mastermind88/ZeroTierOne/internal/handle"

// closeConnection is close(conn) (§4.8): detach stack callbacks, close the
// PCB, close both socket-pair halves still held, and remove the Connection
// from its registry.
func (t *Tap) closeConnection(h handle.Handle) {
	conn, ok := t.conns.Get(h)
	if !ok || conn.kind == connClosed {
		return
	}

	t.uninstallWaiter(conn)
	close(conn.closed)
	if conn.ep != nil {
		conn.ep.Close()
	}
	if conn.dataConn != nil {
		_ = conn.dataConn.Close()
	}
	// net.FileConn dups dataService's descriptor, so closing dataConn above
	// does not close it; it must be released separately.
	if conn.dataService != nil {
		_ = conn.dataService.Close()
	}
	if conn.peerHeld != nil {
		_ = conn.peerHeld.Close()
	}
	conn.kind = connClosed

	if cc, ok := t.channels.Get(conn.channel); ok {
		delete(cc.owned, h)
		if cc.pendingConn == h {
			cc.pendingConn = handle.Handle{}
		}
		if conn.perceivedFDSet {
			delete(cc.byPerceivedFD, conn.perceivedFD)
		}
	}

	t.conns.Remove(h)
}

// closeChannel is close(control_channel) (§4.8, §9 resolution): cascades to
// every Connection the channel owns before removing the channel itself.
func (t *Tap) closeChannel(h handle.Handle) {
	cc, ok := t.channels.Get(h)
	if !ok {
		return
	}

	owned := make([]handle.Handle, 0, len(cc.owned))
	for connHandle := range cc.owned {
		owned = append(owned, connHandle)
	}
	for _, connHandle := range owned {
		t.closeConnection(connHandle)
	}

	_ = cc.conn.Close()
	t.channels.Remove(h)
}

// closeAll is close_all (§4.8): iterate both registries to empty, used on
// tap shutdown (§5 "Cancellation").
func (t *Tap) closeAll() {
	channels := make([]handle.Handle, 0, t.channels.Len())
	t.channels.Range(func(h handle.Handle, _ *controlChannel) {
		channels = append(channels, h)
	})
	for _, h := range channels {
		t.closeChannel(h)
	}

	conns := make([]handle.Handle, 0, t.conns.Len())
	t.conns.Range(func(h handle.Handle, _ *tcpConnection) {
		conns = append(conns, h)
	})
	for _, h := range conns {
		t.closeConnection(h)
	}
}
