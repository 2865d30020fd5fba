package tap

import (
	"bytes"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// pumpChunkSize bounds one read from a Connection's data endpoint before
// handing the chunk to the loop for staging into the PCB's send buffer.
const pumpChunkSize = 32 * 1024

// startDataPump launches the Data Pump goroutine for conn (§4.7): client →
// network bytes flow from here, reading the service half of the socket
// pair (the bytes the client wrote into its own half) and handing chunks to
// the reactor loop for enqueueing into the
// stack. Network → client bytes are pushed inline from the recv-path
// callback glue (callbacks.go), not from here.
func (t *Tap) startDataPump(conn *tcpConnection) {
	h := conn.self
	dataConn := conn.dataConn
	closed := conn.closed
	resumeRead := conn.resumeRead

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		buf := make([]byte, pumpChunkSize)
		for {
			n, err := dataConn.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				ack := make(chan bool, 1)
				t.postEvent(evDataPumpBytes{conn: h, data: chunk, ack: ack})
				select {
				case proceed := <-ack:
					if !proceed {
						select {
						case <-resumeRead:
						case <-closed:
							return
						}
					}
				case <-closed:
					return
				}
			}
			if err != nil {
				t.postEvent(evDataPumpClosed{conn: h})
				return
			}
		}
	}()
}

// handleDataPumpBytes is the loop-side half of §4.7: stage newly read bytes
// behind any previously unwritten remainder, then attempt to enqueue into
// the stack's send buffer via the endpoint's Write.
func (t *Tap) handleDataPumpBytes(ev evDataPumpBytes) {
	conn, ok := t.conns.Get(ev.conn)
	if !ok {
		ev.ack <- false
		return
	}

	data := ev.data
	if conn.sendIdx > 0 {
		data = append(append([]byte(nil), conn.sendBuf[:conn.sendIdx]...), data...)
		conn.sendIdx = 0
	}

	n, werr := conn.ep.Write(bytes.NewReader(data), tcpip.WriteOptions{})
	if werr != nil {
		if _, wouldBlock := werr.(*tcpip.ErrWouldBlock); wouldBlock {
			t.stageUnwritten(conn, data[n:])
			ev.ack <- conn.readGateOpen
			return
		}
		t.log.Warn("tcp_write error", "error", werr, "conn", ev.conn)
		ev.ack <- false
		t.closeConnection(ev.conn)
		return
	}

	if int(n) < len(data) {
		t.stageUnwritten(conn, data[n:])
	}
	ev.ack <- conn.readGateOpen
}

// stageUnwritten implements §4.7's "disable readability notifications"
// branch: the leftover bytes are kept on the Connection and the data
// endpoint's pump is held back (via the false ack) until a sent/writable
// notification reopens the gate (invariant 3, §3).
func (t *Tap) stageUnwritten(conn *tcpConnection, remaining []byte) {
	if len(remaining) == 0 {
		conn.readGateOpen = true
		return
	}
	if cap(conn.sendBuf) < len(remaining) {
		conn.sendBuf = make([]byte, len(remaining))
	}
	n := copy(conn.sendBuf, remaining)
	conn.sendIdx = n
	conn.readGateOpen = false
}
