package tap

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mastermind88/ZeroTierOne/internal/rpc"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
)

// TestSocketBindListen drives S1 end-to-end against a real embedded gvisor
// stack: SOCKET, FD_MAP_COMPLETION, BIND, LISTEN, asserting RETVAL(0,0) at
// each step, then S2's "second bind to the same port fails".
func TestSocketBindListen(t *testing.T) {
	h := newTapHarness(t)
	cl := dialControl(t, h.tap.sockPath)

	cl.send(rpc.TagSocket, rpc.SocketPayload{Domain: int32(unix.AF_INET), Type: int32(unix.SOCK_STREAM)})
	fd := cl.recvFD(2 * time.Second)
	defer fd.Close()
	cl.send(rpc.TagFDMapCompletion, rpc.FDMapCompletionPayload{PerceivedFD: 7})

	cl.send(rpc.TagBind, rpc.BindPayload{TheirFD: 7, Addr: rpc.SockAddrIn{Port: 9000}})
	if rv := cl.readRetval(2 * time.Second); rv.Retval != 0 || rv.Errno != 0 {
		t.Fatalf("BIND = (%d,%d), want (0,0)", rv.Retval, rv.Errno)
	}

	cl.send(rpc.TagListen, rpc.ListenPayload{TheirFD: 7, Backlog: 128})
	if rv := cl.readRetval(2 * time.Second); rv.Retval != 0 || rv.Errno != 0 {
		t.Fatalf("LISTEN = (%d,%d), want (0,0)", rv.Retval, rv.Errno)
	}

	// S2: a second socket binding to the same port is rejected.
	cl2 := dialControl(t, h.tap.sockPath)
	cl2.send(rpc.TagSocket, rpc.SocketPayload{Domain: int32(unix.AF_INET), Type: int32(unix.SOCK_STREAM)})
	fd2 := cl2.recvFD(2 * time.Second)
	defer fd2.Close()
	cl2.send(rpc.TagFDMapCompletion, rpc.FDMapCompletionPayload{PerceivedFD: 9})
	cl2.send(rpc.TagBind, rpc.BindPayload{TheirFD: 9, Addr: rpc.SockAddrIn{Port: 9000}})

	rv := cl2.readRetval(2 * time.Second)
	if rv.Retval != -1 || unix.Errno(rv.Errno) != unix.EADDRINUSE {
		t.Fatalf("BIND (second, same port) = (%d,%d), want (-1,EADDRINUSE)", rv.Retval, rv.Errno)
	}
}

// TestConnectWithNoRoute drives S3: CONNECT to an address outside any route
// the tap's stack knows about eventually replies RETVAL(-1,ENETUNREACH).
func TestConnectWithNoRoute(t *testing.T) {
	h := newTapHarness(t)
	cl := dialControl(t, h.tap.sockPath)

	cl.send(rpc.TagSocket, rpc.SocketPayload{Domain: int32(unix.AF_INET), Type: int32(unix.SOCK_STREAM)})
	fd := cl.recvFD(2 * time.Second)
	defer fd.Close()
	cl.send(rpc.TagFDMapCompletion, rpc.FDMapCompletionPayload{PerceivedFD: 8})

	cl.send(rpc.TagConnect, rpc.ConnectPayload{
		TheirFD: 8,
		Addr:    rpc.SockAddrIn{Port: 1234, Addr: [4]byte{10, 0, 0, 99}},
	})

	rv := cl.readRetval(2 * time.Second)
	if rv.Retval != -1 || unix.Errno(rv.Errno) != unix.ENETUNREACH {
		t.Fatalf("CONNECT (unroutable) = (%d,%d), want (-1,ENETUNREACH)", rv.Retval, rv.Errno)
	}
}

// TestDataRoundTripAndBackpressure drives S4/S5/S6: a peer dials in over the
// embedded stack, the accept handshake hands over a data endpoint, bytes
// flow both directions intact, a burst larger than the send buffer still
// arrives whole (exercising invariant 3's backpressure gate), and tearing
// the tap down with live connections and a live control channel is clean.
func TestDataRoundTripAndBackpressure(t *testing.T) {
	h := newTapHarness(t)
	cl := dialControl(t, h.tap.sockPath)

	cl.send(rpc.TagSocket, rpc.SocketPayload{Domain: int32(unix.AF_INET), Type: int32(unix.SOCK_STREAM)})
	fd := cl.recvFD(2 * time.Second)
	defer fd.Close()
	cl.send(rpc.TagFDMapCompletion, rpc.FDMapCompletionPayload{PerceivedFD: 7})

	cl.send(rpc.TagBind, rpc.BindPayload{TheirFD: 7, Addr: rpc.SockAddrIn{Port: 9001}})
	if rv := cl.readRetval(2 * time.Second); rv.Retval != 0 || rv.Errno != 0 {
		t.Fatalf("BIND = (%d,%d), want (0,0)", rv.Retval, rv.Errno)
	}
	cl.send(rpc.TagListen, rpc.ListenPayload{TheirFD: 7, Backlog: 4})
	if rv := cl.readRetval(2 * time.Second); rv.Retval != 0 || rv.Errno != 0 {
		t.Fatalf("LISTEN = (%d,%d), want (0,0)", rv.Retval, rv.Errno)
	}

	dialDone := make(chan net.Conn, 1)
	dialErr := make(chan error, 1)
	go func() {
		conn, err := gonet.DialTCP(h.peerStack, tcpip.FullAddress{
			Addr: harnessAddr(tapHarnessIP),
			Port: 9001,
		}, ipv4.ProtocolNumber)
		if err != nil {
			dialErr <- err
			return
		}
		dialDone <- conn
	}()

	// The accept-handoff sentinel byte precedes the new data endpoint's fd,
	// per §4.6's accepted() description of the intercept library's accept()
	// contract.
	acceptedFD := cl.recvFD(2 * time.Second)
	acceptedConn, err := net.FileConn(acceptedFD)
	if err != nil {
		t.Fatalf("file conn: %v", err)
	}
	acceptedFD.Close()
	defer acceptedConn.Close()

	sentinel := make([]byte, 1)
	_ = acceptedConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(acceptedConn, sentinel); err != nil || sentinel[0] != 0 {
		t.Fatalf("accept sentinel: err=%v byte=%v", err, sentinel)
	}

	var peerConn net.Conn
	select {
	case peerConn = <-dialDone:
	case err := <-dialErr:
		t.Fatalf("peer dial: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for peer dial")
	}
	defer peerConn.Close()

	// S4: client -> server.
	if _, err := peerConn.Write([]byte("hello")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	got := make([]byte, 5)
	_ = acceptedConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(acceptedConn, got); err != nil || string(got) != "hello" {
		t.Fatalf("server read: err=%v payload=%q", err, got)
	}

	// S4 reverse: server -> client.
	if _, err := acceptedConn.Write([]byte("world")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	got2 := make([]byte, 5)
	_ = peerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(peerConn, got2); err != nil || string(got2) != "world" {
		t.Fatalf("peer read: err=%v payload=%q", err, got2)
	}

	// S5: a burst well past one 32KiB send-buffer's worth exercises the data
	// pump's backpressure gate (stageUnwritten / ack=false) while still
	// arriving byte-for-byte intact.
	want := bytes.Repeat([]byte{0xcd}, 512*1024)
	writeErr := make(chan error, 1)
	go func() {
		_, err := acceptedConn.Write(want)
		writeErr <- err
	}()
	got3 := make([]byte, len(want))
	_ = peerConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(peerConn, got3); err != nil {
		t.Fatalf("peer burst read: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("server burst write: %v", err)
	}
	if !bytes.Equal(got3, want) {
		t.Fatalf("burst payload corrupted in transit")
	}

	// S6: tear the tap down while this Connection, the accepted Connection,
	// and the control channel are all still live.
	if err := h.tap.Close(); err != nil {
		t.Fatalf("tap close with live connections: %v", err)
	}
}
