package tap

import (
	"net"
	"os"

	"github.com/mastermind88/ZeroTierOne/internal/handle"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"
)

// connKind distinguishes the phases a TCP Connection's pcb can be in, since
// the stack callback glue (§4.6) interprets the same readiness events
// differently depending on whether the endpoint is a listener, mid-connect,
// or already established.
type connKind int

const (
	connFresh connKind = iota // SOCKET'd, not yet bound/listening/connecting
	connBound
	connListening
	connConnecting
	connEstablished
	connClosed
)

// tcpConnection is the TCP Connection of §3, the central entity of this
// component.
type tcpConnection struct {
	self handle.Handle // this Connection's own handle, used as callback identity (§9)

	ep    tcpip.Endpoint
	wq    *waiter.Queue
	entry *waiter.Entry
	kind  connKind

	// listenBacklog is recorded from LISTEN for diagnostics; the stack's own
	// accept queue enforces the actual backlog.
	listenBacklog int

	// dataService is the service-side half of the socket pair; dataConn
	// wraps it for ordinary net.Conn Read/Write. peerHeld is the client's
	// half, retained only until the accept-handoff FD transfer completes.
	dataService *os.File
	dataConn    net.Conn
	peerHeld    *os.File

	channel handle.Handle // owning Control Channel

	perceivedFD    int32
	perceivedFDSet bool
	pending        bool

	// sendBuf/sendIdx stage client->network bytes not yet accepted by the
	// stack's send window (§4.7).
	sendBuf []byte
	sendIdx int

	// readGateOpen mirrors invariant 3 of §3: the data pump only reads
	// from dataConn while this is true.
	readGateOpen bool
	resumeRead   chan struct{}
	closed       chan struct{}

	// recvRetry buffers a short write to dataConn from the recved path
	// that could not be completed in one call, resolving the "partial
	// writes to data endpoints" weakness noted in §9.
	recvRetry []byte

	closing bool
}

func newTCPConnection(ep tcpip.Endpoint, wq *waiter.Queue, channel handle.Handle) *tcpConnection {
	return &tcpConnection{
		ep:           ep,
		wq:           wq,
		kind:         connFresh,
		channel:      channel,
		pending:      true,
		readGateOpen: true,
		resumeRead:   make(chan struct{}, 1),
		closed:       make(chan struct{}),
		sendBuf:      make([]byte, 32*1024),
	}
}
