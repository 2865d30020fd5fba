package tap

import (
	"github.com/mastermind88/ZeroTierOne/internal/handle"
	"github.com/mastermind88/ZeroTierOne/internal/rpc"
)

// The event loop (§4.4) is realized as a single goroutine draining events
// from this channel. Every producer — the accept loop, each Control
// Channel's reader, each Connection's data pump, and every stack waiter
// callback — only ever constructs one of these and sends it; the loop
// itself is the sole mutator of the channel and connection registries
// during steady state (§5, §9 "Reentrancy into a non-reentrant stack").
type event interface{}

// evChannelOpened is posted once per accepted listener connection, before
// its reader goroutine starts draining requests.
type evChannelOpened struct {
	handle handle.Handle
}

// evRequest carries one decoded client request for dispatch to the matching
// RPC handler (§4.5).
type evRequest struct {
	channel handle.Handle
	req     rpc.Request
}

// evChannelClosed triggers the §4.8/§9 cascade-close of every Connection
// the channel owned.
type evChannelClosed struct {
	channel handle.Handle
}

// evConnReadable/evConnWritable/evConnError are posted by the waiter.Entry
// NotifyCallback installed on a Connection's endpoint (§11); they carry only
// the stable handle, never the tcpip.Endpoint itself, per §9's
// callback-carried-identity note. A readable notification on a listening
// Connection is accepted(new_pcb, err) (§4.6); on any other Connection it is
// recved(pcb, pbuf, err) — handleReadable tells the two apart by kind.
type evConnReadable struct{ conn handle.Handle }
type evConnWritable struct{ conn handle.Handle }
type evConnError struct{ conn handle.Handle }

// evDataPumpBytes is posted by a Connection's data-pump goroutine (§4.7)
// carrying bytes read from the client's data endpoint, ready to be staged
// into the PCB's send buffer. The loop replies on ack with whether the pump
// may keep reading immediately (true) or must wait for the next writable
// notification (false, §4.7's "disable readability" backpressure) — a
// channel round trip instead of a shared flag, so the pump goroutine never
// reads Connection fields the loop owns.
type evDataPumpBytes struct {
	conn handle.Handle
	data []byte
	ack  chan bool
}

// evDataPumpClosed is posted when a data endpoint's reader goroutine sees
// EOF or an error — signals the Connection should be torn down.
type evDataPumpClosed struct {
	conn handle.Handle
}

// evInboundFrame carries a raw Ethernet frame handed in by the overlay
// fabric via Put (§6); netif_input.
type evInboundFrame struct {
	frame []byte
}

// evOutboundFrame carries a raw Ethernet frame the stack emitted via its
// linkoutput hook, ready for parsing and delivery to the fabric handler.
type evOutboundFrame struct {
	frame []byte
}

// evShutdown asks the loop to drain both registries and exit.
type evShutdown struct {
	done chan struct{}
}
