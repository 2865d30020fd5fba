package tap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// nicID is the single NIC this tap ever registers. §1's non-goals rule out
// more than one tap instance per process, and each tap owns exactly one NIC.
const nicID tcpip.NICID = 1

// stackFacade is the Stack Facade of §4.1: an opaque wrapper over the
// embedded TCP/IP stack. The embedded stack itself is gvisor's pkg/tcpip,
// wired exactly as the teacher's own internal/netstack/test/gvisor.go test
// harness wires it (channel.Endpoint NIC, ethernet.New wrapper, ipv4/arp
// network protocols, tcp/udp transport protocols) — see SPEC_FULL.md §11.
//
// gvisor's stack.Stack already serializes its own internal state with
// fine-grained locking. mu guards the facade's outbound handler and its
// address operations. Endpoint calls and frame injection made by the RPC
// handlers and stack callback glue do not take mu; they are serialized by
// running on the single reactor goroutine (§4.4).
type stackFacade struct {
	mu sync.Mutex

	log *slog.Logger

	ipStack *stack.Stack
	link    *channel.Endpoint

	outbound func(frame []byte)

	ctx    context.Context
	cancel context.CancelFunc
	pumpWG sync.WaitGroup
}

func newStackFacade(log *slog.Logger, mac net.HardwareAddr, mtu uint32) (*stackFacade, error) {
	ctx, cancel := context.WithCancel(context.Background())

	link := channel.New(4096, mtu+header.EthernetMinimumSize, tcpip.LinkAddress(string(mac)))
	linkEP := ethernet.New(link)

	ipStack := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := ipStack.CreateNIC(nicID, linkEP); err != nil {
		cancel()
		return nil, fmt.Errorf("tap: create nic: %s", err)
	}

	sf := &stackFacade{
		log:     log,
		ipStack: ipStack,
		link:    link,
		ctx:     ctx,
		cancel:  cancel,
	}

	sf.pumpWG.Add(1)
	go sf.outboundPump()

	return sf, nil
}

// outboundPump is the Frame Adapter's inbound-to-fabric half: the stack's
// linkoutput hook, realized in Go as draining channel.Endpoint.ReadContext
// and handing the coalesced frame to whatever Put-style handler the Tap
// installed. It must never be called while sf.mu is held — mirrors the
// teacher's own sendFrame doc comment warning against calling into a
// synchronous re-entrant backend while holding the netstack lock.
func (sf *stackFacade) outboundPump() {
	defer sf.pumpWG.Done()
	for {
		pkt := sf.link.ReadContext(sf.ctx)
		if pkt == nil {
			return
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		sf.mu.Lock()
		handler := sf.outbound
		sf.mu.Unlock()

		if handler != nil {
			handler(frame)
		}
	}
}

func (sf *stackFacade) setOutboundHandler(h func(frame []byte)) {
	sf.mu.Lock()
	sf.outbound = h
	sf.mu.Unlock()
}

// injectInbound is netif_input (§4.1/§4.2): hands a raw Ethernet frame from
// the overlay fabric into the stack.
func (sf *stackFacade) injectInbound(frame []byte) {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	defer pkt.DecRef()
	sf.link.InjectInbound(0, pkt)
}

func mustAddrFromIP(ip net.IP) (tcpip.Address, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return tcpip.Address{}, fmt.Errorf("tap: %s is not an IPv4 address", ip)
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b), nil
}

// addAddress installs an IPv4 address on the tap's NIC, part of the Frame
// Adapter's interface-installation responsibility (§4.2).
func (sf *stackFacade) addAddress(ip net.IP, prefixLen int) error {
	addr, err := mustAddrFromIP(ip)
	if err != nil {
		return err
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if err := sf.ipStack.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addr,
			PrefixLen: prefixLen,
		},
	}, stack.AddressProperties{}); err != nil {
		return fmt.Errorf("tap: add protocol address: %s", err)
	}

	sf.ipStack.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
	})
	return nil
}

// newTCPEndpoint is tcp_new: allocate a fresh, unbound stack endpoint plus
// its own waiter queue.
func (sf *stackFacade) newTCPEndpoint() (tcpip.Endpoint, *waiter.Queue, tcpip.Error) {
	var wq waiter.Queue
	ep, err := sf.ipStack.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if err != nil {
		return nil, nil, err
	}
	return ep, &wq, nil
}

func (sf *stackFacade) firstLocalAddress() (tcpip.Address, bool) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	addrs := sf.ipStack.AllAddresses()[nicID]
	if len(addrs) == 0 {
		return tcpip.Address{}, false
	}
	return addrs[0].AddressWithPrefix.Address, true
}

func (sf *stackFacade) close() {
	sf.cancel()
	sf.link.Close()
	sf.pumpWG.Wait()
	sf.ipStack.Close()
}
