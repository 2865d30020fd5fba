package tap

import (
	"context"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/mastermind88/ZeroTierOne/internal/rpc"
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
)

// peerNICID is the single NIC of the harness's peer stack: a second,
// independent gvisor stack standing in for another host on the overlay
// fabric, wired to the Tap under test the same way the teacher's
// netstack/test package wires its guest gVisor stack against its custom
// host netstack.
const peerNICID tcpip.NICID = 1

var (
	tapHarnessIP  = netip.MustParseAddr("10.50.0.1")
	peerHarnessIP = netip.MustParseAddr("10.50.0.2")
)

func harnessAddr(ip netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(ip.As4())
}

// tapHarness wires a Tap under test to a second, independent gvisor stack:
// frames the Tap emits are injected into the peer's link endpoint and vice
// versa, closing the loop the same way the teacher's gvisorHarness does
// between its host netstack and guest gVisor stack.
type tapHarness struct {
	tb  testing.TB
	tap *Tap

	peerStack *stack.Stack
	peerLink  *channel.Endpoint

	ctx    context.Context
	cancel context.CancelFunc
}

func newTapHarness(tb testing.TB) *tapHarness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &tapHarness{tb: tb, ctx: ctx, cancel: cancel}

	tapMAC := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerMAC := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	const mtu = 1500

	h.peerLink = channel.New(4096, mtu+header.EthernetMinimumSize, tcpip.LinkAddress(string(peerMAC)))
	peerEP := ethernet.New(h.peerLink)
	h.peerStack = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := h.peerStack.CreateNIC(peerNICID, peerEP); err != nil {
		tb.Fatalf("peer CreateNIC: %v", err)
	}
	if err := h.peerStack.AddProtocolAddress(peerNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   harnessAddr(peerHarnessIP),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		tb.Fatalf("peer AddProtocolAddress: %v", err)
	}
	h.peerStack.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: peerNICID},
	})

	tp, err := New(Config{
		NWID:     0xfeedface,
		MAC:      tapMAC,
		MTU:      mtu,
		HomeDir:  tb.TempDir(),
		Outbound: h.onTapOutbound,
		Logger:   discardLogger(),
	})
	if err != nil {
		tb.Fatalf("tap.New: %v", err)
	}
	h.tap = tp

	if err := tp.AddIP(tapHarnessIP, 24); err != nil {
		tb.Fatalf("tap.AddIP: %v", err)
	}

	go h.pumpPeerOutbound()

	tb.Cleanup(func() {
		h.cancel()
		h.peerLink.Close()
		_ = h.tap.Close()
	})
	return h
}

// onTapOutbound is the Tap's fabric collaborator callback (§6): forward the
// frame onto the peer stack's wire, the mirror image of pumpPeerOutbound.
func (h *tapHarness) onTapOutbound(srcMAC, dstMAC net.HardwareAddr, ethertype uint16, payload []byte) {
	frame, ok := assembleFrame(dstMAC, srcMAC, ethertype, payload)
	if !ok {
		return
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(frame),
	})
	h.peerLink.InjectInbound(0, pkt)
	pkt.DecRef()
}

// pumpPeerOutbound drains frames the peer stack wants to send and hands
// them to the Tap's own ingress entry point, Put.
func (h *tapHarness) pumpPeerOutbound() {
	for {
		pkt := h.peerLink.ReadContext(h.ctx)
		if pkt == nil {
			return
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		dst, src, ethertype, payload, ok := parseFrame(frame)
		if !ok {
			continue
		}
		h.tap.Put(src, dst, ethertype, payload)
	}
}

// controlClient plays the role of the intercept library's client side
// against the Tap's control socket, driving the RPC Handlers (§4.5)
// directly the way the real client protocol does.
type controlClient struct {
	tb   testing.TB
	conn *net.UnixConn
}

func dialControl(tb testing.TB, sockPath string) *controlClient {
	tb.Helper()

	var (
		conn *net.UnixConn
		err  error
	)
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err = net.DialUnix("unix", nil, &net.UnixAddr{Name: sockPath, Net: "unix"})
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		tb.Fatalf("dial control socket %s: %v", sockPath, err)
	}
	tb.Cleanup(func() { _ = conn.Close() })
	return &controlClient{tb: tb, conn: conn}
}

func (c *controlClient) send(tag rpc.Tag, payload any) {
	c.tb.Helper()
	rec := append([]byte{byte(tag)}, rpc.Marshal(payload)...)
	if _, err := c.conn.Write(rec); err != nil {
		c.tb.Fatalf("write %s: %v", tag, err)
	}
}

func (c *controlClient) readRetval(timeout time.Duration) rpc.RetvalPayload {
	c.tb.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	req, err := rpc.ReadRequest(c.conn)
	if err != nil {
		c.tb.Fatalf("read retval: %v", err)
	}
	if req.Tag != rpc.TagRetval {
		c.tb.Fatalf("expected RETVAL, got %s", req.Tag)
	}
	var rv rpc.RetvalPayload
	if err := rpc.Unmarshal(req.Payload, &rv); err != nil {
		c.tb.Fatalf("unmarshal retval: %v", err)
	}
	return rv
}

func (c *controlClient) recvFD(timeout time.Duration) *os.File {
	c.tb.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	f, err := rpc.RecvFD(c.conn)
	if err != nil {
		c.tb.Fatalf("recv fd: %v", err)
	}
	return f
}
