// Package tap implements the network-containerization shim's service side:
// a per-virtual-network listener that speaks the control protocol described
// by this repository's RPC framing and drives an embedded TCP/IP stack on
// behalf of intercepted client processes.
package tap

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mastermind88/ZeroTierOne/internal/handle"
	"github.com/mastermind88/ZeroTierOne/internal/rpc"
)

// housekeepingPeriod is the 10ms cadence named in §4.1/§11/§12, distinct
// from the embedded stack's own internal TCP/ARP timers.
const housekeepingPeriod = 10 * time.Millisecond

// OutboundFunc is the fabric collaborator interface named in §6: the tap
// calls it once per frame the embedded stack wants to send onto the
// overlay.
type OutboundFunc func(srcMAC, dstMAC net.HardwareAddr, ethertype uint16, payload []byte)

// Tap is the Tap Instance of §3: a process-wide singleton per virtual
// network.
type Tap struct {
	nwid   uint64
	mac    net.HardwareAddr
	mtu    uint32
	metric int // carried from the original's constructor signature (§12); no observable effect on the control/data path.

	log *slog.Logger

	ipMu sync.Mutex
	ips  []netip.Addr

	stack *stackFacade

	channels *handle.Arena[*controlChannel]
	conns    *handle.Arena[*tcpConnection]

	sockPath string
	listener *net.UnixListener

	outbound OutboundFunc
	capture  *frameCapture

	events chan event

	running   atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
	loopDone  chan struct{}
}

// Config bundles the construction-time parameters named in §3 and §12.
type Config struct {
	NWID     uint64
	MAC      net.HardwareAddr
	MTU      uint32
	Metric   int
	HomeDir  string
	PCAPPath string
	Outbound OutboundFunc
	Logger   *slog.Logger
}

// New constructs and starts a Tap: it binds the listening control socket,
// wires the Stack Facade, and launches the reactor and accept-loop
// goroutines. Failure to bind the listening socket is fatal to the tap
// per §7.
func New(cfg Config) (*Tap, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("component", "tap", "nwid", fmt.Sprintf("%016x", cfg.NWID))

	sf, err := newStackFacade(log.With("component", "stack-facade"), cfg.MAC, cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("tap: %w", err)
	}

	sockPath := fmt.Sprintf("%s/.ztnc_%016x", cfg.HomeDir, cfg.NWID)
	_ = os.Remove(sockPath) // stale socket from a prior crashed instance

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockPath, Net: "unix"})
	if err != nil {
		sf.close()
		return nil, fmt.Errorf("tap: listen %s: %w", sockPath, err)
	}

	t := &Tap{
		nwid:     cfg.NWID,
		mac:      cfg.MAC,
		mtu:      cfg.MTU,
		metric:   cfg.Metric,
		log:      log,
		stack:    sf,
		channels: handle.New[*controlChannel](),
		conns:    handle.New[*tcpConnection](),
		sockPath: sockPath,
		listener: ln,
		outbound: cfg.Outbound,
		events:   make(chan event, 256),
		loopDone: make(chan struct{}),
	}

	t.capture = newFrameCapture(cfg.PCAPPath, log)

	sf.setOutboundHandler(t.onStackOutbound)

	t.running.Store(true)
	t.wg.Add(2)
	go t.acceptLoop()
	go t.reactorLoop()

	log.Info("tap started", "socket", sockPath, "mtu", cfg.MTU)
	return t, nil
}

// onStackOutbound is the stack's linkoutput hook landing point (§4.2): it
// runs on the Stack Facade's own pump goroutine, so it only ever enqueues an
// event rather than touching any registry directly.
func (t *Tap) onStackOutbound(frame []byte) {
	t.postEvent(evOutboundFrame{frame: frame})
}

func (t *Tap) postEvent(e event) {
	if !t.running.Load() {
		return
	}
	select {
	case t.events <- e:
	default:
		// The loop is saturated; block rather than drop, since dropping an
		// RPC request or a teardown notice would violate §8's exactly-once
		// reply invariant.
		t.events <- e
	}
}

// Put is the overlay fabric's ingress entry point named in §6: netif_input.
func (t *Tap) Put(srcMAC, dstMAC net.HardwareAddr, ethertype uint16, payload []byte) {
	frame, ok := assembleFrame(dstMAC, srcMAC, ethertype, payload)
	if !ok {
		t.log.Debug("frame adapter: dropped malformed inbound frame")
		return
	}
	t.postEvent(evInboundFrame{frame: frame})
}

// AddIP assigns ip to the tap's NIC (§3, §5: guarded by the IP-list mutex,
// stack lock inner per the lock-order rule).
func (t *Tap) AddIP(ip netip.Addr, prefixLen int) error {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	if err := t.stack.addAddress(net.IP(ip.AsSlice()), prefixLen); err != nil {
		return err
	}
	t.ips = append(t.ips, ip)
	return nil
}

// RemoveIP drops ip from the tap's recorded address set. The Stack Facade
// does not expose per-address removal in this reimplementation's scope; the
// recorded set backs IPs() only. BIND's listener address (§9 "Listener
// address") comes from the stack's own address list, which RemoveIP leaves
// unchanged.
func (t *Tap) RemoveIP(ip netip.Addr) {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	for i, existing := range t.ips {
		if existing == ip {
			t.ips = append(t.ips[:i], t.ips[i+1:]...)
			return
		}
	}
}

// IPs returns a snapshot of the assigned address set.
func (t *Tap) IPs() []netip.Addr {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	out := make([]netip.Addr, len(t.ips))
	copy(out, t.ips)
	return out
}

func (t *Tap) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.AcceptUnix()
		if err != nil {
			if !t.running.Load() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn("accept error", "error", err)
			continue
		}
		t.spawnChannel(conn)
	}
}

func (t *Tap) spawnChannel(conn *net.UnixConn) {
	cc := newControlChannel(conn)
	h := t.channels.Insert(cc)
	cc.self = h
	t.postEvent(evChannelOpened{handle: h})

	t.wg.Add(1)
	go t.channelReader(h, cc)
}

func (t *Tap) channelReader(h handle.Handle, cc *controlChannel) {
	defer t.wg.Done()
	for {
		req, err := rpc.ReadRequest(cc.conn)
		if err != nil {
			t.postEvent(evChannelClosed{channel: h})
			return
		}
		t.postEvent(evRequest{channel: h, req: req})
	}
}

// Close destructs the tap per §3's lifecycle: clears the running flag,
// wakes the reactor, joins it, closes the listener, and releases the stack
// facade.
func (t *Tap) Close() error {
	t.closeOnce.Do(func() {
		t.running.Store(false)
		_ = t.listener.Close()

		done := make(chan struct{})
		select {
		case t.events <- evShutdown{done: done}:
			<-done
		case <-time.After(housekeepingPeriod * 10):
			// The reactor is wedged; proceed with teardown anyway rather
			// than hang Close forever.
		}

		t.stack.close()
		if t.capture != nil {
			t.capture.close()
		}
		_ = os.Remove(t.sockPath)
	})
	t.wg.Wait()
	return nil
}
