package tap

import (
	"encoding/binary"
	"net"
	"sync"
)

// ethernetHeaderLen is the fixed size of an untagged Ethernet II header:
// 6 bytes destination MAC, 6 bytes source MAC, 2 bytes ethertype.
const ethernetHeaderLen = 14

// framePool recycles frame-assembly buffers the way the teacher's
// internal/netstack package pools Ethernet/IPv4/TCP buffers to reduce GC
// churn on the packet-per-call hot path.
var framePool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 1600)
		return &b
	},
}

func getFrameBuf() *[]byte { return framePool.Get().(*[]byte) }
func putFrameBuf(b *[]byte) {
	*b = (*b)[:0]
	framePool.Put(b)
}

// assembleFrame is the Frame Adapter's wire-direction half (§4.2): given the
// addressing the overlay fabric's Put supplies separately from the L3
// payload, prepend a 14-byte Ethernet header and return a frame ready for
// stack ingestion. On success the returned slice is owned by the caller
// (copied out of the pool) and frees the pooled buffer itself.
func assembleFrame(dst, src net.HardwareAddr, ethertype uint16, payload []byte) ([]byte, bool) {
	if len(dst) != 6 || len(src) != 6 {
		return nil, false
	}

	bufp := getFrameBuf()
	defer putFrameBuf(bufp)

	need := ethernetHeaderLen + len(payload)
	if cap(*bufp) < need {
		*bufp = make([]byte, need)
	} else {
		*bufp = (*bufp)[:need]
	}
	buf := *bufp

	copy(buf[0:6], dst)
	copy(buf[6:12], src)
	binary.BigEndian.PutUint16(buf[12:14], ethertype)
	copy(buf[14:], payload)

	out := make([]byte, need)
	copy(out, buf)
	return out, true
}

// parseFrame is the Frame Adapter's fabric-direction half (§4.2): split a
// full Ethernet frame produced by the stack's outbound pump into the
// addressing plus payload the fabric handler expects.
func parseFrame(frame []byte) (dst, src net.HardwareAddr, ethertype uint16, payload []byte, ok bool) {
	if len(frame) < ethernetHeaderLen {
		return nil, nil, 0, nil, false
	}
	dst = net.HardwareAddr(append([]byte(nil), frame[0:6]...))
	src = net.HardwareAddr(append([]byte(nil), frame[6:12]...))
	ethertype = binary.BigEndian.Uint16(frame[12:14])
	payload = frame[ethernetHeaderLen:]
	return dst, src, ethertype, payload, true
}
