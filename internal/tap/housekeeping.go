package tap

import (
	"time"

	"github.com/mastermind88/ZeroTierOne/internal/handle"
)

func newHousekeepingTicker() *time.Ticker {
	return time.NewTicker(housekeepingPeriod)
}

// handleTick is the housekeeping pulse (§4.1/§11/§12): it retries any
// Connection still holding a buffered partial recv-path write (§4.6 poll). The
// embedded stack drives its own internal TCP/ARP timers regardless of this
// tick; this tick exists for the parts of §4.6/§9 this reimplementation
// closes rather than defers.
func (t *Tap) handleTick() {
	if t.conns.Len() == 0 {
		return
	}
	t.conns.Range(func(_ handle.Handle, c *tcpConnection) {
		if c == nil || c.kind == connClosed {
			return
		}
		if len(c.recvRetry) > 0 {
			t.drainRecvRetry(c)
		}
	})
}
