package tap

// reactorLoop is the Event Loop of §4.4: the single goroutine that polls
// (via the events channel, Go's idiomatic substitute for a literal select
// over file descriptors) the listener's accept notifications, every Control
// Channel's requests, every Connection's data-pump and stack notifications,
// and a housekeeping ticker. It is the only mutator of the channel and
// connection registries during steady state (§5, §9).
func (t *Tap) reactorLoop() {
	defer t.wg.Done()
	defer close(t.loopDone)

	ticker := newHousekeepingTicker()
	defer ticker.Stop()

	for {
		select {
		case e := <-t.events:
			if t.dispatch(e) {
				return
			}
		case <-ticker.C:
			t.handleTick()
		}
	}
}

// dispatch processes one event and reports whether the loop should exit.
func (t *Tap) dispatch(e event) (shutdown bool) {
	switch ev := e.(type) {
	case evChannelOpened:
		t.log.Debug("control channel opened", "channel", ev.handle)

	case evRequest:
		t.handleRequest(ev)

	case evChannelClosed:
		t.closeChannel(ev.channel)

	case evConnReadable:
		t.handleReadable(ev.conn)
	case evConnWritable:
		t.handleWritable(ev.conn)
	case evConnError:
		t.handleStackError(ev.conn)

	case evDataPumpBytes:
		t.handleDataPumpBytes(ev)
	case evDataPumpClosed:
		t.closeConnection(ev.conn)

	case evInboundFrame:
		t.stack.injectInbound(ev.frame)
	case evOutboundFrame:
		t.handleOutboundFrame(ev.frame)

	case evShutdown:
		t.closeAll()
		close(ev.done)
		return true

	default:
		t.log.Warn("reactor: unknown event type")
	}
	return false
}

func (t *Tap) handleOutboundFrame(frame []byte) {
	dst, src, ethertype, payload, ok := parseFrame(frame)
	if !ok {
		t.log.Debug("frame adapter: dropped malformed outbound frame")
		return
	}
	if t.capture != nil {
		_ = t.capture.capture(frame)
	}
	if t.outbound != nil {
		t.outbound(src, dst, ethertype, payload)
	}
}
