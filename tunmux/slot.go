package tunmux

// reqSlot is one position in a tunnel's request table. It mediates
// between inbound tunnel frames and the egress socket for the request
// currently occupying the slot. All fields are guarded by the owning
// tunnel's lock.
type reqSlot struct {
	idx    uint16
	tag    uint16
	inUse  bool
	egress *egress
	tunnel *Tunnel
}

// proxy opens the egress socket for a freshly allocated slot. The
// callback captures the slot's current idx/tag so events from a stale
// generation are rejected by the table lookup in the tunnel handlers.
func (s *reqSlot) proxy(addr string) {
	idx, tag := s.idx, s.tag
	t := s.tunnel
	s.egress = newEgress(addr, t.dialer, func(ev egressEvent) {
		switch ev.kind {
		case evConnected:
			t.logf("request %d/%d connected to %s", idx, tag, addr)
		case evData:
			t.onReqServerData(idx, tag, ev.data)
		case evFinish:
			t.onReqServerFinished(idx, tag)
		case evClosed:
			t.onReqServerClosed(idx, tag)
		case evError:
			t.logerrorf("request %d/%d dial %s failed: %v", idx, tag, addr, ev.err)
			t.onReqServerClosed(idx, tag)
		}
	})
}

// onClientData writes the payload portion of an inbound data frame to
// the egress socket. No-op before proxy ran.
func (s *reqSlot) onClientData(msg []byte, offset int) {
	if s.egress == nil {
		return
	}
	s.egress.Write(msg[offset:])
}

// onClientFinished propagates the client's half-close to the remote.
func (s *reqSlot) onClientFinished() {
	if s.egress == nil {
		return
	}
	s.egress.ShutdownWrite()
}

// free tears down the egress socket. Only the table calls this; the
// egress is detached first so its closed event does not re-enter the
// tunnel while the slot is being recycled.
func (s *reqSlot) free() {
	if s.egress == nil {
		return
	}
	e := s.egress
	s.egress = nil
	e.detach()
	e.Close()
}
