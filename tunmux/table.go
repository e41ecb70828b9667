package tunmux

// reqTable is the fixed-size slot arena of a tunnel. Every
// peer-addressed operation is validated against the slot's generation
// tag, so a late frame aimed at a freed-and-reused index falls through
// harmlessly. The table has no lock of its own; the owning tunnel
// serializes access.
type reqTable struct {
	slots []*reqSlot
}

func newReqTable(capacity int, t *Tunnel) *reqTable {
	slots := make([]*reqSlot, capacity)
	for i := range slots {
		slots[i] = &reqSlot{idx: uint16(i), tag: uint16(i), tunnel: t}
	}
	return &reqTable{slots: slots}
}

// alloc claims a slot for a new request, adopting the peer-chosen tag.
// Returns nil if idx is out of range or the slot is occupied.
func (rt *reqTable) alloc(idx, tag uint16) *reqSlot {
	if int(idx) >= len(rt.slots) {
		return nil
	}
	s := rt.slots[idx]
	if s.inUse {
		return nil
	}
	s.inUse = true
	s.tag = tag
	return s
}

// get returns the slot iff idx is in range, the slot is occupied, and
// the tag matches its current generation.
func (rt *reqTable) get(idx, tag uint16) *reqSlot {
	if int(idx) >= len(rt.slots) {
		return nil
	}
	s := rt.slots[idx]
	if !s.inUse || s.tag != tag {
		return nil
	}
	return s
}

// free releases a slot, bumping its generation so frames addressed to
// the old tag are rejected from now on. Mismatched or idle slots are
// ignored.
func (rt *reqTable) free(idx, tag uint16) {
	s := rt.get(idx, tag)
	if s == nil {
		return
	}
	s.tag++
	s.inUse = false
	s.free()
}

// cleanup releases every occupied slot. Called once while the tunnel is
// closing.
func (rt *reqTable) cleanup() {
	for _, s := range rt.slots {
		if !s.inUse {
			continue
		}
		s.tag++
		s.inUse = false
		s.free()
	}
}
