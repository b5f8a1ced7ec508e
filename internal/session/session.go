// Package session implements the fixed-size user table described in
// spec.md §3: per-slot authentication state, codec negotiation, the two
// window buffers, and the QMEM/DNSCACHE rings owned by each slot.
package session

import (
	"net"
	"time"

	"dnstunneld/internal/codec"
	"dnstunneld/internal/dnscache"
	"dnstunneld/internal/qmem"
	"dnstunneld/internal/window"
)

// State is a slot's liveness/authentication state machine (spec.md §3).
type State int

const (
	StateUnallocated State = iota
	StateVersionAcked
	StateAuthenticated
	StateRawAuthenticated
)

// MaxSlots is N, the fixed user table size; the raw-mode header's slot
// field is 4 bits wide so N must not exceed 16 (spec.md §3).
const MaxSlots = 16

// Slot holds all per-user state: identity, negotiated parameters, and the
// reliability substrate (window buffers, QMEM, DNSCACHE) owned by this
// user alone.
type Slot struct {
	ID    int
	State State

	SourceAddr net.Addr
	Seed       uint32
	TunnelIP   net.IP

	UpstreamCodec   byte // numeric codec id 5/6/26/7, see codec.ByCodecID; 0 means base32
	DownstreamCodec byte // 'T'/'S'/'U'/'V'/'R'
	Compression     bool

	MaxUpstreamFrag   int
	MaxDownstreamFrag int

	Lazy         bool
	QueryTimeout time.Duration

	NextUpstreamAck int // sequence id owing a downstream ACK, or window.NoAck
	SendPingNext    bool

	LastPkt time.Time

	Incoming *window.Buffer
	Outgoing *window.Buffer

	QMEM     *qmem.Ring
	DNSCache *dnscache.Ring

	CMC *codec.CMC
}

func newSlot(id int, windowsize, maxFragLen int) *Slot {
	return &Slot{
		ID:              id,
		State:           StateUnallocated,
		DownstreamCodec: 'T',
		QueryTimeout:    10 * time.Second,
		NextUpstreamAck: window.NoAck,
		Incoming:        window.New(windowsize, window.MaxWindowSlots-1, maxFragLen),
		Outgoing:        window.New(windowsize, window.MaxWindowSlots-1, maxFragLen),
		QMEM:            qmem.New(qmem.DefaultCapacity),
		DNSCache:        dnscache.New(dnscache.DefaultCapacity),
		CMC:             codec.NewCMC(),
	}
}

// Reset clears a slot back to unallocated, ready for reuse.
func (s *Slot) Reset() {
	id := s.ID
	windowsize := s.Incoming.WindowSize()
	maxFrag := s.Incoming.MaxFragLen()
	*s = *newSlot(id, windowsize, maxFrag)
}

// Authenticated reports whether the slot has completed password or
// raw-mode login.
func (s *Slot) Authenticated() bool {
	return s.State == StateAuthenticated || s.State == StateRawAuthenticated
}

// SourceMatches reports whether addr is the source address bound to this
// slot; an unbound slot matches nothing. It does not look at the slot's
// authentication state: the dispatcher pairs it with Authenticated() to get
// "authenticated AND source-IP matches".
func (s *Slot) SourceMatches(addr net.Addr) bool {
	if s.SourceAddr == nil {
		return false
	}
	return sameHost(s.SourceAddr, addr)
}

func sameHost(a, b net.Addr) bool {
	ua, ok1 := a.(*net.UDPAddr)
	ub, ok2 := b.(*net.UDPAddr)
	if ok1 && ok2 {
		return ua.IP.Equal(ub.IP) && ua.Port == ub.Port
	}
	return a.String() == b.String()
}

// Table is the fixed-size slotted user table, looked up by slot id,
// tunnel IP, or source address.
type Table struct {
	slots      []*Slot
	windowsize int
	maxFragLen int
}

// NewTable allocates a Table of MaxSlots slots, each with the given
// default window size and max fragment length.
func NewTable(windowsize, maxFragLen int) *Table {
	t := &Table{windowsize: windowsize, maxFragLen: maxFragLen}
	t.slots = make([]*Slot, MaxSlots)
	for i := range t.slots {
		t.slots[i] = newSlot(i, windowsize, maxFragLen)
	}
	return t
}

// BySlotID returns the slot at the given id, or nil if out of range.
func (t *Table) BySlotID(id int) *Slot {
	if id < 0 || id >= len(t.slots) {
		return nil
	}
	return t.slots[id]
}

// ByTunnelIP finds the authenticated slot whose tunnel IP matches ip.
func (t *Table) ByTunnelIP(ip net.IP) *Slot {
	for _, s := range t.slots {
		if s.Authenticated() && s.TunnelIP != nil && s.TunnelIP.Equal(ip) {
			return s
		}
	}
	return nil
}

// BySourceAddr finds the authenticated slot bound to the given source
// address.
func (t *Table) BySourceAddr(addr net.Addr) *Slot {
	for _, s := range t.slots {
		if s.Authenticated() && s.SourceMatches(addr) {
			return s
		}
	}
	return nil
}

// FreeSlot returns the first unallocated slot, or nil if the table is
// full (triggers VFUL per spec.md §4.4).
func (t *Table) FreeSlot() *Slot {
	for _, s := range t.slots {
		if s.State == StateUnallocated {
			return s
		}
	}
	return nil
}

// Count returns the number of non-unallocated slots.
func (t *Table) Count() int {
	n := 0
	for _, s := range t.slots {
		if s.State != StateUnallocated {
			n++
		}
	}
	return n
}

// All returns every slot, for the scheduler's per-iteration walk.
func (t *Table) All() []*Slot { return t.slots }
