// Package window implements the per-direction sliding-window fragment
// buffer described in spec.md §4.1: split/reassemble of IP datagrams into
// sequence-numbered fragments, selective ACK, and retransmit timing.
//
// A Buffer is used for both the incoming and the outgoing direction of a
// session; spec.md §3 describes one shared shape for both.
package window

import (
	"time"
)

// MaxWindowSlots bounds a Buffer's ring capacity. Sequence ids are 8-bit and
// wrap modulo 256; correctness requires the live window to stay under 128
// slots so the wrap is unambiguous (spec.md §9, "Sequence-id wrap").
const MaxWindowSlots = 120

// DefaultRetransmitTimeout is how long an unacked, already-sent fragment
// waits before NextSendingFragment offers it again.
const DefaultRetransmitTimeout = 4 * time.Second

// NoAck is the sentinel meaning "no ACK to piggyback".
const NoAck = -1

// Fragment is one chunk of an IP datagram plus its sequencing metadata.
type Fragment struct {
	SeqID      uint8
	Data       []byte
	Start      bool
	End        bool
	Compressed bool
	// AckOther carries a piggybacked ACK for the opposite direction, or
	// NoAck.
	AckOther int
}

type slot struct {
	occupied bool
	sent     bool
	acked    bool
	sentAt   time.Time
	frag     Fragment
}

// Buffer is a ring of fragment slots with ACK tracking and reassembly.
type Buffer struct {
	capacity          int
	maxFragLen        int
	windowsize        int
	startSeqID        uint8
	length            int // occupied region size, from startSeqID
	start             int // ring index of the occupied region's head
	retransmitTimeout time.Duration
	slots             []slot
}

// New creates a Buffer. windowsize is the number of concurrently unacked
// fragments this buffer will allow in flight; capacity governs queue depth
// (how many fragments may be queued awaiting a turn in the active window)
// and must be < MaxWindowSlots (asserted here per spec.md §9).
func New(windowsize, capacity, maxFragLen int) *Buffer {
	if capacity <= 0 || capacity >= MaxWindowSlots {
		panic("window: capacity must be 0 < capacity < MaxWindowSlots")
	}
	if windowsize <= 0 {
		windowsize = capacity
	}
	return &Buffer{
		capacity:          capacity,
		maxFragLen:        maxFragLen,
		windowsize:        windowsize,
		retransmitTimeout: DefaultRetransmitTimeout,
		slots:             make([]slot, capacity),
	}
}

// Clear resets the buffer to an empty window starting at seq 0, mirroring
// window_buffer_clear() called on version negotiation.
func (b *Buffer) Clear() {
	b.startSeqID = 0
	b.length = 0
	b.start = 0
	for i := range b.slots {
		b.slots[i] = slot{}
	}
}

// SetMaxFragLen updates the outgoing fragment size, e.g. after an 'N'
// command recomputes maxfraglen.
func (b *Buffer) SetMaxFragLen(n int) { b.maxFragLen = n }

// MaxFragLen returns the configured maximum fragment payload size.
func (b *Buffer) MaxFragLen() int { return b.maxFragLen }

// WindowSize returns the configured concurrent-unacked-fragment limit.
func (b *Buffer) WindowSize() int { return b.windowsize }

// SetWindowSize updates the window size, e.g. from a negotiated ping header.
func (b *Buffer) SetWindowSize(n int) {
	if n > 0 {
		b.windowsize = n
	}
}

// StartSeqID returns the current base sequence id of the window.
func (b *Buffer) StartSeqID() uint8 { return b.startSeqID }

// Length returns the number of fragments currently queued (sent or not).
func (b *Buffer) Length() int { return b.length }

// Sending returns how many fragments are currently send-eligible: queued,
// unacked, within the active window, and either unsent or past their
// retransmit timeout — used by the scheduler to compute
// window_capacity / quota.
func (b *Buffer) Sending() int {
	n := 0
	limit := b.length
	if b.windowsize < limit {
		limit = b.windowsize
	}
	for off := 0; off < limit; off++ {
		s := &b.slots[(b.start+off)%b.capacity]
		if s.occupied && !s.acked && (!s.sent || time.Since(s.sentAt) > b.retransmitTimeout) {
			n++
		}
	}
	return n
}

func (b *Buffer) freeSlots() int { return b.capacity - b.length }

// AddOutgoing splits data into fragments of at most maxFragLen bytes,
// assigning consecutive sequence ids starting at the current tail and
// flagging the first fragment Start and the last End. Returns false,
// without mutating the buffer, if free capacity is insufficient; the
// caller MUST NOT retry silently (spec.md §4.1).
func (b *Buffer) AddOutgoing(data []byte, compressed bool) bool {
	n := len(data)
	nFrags := 1
	if b.maxFragLen > 0 {
		nFrags = (n + b.maxFragLen - 1) / b.maxFragLen
		if nFrags == 0 {
			nFrags = 1
		}
	}
	if nFrags > b.freeSlots() {
		return false
	}

	tail := (b.start + b.length) % b.capacity
	for i := 0; i < nFrags; i++ {
		lo := i * b.maxFragLen
		hi := lo + b.maxFragLen
		if hi > n || b.maxFragLen <= 0 {
			hi = n
		}
		seq := b.startSeqID + uint8(b.length+i)
		idx := (tail + i) % b.capacity
		b.slots[idx] = slot{
			occupied: true,
			frag: Fragment{
				SeqID:      seq,
				Data:       append([]byte(nil), data[lo:hi]...),
				Start:      i == 0,
				End:        i == nFrags-1,
				Compressed: compressed,
				AckOther:   NoAck,
			},
		}
	}
	b.length += nFrags
	return true
}

// NextSendingFragment returns the oldest send-eligible fragment in the
// active window: one never sent, or sent but past its retransmit timeout.
// If a fragment is returned and ackRef is non-nil, the fragment's AckOther
// is set from *ackRef and *ackRef is reset to NoAck — the ACK is consumed
// the instant it is embedded in a frame (spec.md §8 invariant 4). Returns
// nil if nothing is currently sendable.
func (b *Buffer) NextSendingFragment(ackRef *int) *Fragment {
	limit := b.length
	if b.windowsize < limit {
		limit = b.windowsize
	}
	for off := 0; off < limit; off++ {
		idx := (b.start + off) % b.capacity
		s := &b.slots[idx]
		if !s.occupied || s.acked {
			continue
		}
		if s.sent && time.Since(s.sentAt) <= b.retransmitTimeout {
			continue
		}
		s.sent = true
		s.sentAt = time.Now()
		f := s.frag
		if ackRef != nil {
			f.AckOther = *ackRef
			*ackRef = NoAck
		} else {
			f.AckOther = NoAck
		}
		return &f
	}
	return nil
}

// ProcessIncomingFragment places frag at offset frag.SeqID - startSeqID
// (mod 256) if inside the window. Duplicates are idempotent; fragments
// outside the window are dropped. Returns the sequence id to ACK, which in
// this design is always the received fragment's id.
func (b *Buffer) ProcessIncomingFragment(frag Fragment) (ackID uint8, accepted bool) {
	offset := int(frag.SeqID - b.startSeqID)
	if offset < 0 || offset >= b.capacity {
		return frag.SeqID, false
	}
	idx := (b.start + offset) % b.capacity
	b.slots[idx] = slot{occupied: true, frag: frag}
	if offset+1 > b.length {
		b.length = offset + 1
	}
	return frag.SeqID, true
}

// Reassemble copies out the concatenation of a contiguous Start...End run
// at the window head, advances startSeqID past it, and frees those slots.
// Returns the byte count, or 0 if the head does not currently hold a
// complete run. A reassembled datagram is never delivered twice: the slots
// it was built from are cleared before returning.
func (b *Buffer) Reassemble() (data []byte, compressed bool, ok bool) {
	if b.length == 0 {
		return nil, false, false
	}
	head := &b.slots[b.start%b.capacity]
	if !head.occupied || !head.frag.Start {
		return nil, false, false
	}

	run := 0
	for run < b.length {
		idx := (b.start + run) % b.capacity
		s := &b.slots[idx]
		if !s.occupied {
			return nil, false, false
		}
		run++
		if s.frag.End {
			break
		}
	}
	last := &b.slots[(b.start+run-1)%b.capacity]
	if !last.frag.End {
		// No End fragment present yet: incomplete datagram.
		return nil, false, false
	}

	var out []byte
	compressed = head.frag.Compressed
	for i := 0; i < run; i++ {
		idx := (b.start + i) % b.capacity
		out = append(out, b.slots[idx].frag.Data...)
		b.slots[idx] = slot{}
	}
	b.start = (b.start + run) % b.capacity
	b.startSeqID += uint8(run)
	b.length -= run
	return out, compressed, true
}

// Ack marks the fragment at seqID's offset as acknowledged. If it is the
// window head, startSeqID advances and all newly-contiguous acked
// fragments are freed. startSeqID only ever advances (spec.md §8
// invariant 3).
func (b *Buffer) Ack(seqID uint8) {
	offset := int(seqID - b.startSeqID)
	if offset < 0 || offset >= b.length {
		return
	}
	idx := (b.start + offset) % b.capacity
	if !b.slots[idx].occupied {
		return
	}
	b.slots[idx].acked = true

	for b.length > 0 {
		head := &b.slots[b.start%b.capacity]
		if !head.occupied || !head.acked {
			break
		}
		*head = slot{}
		b.start = (b.start + 1) % b.capacity
		b.startSeqID++
		b.length--
	}
}

// Tick advances retransmit timers: fragments sent more than
// retransmitTimeout ago without being acked become send-eligible again.
// It must be called both before selecting a fragment to send and after
// enqueuing user data (spec.md §4.1) — NextSendingFragment already checks
// elapsed time directly, so Tick here is the explicit hook callers use to
// match that calling convention and to give tests a deterministic point to
// assert against.
func (b *Buffer) Tick() {
	limit := b.length
	if b.windowsize < limit {
		limit = b.windowsize
	}
	for off := 0; off < limit; off++ {
		idx := (b.start + off) % b.capacity
		s := &b.slots[idx]
		if s.occupied && s.sent && !s.acked && time.Since(s.sentAt) > b.retransmitTimeout {
			s.sent = false
		}
	}
}

// SetRetransmitTimeout overrides the default retransmit timer, mainly for
// tests that need deterministic timing.
func (b *Buffer) SetRetransmitTimeout(d time.Duration) { b.retransmitTimeout = d }
