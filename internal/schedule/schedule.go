// Package schedule implements the per-iteration scheduler of spec.md §4.5:
// for each live user it computes how many parked queries to drain this
// round, pairs them with outgoing fragments or dataless pings, and reports
// the soonest deadline the event loop should next wake for.
package schedule

import (
	"time"

	"dnstunneld/internal/dnscache"
	"dnstunneld/internal/qmem"
	"dnstunneld/internal/session"
	"dnstunneld/internal/wire"
	"dnstunneld/internal/window"
)

// DefaultDeadline is the wait timeout when no user has pending work.
const DefaultDeadline = 10 * time.Second

// Frame bit positions within the downstream flags byte (spec.md §6).
const (
	flagEnd        = 1 << 0
	flagStart      = 1 << 1
	flagCompressed = 1 << 2
	flagAckValid   = 1 << 3
	flagImmediate  = 1 << 4
	flagPing       = 1 << 5
)

// Frame is a downstream data/ping frame ready to be packaged by the wire
// codec and sent as the answer to one parked query.
type Frame struct {
	Query      *wire.Query
	SeqID      byte
	Ack        byte
	Flags      byte
	PingExtra  [4]byte // present only when flagPing is set
	Data       []byte
	Compressed bool
}

// Answerable is one query this tick decided to answer, paired with the
// frame to send for it.
type Answerable struct {
	Slot  *session.Slot
	Query *wire.Query
	Frame Frame
}

// Tick walks every slot, decides which parked queries to answer this
// round, and returns both the answers to emit and the next wait deadline.
func Tick(now time.Time, slots []*session.Slot) ([]Answerable, time.Duration) {
	var answers []Answerable
	deadline := DefaultDeadline

	for _, s := range slots {
		if !s.Authenticated() {
			continue
		}
		s.Outgoing.Tick()

		pending := s.QMEM.PendingQueries()
		if len(pending) == 0 {
			continue
		}

		quota := drainQuota(s)
		if !s.Lazy {
			quota = len(pending)
		}
		for i := range pending {
			q := pending[i]
			urgent := forcedNow(s, q, now) || i < quota
			if !urgent {
				if oldest, ok := s.QMEM.Oldest(); ok {
					if left := s.QueryTimeout - now.Sub(oldest); left > 0 && left < deadline {
						deadline = left
					}
				}
				break
			}

			frame := buildFrame(s, &q)
			answers = append(answers, Answerable{Slot: s, Query: &q, Frame: frame})
			if err := s.QMEM.Answered(); err != nil {
				continue
			}
		}
	}

	return answers, deadline
}

// drainQuota computes quota = max(window_capacity, excess) per spec.md
// §4.5.
func drainQuota(s *session.Slot) int {
	windowCapacity := s.Outgoing.Sending()
	excess := s.QMEM.NumPending() - s.Outgoing.WindowSize()
	if excess < 0 {
		excess = 0
	}
	if windowCapacity > excess {
		return windowCapacity
	}
	return excess
}

// forcedNow reports whether a query must be answered this tick regardless
// of quota: its deadline has elapsed, the user owes an upstream ACK, or a
// one-shot ping was armed.
func forcedNow(s *session.Slot, q wire.Query, now time.Time) bool {
	if now.Sub(q.TimeRecv) >= s.QueryTimeout {
		return true
	}
	if s.NextUpstreamAck != window.NoAck {
		return true
	}
	if s.SendPingNext {
		return true
	}
	return false
}

// buildFrame renders the downstream frame for one answered query: a data
// fragment if one is sendable, otherwise a dataless ping carrying window
// state and any owed ACK.
func buildFrame(s *session.Slot, q *wire.Query) Frame {
	ackRef := window.NoAck
	frag := s.Outgoing.NextSendingFragment(&ackRef)

	frame := Frame{Query: q}

	if s.NextUpstreamAck != window.NoAck {
		frame.Ack = byte(s.NextUpstreamAck)
		frame.Flags |= flagAckValid
		s.NextUpstreamAck = window.NoAck // invariant 4: reset the instant it's emitted
	}

	if frag != nil {
		frame.SeqID = frag.SeqID
		frame.Data = frag.Data
		frame.Compressed = frag.Compressed
		if frag.Start {
			frame.Flags |= flagStart
		}
		if frag.End {
			frame.Flags |= flagEnd
		}
		if frag.Compressed {
			frame.Flags |= flagCompressed
		}
		if frag.AckOther != window.NoAck {
			frame.Ack = byte(frag.AckOther)
			frame.Flags |= flagAckValid
		}
		return frame
	}

	// No data: dataless ping frame.
	frame.Flags |= flagPing
	if s.SendPingNext {
		frame.Flags |= flagImmediate
		s.SendPingNext = false
	}
	frame.PingExtra = [4]byte{
		byte(s.Outgoing.WindowSize()),
		byte(s.Incoming.WindowSize()),
		byte(s.Outgoing.StartSeqID()),
		byte(s.Incoming.StartSeqID()),
	}
	return frame
}

// RecordAnswer stores the emitted bytes in DNSCACHE, per spec.md §4.5
// ("after emitting, the scheduler calls ... DNSCACHE-store").
func RecordAnswer(cache *dnscache.Ring, q *wire.Query, answerBytes []byte) {
	cache.Save(q.ID, q.Type, q.Name, answerBytes)
}

// MarkAnsweredDebug is a thin indirection kept distinct from qmem.Ring's
// own Answered so callers can attach slot-id context for the debug log
// spec.md §7 requires on a stray Answered()-with-no-pending call.
func MarkAnsweredDebug(r *qmem.Ring) error {
	return r.Answered()
}
