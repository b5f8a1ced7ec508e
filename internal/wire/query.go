// Package wire adapts the DNS wire codec (github.com/miekg/dns) to the
// Query/answer shapes the tunnel core operates on. spec.md §1 names the DNS
// wire encoder/decoder as an external collaborator — this package is that
// collaborator, kept thin and free of QMEM/window/session logic.
package wire

import (
	"net"
	"time"

	"github.com/miekg/dns"
)

// TypePrivate is iodine's non-standard "PRIVATE" RR used instead of NULL
// when a nicer fit isn't available; it mirrors the original T_PRIVATE code
// point (RFC 3597 "unknown type" 65399).
const TypePrivate = 65399

// Query is an immutable snapshot of an inbound DNS query (spec.md §3).
type Query struct {
	ID          uint16
	Type        uint16
	Name        string // owner name as read off the wire, case preserved
	From        net.Addr
	Destination net.Addr // recovered from ancillary control data, if any
	TimeRecv    time.Time
}

// DecodeQuery extracts a Query snapshot from a parsed DNS message. Queries
// with more than one question, or zero questions, are rejected: iodine's
// protocol (and this tunnel) only ever sends single-question queries.
func DecodeQuery(msg *dns.Msg, from, destination net.Addr, recvTime time.Time) (*Query, bool) {
	if len(msg.Question) != 1 {
		return nil, false
	}
	q := msg.Question[0]
	return &Query{
		ID:          msg.Id,
		Type:        q.Qtype,
		Name:        q.Name,
		From:        from,
		Destination: destination,
		TimeRecv:    recvTime,
	}, true
}
