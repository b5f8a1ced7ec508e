package wire

import (
	"net"

	"github.com/miekg/dns"
)

// NSHostA builds the synthesised A answer for "ns.<parent>" queries
// (spec.md §4.4): the server's advertised address, or the query's arrival
// destination address if none was configured.
func NSHostA(q *Query, advertised net.IP) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(&dns.Msg{MsgHdr: dns.MsgHdr{Id: q.ID}})
	msg.Id = q.ID
	ip := advertised
	if ip == nil {
		ip = destinationIP(q.Destination)
	}
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 3600},
		A:   ip.To4(),
	})
	return msg
}

// WWWHostA builds the fixed loopback A answer for "www.<parent>" queries.
func WWWHostA(q *Query) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(&dns.Msg{MsgHdr: dns.MsgHdr{Id: q.ID}})
	msg.Id = q.ID
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 3600},
		A:   net.IPv4(127, 0, 0, 1),
	})
	return msg
}

// NSAnswer builds the NS response naming the server under the parent
// label, for direct type-NS queries.
func NSAnswer(q *Query, parentLabel string) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(&dns.Msg{MsgHdr: dns.MsgHdr{Id: q.ID}})
	msg.Id = q.ID
	msg.Answer = append(msg.Answer, &dns.NS{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 3600},
		Ns:  "ns." + parentLabel,
	})
	return msg
}

func destinationIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	default:
		return net.IPv4(0, 0, 0, 0)
	}
}
