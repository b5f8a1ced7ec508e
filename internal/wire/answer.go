package wire

import (
	"encoding/hex"

	"github.com/miekg/dns"

	"dnstunneld/internal/codec"
)

// maxEncodedNameChars bounds how many encoded characters one hostname-style
// answer (CNAME/MX/SRV) can carry: 255 byte FQDN limit minus label dots,
// the 2-char pseudo-TLD label, its dot, the owner suffix, and its dot.
func maxEncodedNameChars(suffix string) int {
	budget := 255 - len(suffix) - 1 /* dot before suffix */ - 3 /* td label + dot */
	if budget < 16 {
		budget = 16
	}
	// Label dots: one dot every 63 chars of payload.
	budget -= budget / codec.MaxLabelLen
	return budget
}

// BuildAnswer renders data as a reply to q using the requested downstream
// codec, packaging it into the resource record type matching q.Type per
// spec.md §6 (NULL/PRIVATE raw; CNAME/A/MX/SRV hostname-encoded; TXT
// marker-prefixed). suffix is the session's parent-label suffix
// (dot-terminated, e.g. "t.test.").
func BuildAnswer(q *Query, data []byte, downenc byte, cmc *codec.CMC, suffix string) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(&dns.Msg{MsgHdr: dns.MsgHdr{Id: q.ID}, Question: []dns.Question{{Name: q.Name, Qtype: q.Type, Qclass: dns.ClassINET}}})
	msg.Id = q.ID
	msg.Compress = true

	switch q.Type {
	case dns.TypeCNAME, dns.TypeA:
		marker, enc := codec.DownstreamMarker(downenc)
		target := codec.BuildHostname(marker, data, enc, cmc, suffix)
		msg.Answer = append(msg.Answer, &dns.CNAME{
			Hdr:    dns.RR_Header{Name: q.Name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 0},
			Target: target,
		})
	case dns.TypeMX:
		marker, enc := codec.DownstreamMarker(downenc)
		for _, target := range chunkIntoNames(data, marker, enc, cmc, suffix) {
			msg.Answer = append(msg.Answer, &dns.MX{
				Hdr:        dns.RR_Header{Name: q.Name, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: 0},
				Preference: 10,
				Mx:         target,
			})
		}
	case dns.TypeSRV:
		marker, enc := codec.DownstreamMarker(downenc)
		for _, target := range chunkIntoNames(data, marker, enc, cmc, suffix) {
			msg.Answer = append(msg.Answer, &dns.SRV{
				Hdr:      dns.RR_Header{Name: q.Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 0},
				Priority: 1,
				Weight:   1,
				Port:     1,
				Target:   target,
			})
		}
	case dns.TypeTXT:
		marker, enc := codec.TXTMarker(downenc)
		var payload []byte
		if enc == nil { // raw
			payload = append([]byte{marker}, data...)
		} else {
			payload = append([]byte{marker}, []byte(enc.Encode(data))...)
		}
		msg.Answer = append(msg.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 0},
			Txt: chunkTXTStrings(payload),
		})
	case TypePrivate:
		msg.Answer = append(msg.Answer, rfc3597(q.Name, TypePrivate, data))
	default: // TypeNULL and anything else transparent per spec.md §4.4
		msg.Answer = append(msg.Answer, &dns.NULL{
			Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeNULL, Class: dns.ClassINET, Ttl: 0},
			Data: string(data),
		})
	}
	return msg
}

// chunkIntoNames splits data across as many encoded hostnames as needed to
// carry it all, mirroring write_dns_nameenc's loop for MX/SRV answers.
func chunkIntoNames(data []byte, marker byte, enc *codec.Encoder, cmc *codec.CMC, suffix string) []string {
	if len(data) == 0 {
		return []string{codec.BuildHostname(marker, nil, enc, cmc, suffix)}
	}
	maxChars := maxEncodedNameChars(suffix) - 1 // marker byte
	maxRaw := enc.RawLen(maxChars)
	if maxRaw < 1 {
		maxRaw = 1
	}
	var names []string
	for offset := 0; offset < len(data); offset += maxRaw {
		end := offset + maxRaw
		if end > len(data) {
			end = len(data)
		}
		names = append(names, codec.BuildHostname(marker, data[offset:end], enc, cmc, suffix))
	}
	return names
}

// chunkTXTStrings splits payload into <=255-byte character-strings, the
// limit miekg/dns enforces per TXT string.
func chunkTXTStrings(payload []byte) []string {
	const max = 255
	if len(payload) == 0 {
		return []string{""}
	}
	var out []string
	for i := 0; i < len(payload); i += max {
		end := i + max
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, string(payload[i:end]))
	}
	return out
}

// rfc3597 builds a generic "unknown type" record for PRIVATE-type answers,
// since miekg/dns has no built-in RR for iodine's non-standard type.
func rfc3597(name string, rrtype uint16, data []byte) dns.RR {
	rr := &dns.RFC3597{Hdr: dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: 0}}
	rr.Rdata = hex.EncodeToString(data)
	return rr
}

// IllegalAnswer builds the one-byte "x" reply qmem sends on a detected
// duplicate query, always base32-encoded regardless of the user's
// negotiated downstream codec (spec.md §4.2).
func IllegalAnswer(q *Query, cmc *codec.CMC, suffix string) *dns.Msg {
	return BuildAnswer(q, []byte("x"), 'T', cmc, suffix)
}

// TextAnswer builds a plain textual reply (BADIP, BADCODEC, VACK, ...)
// using the given downstream codec, for command responses that are not
// tied to qmem/dnscache.
func TextAnswer(q *Query, text string, downenc byte, cmc *codec.CMC, suffix string) *dns.Msg {
	return BuildAnswer(q, []byte(text), downenc, cmc, suffix)
}
