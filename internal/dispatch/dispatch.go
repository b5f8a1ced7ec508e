// Package dispatch implements the request dispatcher of spec.md §4.4: it
// classifies an inbound query under the parent label and routes it to the
// matching command handler, mutating session state and the per-user
// window/QMEM/DNSCACHE rings as it goes.
package dispatch

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"dnstunneld/internal/codec"
	"dnstunneld/internal/session"
	"dnstunneld/internal/srverr"
	"dnstunneld/internal/wire"
	"dnstunneld/internal/window"
)

// ProtocolVersion is the wire protocol id this server speaks; clients send
// it during the V handshake.
const ProtocolVersion uint32 = 0x00000502

// Action tells the caller what to do with a Result that carries no
// immediate reply.
type Action int

const (
	ActionReply Action = iota
	ActionParked
	ActionForward
	ActionDrop
)

// Result is the outcome of handling one inbound query.
type Result struct {
	Action Action
	Reply  *dns.Msg
}

// Dispatcher holds the configuration and shared state the command handlers
// need: the user table, the parent label, and operational toggles.
type Dispatcher struct {
	ParentLabel   string // dot-terminated, e.g. "t.test."
	Table         *session.Table
	CheckSourceIP bool
	AdvertisedIP  net.IP
	Netmask       *net.IPNet
	TunnelBase    net.IP
	MTU           int
	PasswordHash  func(seed uint32) []byte // returns expected HMAC-like hash for seed
	Log           zerolog.Logger
}

// Handle classifies q and runs the matching command handler (spec.md
// §4.4). It never returns an error: handlers either produce a protocol
// reply, park the query, request forwarding, or drop it silently, per
// spec.md §7's policy that handlers never propagate errors upward.
func (d *Dispatcher) Handle(q *wire.Query) Result {
	if q.ID == 0 {
		return Result{Action: ActionDrop}
	}

	if !strings.HasSuffix(strings.ToLower(q.Name), strings.ToLower(d.ParentLabel)) {
		return Result{Action: ActionForward}
	}

	lower := strings.ToLower(q.Name)
	if strings.HasPrefix(lower, "ns.") && q.Type == dns.TypeA {
		return Result{Action: ActionReply, Reply: wire.NSHostA(q, d.AdvertisedIP)}
	}
	if strings.HasPrefix(lower, "www.") && q.Type == dns.TypeA {
		return Result{Action: ActionReply, Reply: wire.WWWHostA(q)}
	}
	if q.Type == dns.TypeNS {
		return Result{Action: ActionReply, Reply: wire.NSAnswer(q, d.ParentLabel)}
	}

	payload, ok := stripParentLabel(q.Name, d.ParentLabel)
	if !ok || payload == "" {
		return Result{Action: ActionDrop}
	}

	switch payload[0] {
	case 'v', 'V':
		return d.handleVersion(q, payload[1:])
	case 'l', 'L':
		return d.handleLogin(q, payload[1:])
	case 'i', 'I':
		return d.handleClientIP(q, payload[1:])
	case 'z', 'Z':
		return Result{Action: ActionReply, Reply: wire.BuildAnswer(q, []byte(q.Name), 'T', codec.NewCMC(), d.ParentLabel)}
	case 's', 'S':
		return d.handleSwitchCodec(q, payload[1:])
	case 'o', 'O':
		return d.handleSetOptions(q, payload[1:])
	case 'y', 'Y':
		return d.handleCodecProbe(q, payload[1:])
	case 'r', 'R':
		return d.handleFragsizeProbe(q, payload[1:])
	case 'n', 'N':
		return d.handleCommitFragsize(q, payload[1:])
	case 'p', 'P':
		return d.handlePing(q, payload[1:])
	default:
		return d.handleUpstreamData(q, payload)
	}
}

// stripParentLabel removes dots and the parent suffix, returning the raw
// concatenated label characters that carry the command payload.
func stripParentLabel(name, parent string) (string, bool) {
	lower := strings.ToLower(name)
	lowerParent := strings.ToLower(parent)
	if !strings.HasSuffix(lower, lowerParent) {
		return "", false
	}
	prefix := name[:len(name)-len(parent)]
	prefix = strings.TrimSuffix(prefix, ".")
	return strings.ReplaceAll(prefix, ".", ""), true
}

func slotFromNibble(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}

func (d *Dispatcher) handleVersion(q *wire.Query, rest string) Result {
	raw, err := codec.B32.DecodeFold(rest)
	if err != nil || len(raw) < 4 {
		return Result{Action: ActionDrop}
	}
	clientVersion := binary.BigEndian.Uint32(raw[:4])

	cmc := codec.NewCMC()
	if clientVersion != ProtocolVersion {
		body := append([]byte("VNAK"), encodeU32(ProtocolVersion)...)
		body = append(body, 0)
		return Result{Action: ActionReply, Reply: wire.BuildAnswer(q, body, 'T', cmc, d.ParentLabel)}
	}

	slot := d.Table.FreeSlot()
	if slot == nil {
		body := append([]byte("VFUL"), byte(d.Table.Count()))
		return Result{Action: ActionReply, Reply: wire.BuildAnswer(q, body, 'T', cmc, d.ParentLabel)}
	}

	var seedBuf [4]byte
	rand.Read(seedBuf[:])
	seed := binary.BigEndian.Uint32(seedBuf[:])
	slot.Seed = seed
	slot.State = session.StateVersionAcked
	slot.SourceAddr = q.From

	body := append([]byte("VACK"), seedBuf[:]...)
	body = append(body, byte(slot.ID))
	return Result{Action: ActionReply, Reply: wire.BuildAnswer(q, body, 'T', cmc, d.ParentLabel)}
}

func (d *Dispatcher) handleLogin(q *wire.Query, rest string) Result {
	if len(rest) < 1 {
		return Result{Action: ActionDrop}
	}
	slotID, ok := slotFromNibble(rest[0])
	if !ok {
		return Result{Action: ActionDrop}
	}
	slot := d.Table.BySlotID(slotID)
	if slot == nil || slot.State == session.StateUnallocated {
		return Result{Action: ActionDrop}
	}
	if d.CheckSourceIP && slot.SourceAddr != nil && !slot.SourceMatches(q.From) {
		return Result{Action: ActionReply, Reply: wire.TextAnswer(q, "BADIP", 'T', slot.CMC, d.ParentLabel)}
	}

	hash, err := codec.B32.DecodeFold(rest[1:])
	if err != nil || len(hash) < 16 {
		return Result{Action: ActionReply, Reply: wire.TextAnswer(q, "LNAK", 'T', slot.CMC, d.ParentLabel)}
	}
	expected := d.PasswordHash(slot.Seed)
	if !hmacEqual(hash[:16], expected) {
		return Result{Action: ActionReply, Reply: wire.TextAnswer(q, "LNAK", 'T', slot.CMC, d.ParentLabel)}
	}

	tunnelIP := tunnelIPForSlot(d.TunnelBase, slot.ID)
	slot.TunnelIP = tunnelIP
	slot.SourceAddr = q.From
	slot.State = session.StateAuthenticated

	ones, _ := d.Netmask.Mask.Size()
	reply := tunnelIP.String() + "-" + serverIPString(d.AdvertisedIP) + "-" + strconv.Itoa(d.MTU) + "-" + strconv.Itoa(ones)
	return Result{Action: ActionReply, Reply: wire.TextAnswer(q, reply, 'T', slot.CMC, d.ParentLabel)}
}

func (d *Dispatcher) handleClientIP(q *wire.Query, rest string) Result {
	ip := destinationIP(q.Destination)
	if ip4 := ip.To4(); ip4 != nil {
		body := append([]byte{'4'}, ip4...)
		return Result{Action: ActionReply, Reply: wire.TextAnswer(q, string(body), 'T', codec.NewCMC(), d.ParentLabel)}
	}
	body := append([]byte{'6'}, ip.To16()...)
	return Result{Action: ActionReply, Reply: wire.TextAnswer(q, string(body), 'T', codec.NewCMC(), d.ParentLabel)}
}

func (d *Dispatcher) handleSwitchCodec(q *wire.Query, rest string) Result {
	slot, res, done := d.slotFromLabel(q, rest)
	if done {
		return res
	}
	n, convErr := strconv.Atoi(rest[1:])
	if convErr != nil {
		return Result{Action: ActionReply, Reply: wire.TextAnswer(q, "BADCODEC", 'T', slot.CMC, d.ParentLabel)}
	}
	enc, ok := codec.ByCodecID(n)
	if !ok {
		return Result{Action: ActionReply, Reply: wire.TextAnswer(q, "BADCODEC", 'T', slot.CMC, d.ParentLabel)}
	}
	slot.UpstreamCodec = byte(n)
	return Result{Action: ActionReply, Reply: wire.TextAnswer(q, enc.Name, 'T', slot.CMC, d.ParentLabel)}
}

func (d *Dispatcher) handleSetOptions(q *wire.Query, rest string) Result {
	slot, res, done := d.slotFromLabel(q, rest)
	if done {
		return res
	}
	opts := rest[1:]
	for _, c := range opts {
		switch c {
		case 'T', 'S', 'U', 'V', 'R':
			slot.DownstreamCodec = byte(c)
		case 'L':
			slot.Lazy = true
		case 'I':
			slot.Lazy = false
		case 'C':
			slot.Compression = true
		case 'D':
			slot.Compression = false
		default:
			return Result{Action: ActionReply, Reply: wire.TextAnswer(q, "BADCODEC", 'T', slot.CMC, d.ParentLabel)}
		}
	}
	return Result{Action: ActionReply, Reply: wire.TextAnswer(q, opts, slot.DownstreamCodec, slot.CMC, d.ParentLabel)}
}

func (d *Dispatcher) handleCodecProbe(q *wire.Query, rest string) Result {
	slot, res, done := d.slotFromLabel(q, rest)
	if done {
		return res
	}
	if _, _, ok := codec.ByDownstreamLetter(slot.DownstreamCodec); !ok && slot.DownstreamCodec != 'R' {
		return Result{Action: ActionReply, Reply: wire.TextAnswer(q, "BADCODEC", 'T', slot.CMC, d.ParentLabel)}
	}
	vector := []byte("0123456789ABCDEFabcdef")
	return Result{Action: ActionReply, Reply: wire.BuildAnswer(q, vector, slot.DownstreamCodec, slot.CMC, d.ParentLabel)}
}

func (d *Dispatcher) handleFragsizeProbe(q *wire.Query, rest string) Result {
	slot, res, done := d.slotFromLabel(q, rest)
	if done {
		return res
	}
	n, err := strconv.Atoi(rest[1:])
	if err != nil || n < 2 || n > 2047 {
		return Result{Action: ActionReply, Reply: wire.TextAnswer(q, "BADFRAG", 'T', slot.CMC, d.ParentLabel)}
	}
	buf := make([]byte, n)
	if n > 0 {
		buf[0] = byte(n >> 8)
	}
	if n > 1 {
		buf[1] = byte(n)
	}
	if n > 2 {
		buf[2] = 107
	}
	if n > 3 {
		var seedByte [1]byte
		rand.Read(seedByte[:])
		buf[3] = seedByte[0]
		for i := 4; i < n; i++ {
			buf[i] = buf[i-1] + 107
		}
	}
	return Result{Action: ActionReply, Reply: wire.BuildAnswer(q, buf, slot.DownstreamCodec, slot.CMC, d.ParentLabel)}
}

func (d *Dispatcher) handleCommitFragsize(q *wire.Query, rest string) Result {
	slot, res, done := d.slotFromLabel(q, rest)
	if done {
		return res
	}
	n, err := strconv.Atoi(rest[1:])
	if err != nil || n < 2 || n > 2047 {
		return Result{Action: ActionReply, Reply: wire.TextAnswer(q, "BADFRAG", 'T', slot.CMC, d.ParentLabel)}
	}
	_, bits, ok := codec.ByDownstreamLetter(slot.DownstreamCodec)
	if !ok {
		bits = 8
	}
	const pingHeaderSize = 7
	maxFrag := (bits*n)/8 - pingHeaderSize
	if maxFrag < 1 {
		maxFrag = 1
	}
	slot.MaxDownstreamFrag = maxFrag
	slot.Outgoing.SetMaxFragLen(maxFrag)
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, uint16(n))
	return Result{Action: ActionReply, Reply: wire.TextAnswer(q, string(body), 'T', slot.CMC, d.ParentLabel)}
}

func (d *Dispatcher) handlePing(q *wire.Query, rest string) Result {
	slot, res, done := d.slotFromLabel(q, rest)
	if done {
		return res
	}
	raw, err := codec.B32.DecodeFold(rest[1:])
	if err != nil || len(raw) < 9 {
		return Result{Action: ActionDrop}
	}
	ack := raw[1]
	flags := raw[8]
	ackValid := flags&0x04 != 0
	applyTimeout := flags&0x08 != 0
	respondNow := flags&0x01 != 0

	if ackValid {
		slot.Outgoing.Ack(ack)
	}
	if applyTimeout {
		timeoutMs := binary.BigEndian.Uint16(raw[6:8])
		slot.QueryTimeout = msToDuration(timeoutMs)
	}
	if respondNow {
		slot.SendPingNext = true
	}

	dup, qerr := slot.QMEM.Append(q)
	if dup {
		return Result{Action: ActionReply, Reply: wire.IllegalAnswer(q, slot.CMC, d.ParentLabel)}
	}
	if qerr != nil {
		return Result{Action: ActionDrop}
	}
	return Result{Action: ActionParked}
}

func (d *Dispatcher) handleUpstreamData(q *wire.Query, payload string) Result {
	if len(payload) < 1 {
		return Result{Action: ActionDrop}
	}
	slotID, ok := slotFromNibble(payload[0])
	if !ok {
		return Result{Action: ActionDrop}
	}
	slot := d.Table.BySlotID(slotID)
	if slot == nil || !slot.Authenticated() {
		return Result{Action: ActionDrop}
	}
	if d.CheckSourceIP && !slot.SourceMatches(q.From) {
		return Result{Action: ActionReply, Reply: wire.TextAnswer(q, "BADIP", 'T', slot.CMC, d.ParentLabel)}
	}

	if answer, hit := slot.DNSCache.Lookup(q.Type, q.Name); hit {
		msg := new(dns.Msg)
		if err := msg.Unpack(answer); err == nil {
			return Result{Action: ActionReply, Reply: msg}
		}
	}

	if len(payload) < 7 {
		return Result{Action: ActionDrop}
	}
	headerRaw, err := codec.B32.DecodeFold(payload[2:7])
	if err != nil || len(headerRaw) < 3 {
		return Result{Action: ActionDrop}
	}
	seqID := headerRaw[0]
	ackID := headerRaw[1]
	flags := headerRaw[2]
	ackValid := flags&0x08 != 0
	compressed := flags&0x04 != 0
	start := flags&0x02 != 0
	end := flags&0x01 != 0

	enc, ok := codec.ByCodecID(int(slot.UpstreamCodec))
	if !ok {
		enc = codec.B32
	}
	body := payload[7:]
	var data []byte
	if enc == codec.B32 {
		data, err = enc.DecodeFold(body)
	} else {
		data, err = enc.Decode(body)
	}
	if err != nil {
		return Result{Action: ActionDrop}
	}

	frag := window.Fragment{SeqID: seqID, Data: data, Start: start, End: end, Compressed: compressed}
	if ackValid {
		frag.AckOther = int(ackID)
	} else {
		frag.AckOther = window.NoAck
	}
	returnedAck, accepted := slot.Incoming.ProcessIncomingFragment(frag)
	if accepted {
		slot.NextUpstreamAck = int(returnedAck)
	}

	dup, qerr := slot.QMEM.Append(q)
	if dup {
		return Result{Action: ActionReply, Reply: wire.IllegalAnswer(q, slot.CMC, d.ParentLabel)}
	}
	if qerr != nil {
		if e, ok := qerr.(*srverr.Error); ok {
			d.Log.Debug().Str("op", e.Op).Msg("dropping query, qmem full")
		}
		return Result{Action: ActionDrop}
	}
	return Result{Action: ActionParked}
}

// slotFromLabel resolves the slot id nibble at rest[0], and returns a
// ready-made error Result when validation fails so callers can one-line
// bail via `if done { return res }`.
func (d *Dispatcher) slotFromLabel(q *wire.Query, rest string) (*session.Slot, Result, bool) {
	if len(rest) < 1 {
		return nil, Result{Action: ActionDrop}, true
	}
	id, ok := slotFromNibble(rest[0])
	if !ok {
		return nil, Result{Action: ActionDrop}, true
	}
	slot := d.Table.BySlotID(id)
	if slot == nil || !slot.Authenticated() {
		return nil, Result{Action: ActionDrop}, true
	}
	if d.CheckSourceIP && !slot.SourceMatches(q.From) {
		return nil, Result{Action: ActionReply, Reply: wire.TextAnswer(q, "BADIP", 'T', slot.CMC, d.ParentLabel)}, true
	}
	return slot, Result{}, false
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func tunnelIPForSlot(base net.IP, slotID int) net.IP {
	ip := make(net.IP, len(base.To4()))
	copy(ip, base.To4())
	ip[3] += byte(slotID + 2)
	return ip
}

func serverIPString(ip net.IP) string {
	if ip == nil {
		return "0.0.0.0"
	}
	return ip.String()
}

func destinationIP(addr net.Addr) net.IP {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP
	}
	return net.IPv4zero
}

func msToDuration(ms uint16) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
