package server

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"dnstunneld/internal/rawmode"
	"dnstunneld/internal/session"
	"dnstunneld/internal/tun"
	"dnstunneld/internal/wire"
)

func TestDestinationIPv4ParsesHeader(t *testing.T) {
	packet := make([]byte, 20)
	packet[0] = 0x45 // version 4, IHL 5
	packet[16], packet[17], packet[18], packet[19] = 10, 1, 1, 5

	ip := destinationIPv4(packet)
	if ip == nil || ip.String() != "10.1.1.5" {
		t.Fatalf("got %v, want 10.1.1.5", ip)
	}
}

func TestDestinationIPv4RejectsShortOrNonV4(t *testing.T) {
	if destinationIPv4([]byte{1, 2, 3}) != nil {
		t.Fatal("expected nil for short packet")
	}
	v6ish := make([]byte, 20)
	v6ish[0] = 0x60
	if destinationIPv4(v6ish) != nil {
		t.Fatal("expected nil for non-IPv4 header")
	}
}

// TestForwardedQueryRoundTrip exercises the whole relay path: a forwarded
// query goes out the persistent forwarding socket, and the sibling
// resolver's reply comes back to the original requester, consuming the
// forwarded-query table entry exactly once.
func TestForwardedQueryRoundTrip(t *testing.T) {
	clientFacing, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer clientFacing.Close()

	requester, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer requester.Close()

	resolver, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer resolver.Close()

	cfg := Config{ForwardAddr: resolver.LocalAddr().String()}
	s := New(cfg, []Listener{{Conn: clientFacing, Family: "udp4"}}, nil, zerolog.Nop())
	if s.fwdConn == nil {
		t.Fatal("expected forwarding socket to be created")
	}
	defer s.fwdConn.Close()

	dg := inboundDatagram{data: []byte("forwarded-query"), from: requester.LocalAddr()}
	q := &wire.Query{ID: 42}
	s.forwardQuery(dg, q)

	buf := make([]byte, 1500)
	resolver.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := resolver.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "forwarded-query" {
		t.Fatalf("resolver got %q", buf[:n])
	}

	reply := new(dns.Msg)
	reply.Id = 42
	packed, err := reply.Pack()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := resolver.WriteTo(packed, from); err != nil {
		t.Fatal(err)
	}

	s.fwdConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rn, _, err := s.fwdConn.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	s.handleForwardedReply(append([]byte{}, buf[:rn]...))

	if _, ok := s.fwd.Take(42); ok {
		t.Fatal("forwarded-query entry should be consumed exactly once")
	}

	requester.SetReadDeadline(time.Now().Add(2 * time.Second))
	rn2, _, err := requester.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected relayed reply at original requester: %v", err)
	}
	got := new(dns.Msg)
	if err := got.Unpack(buf[:rn2]); err != nil {
		t.Fatal(err)
	}
	if got.Id != 42 {
		t.Fatalf("expected id 42, got %d", got.Id)
	}
}

// TestRawModeLoginDataPing exercises the raw-UDP fast path end to end: a
// DNS-authenticated slot completes the raw login challenge, then both data
// and ping commands are accepted only once raw-authenticated.
func TestRawModeLoginDataPing(t *testing.T) {
	clientFacing, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer clientFacing.Close()

	rawClient, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer rawClient.Close()

	device := tun.NewMemDevice("dnst0")
	cfg := Config{
		CheckSourceIP: true,
		PasswordHash: func(seed uint32) []byte {
			h := make([]byte, 16)
			h[0] = byte(seed)
			h[1] = byte(seed >> 8)
			return h
		},
	}
	s := New(cfg, []Listener{{Conn: clientFacing, Family: "udp4"}}, device, zerolog.Nop())

	slot := s.table.BySlotID(0)
	slot.State = session.StateAuthenticated
	slot.Seed = 100
	slot.SourceAddr = rawClient.LocalAddr()

	loginBody := rawmode.BuildLogin(0, cfg.PasswordHash(101))
	hdr, body, ok := rawmode.Parse(loginBody)
	if !ok {
		t.Fatal("failed to parse login datagram")
	}
	dg := inboundDatagram{data: loginBody, from: rawClient.LocalAddr(), conn: s.conns[0]}
	s.handleRawDatagram(dg, hdr, body)
	if slot.State != session.StateRawAuthenticated {
		t.Fatalf("expected raw-authenticated state, got %v", slot.State)
	}

	buf := make([]byte, 512)
	rawClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := rawClient.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	replyHdr, replyBody, ok := rawmode.Parse(buf[:n])
	if !ok || replyHdr.Command != rawmode.CmdLogin {
		t.Fatalf("expected login reply, got hdr=%+v ok=%v", replyHdr, ok)
	}
	want := cfg.PasswordHash(99)
	if string(replyBody) != string(want) {
		t.Fatalf("login reply hash mismatch: got %x want %x", replyBody, want)
	}

	dataDg := inboundDatagram{from: rawClient.LocalAddr(), conn: s.conns[0]}
	dataHdr, dataBody, ok := rawmode.Parse(rawmode.BuildData(0, []byte("tunnel-packet")))
	if !ok {
		t.Fatal("failed to parse data datagram")
	}
	s.handleRawDatagram(dataDg, dataHdr, dataBody)
	select {
	case w := <-device.Written():
		if string(w) != "tunnel-packet" {
			t.Fatalf("tun got %q", w)
		}
	default:
		t.Fatal("expected raw data to reach the virtual interface")
	}

	pingHdr, pingBody, ok := rawmode.Parse(rawmode.BuildPing(0))
	if !ok {
		t.Fatal("failed to parse ping datagram")
	}
	s.handleRawDatagram(dataDg, pingHdr, pingBody)
	rawClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	n2, _, err := rawClient.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	pingReplyHdr, _, ok := rawmode.Parse(buf[:n2])
	if !ok || pingReplyHdr.Command != rawmode.CmdPing {
		t.Fatalf("expected ping reply, got hdr=%+v ok=%v", pingReplyHdr, ok)
	}
}
