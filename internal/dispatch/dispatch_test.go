package dispatch

import (
	"encoding/binary"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"dnstunneld/internal/codec"
	"dnstunneld/internal/session"
	"dnstunneld/internal/wire"
)

func newTestDispatcher() *Dispatcher {
	_, netmask, _ := net.ParseCIDR("10.1.1.0/27")
	return &Dispatcher{
		ParentLabel:  "t.test.",
		Table:        session.NewTable(8, 100),
		AdvertisedIP: net.IPv4(1, 2, 3, 4),
		Netmask:      netmask,
		TunnelBase:   net.IPv4(10, 1, 1, 0),
		MTU:          1200,
		PasswordHash: func(seed uint32) []byte { return make([]byte, 16) },
	}
}

func mkQuery(name string) *wire.Query {
	return &wire.Query{
		ID:       1234,
		Type:     65399,
		Name:     name,
		From:     &net.UDPAddr{IP: net.IPv4(9, 9, 9, 9), Port: 53535},
		TimeRecv: time.Now(),
	}
}

func TestVersionAccepted(t *testing.T) {
	d := newTestDispatcher()
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], ProtocolVersion)
	label := codec.B32.Encode(raw[:])
	q := mkQuery("v" + label + ".t.test.")

	res := d.Handle(q)
	if res.Action != ActionReply || res.Reply == nil {
		t.Fatalf("expected immediate reply, got %+v", res)
	}
	if len(res.Reply.Answer) != 1 {
		t.Fatalf("expected one answer RR, got %d", len(res.Reply.Answer))
	}
}

func TestVersionRejected(t *testing.T) {
	d := newTestDispatcher()
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], 0xDEADBEEF)
	label := codec.B32.Encode(raw[:])
	q := mkQuery("v" + label + ".t.test.")

	res := d.Handle(q)
	if res.Action != ActionReply || res.Reply == nil {
		t.Fatalf("expected reply, got %+v", res)
	}
}

func TestQueryIDZeroDropped(t *testing.T) {
	d := newTestDispatcher()
	q := mkQuery("zfoo.t.test.")
	q.ID = 0
	res := d.Handle(q)
	if res.Action != ActionDrop {
		t.Fatalf("expected drop for id=0, got %+v", res)
	}
}

func TestNotUnderParentLabelForwards(t *testing.T) {
	d := newTestDispatcher()
	q := mkQuery("example.com.")
	res := d.Handle(q)
	if res.Action != ActionForward {
		t.Fatalf("expected forward, got %+v", res)
	}
}

func TestDuplicateUpstreamFragmentGetsIllegalAnswer(t *testing.T) {
	d := newTestDispatcher()
	slot := d.Table.BySlotID(0)
	slot.State = session.StateAuthenticated
	slot.UpstreamCodec = 5
	slot.SourceAddr = &net.UDPAddr{IP: net.IPv4(9, 9, 9, 9), Port: 53535}

	header := []byte{1, 0, 0x03} // seq=1, ack=0, flags: start|end, no ack valid
	headerEnc := codec.B32.Encode(header)[:5]
	body := codec.B32.Encode([]byte("hello"))
	label := "0" + "a" + headerEnc + body + ".t.test."

	q := mkQuery(label)
	first := d.Handle(q)
	if first.Action != ActionParked {
		t.Fatalf("first delivery should park, got %+v", first)
	}
	if slot.Incoming.Length() == 0 {
		t.Fatal("expected fragment accepted into incoming window")
	}

	second := d.Handle(q)
	if second.Action != ActionReply {
		t.Fatalf("duplicate should get immediate illegal reply, got %+v", second)
	}
}

func TestFragsizeProbeWireLayout(t *testing.T) {
	d := newTestDispatcher()
	slot := d.Table.BySlotID(0)
	slot.State = session.StateAuthenticated
	slot.SourceAddr = &net.UDPAddr{IP: net.IPv4(9, 9, 9, 9), Port: 53535}

	q := mkQuery("r0100.t.test.")
	res := d.Handle(q)
	if res.Action != ActionReply || res.Reply == nil {
		t.Fatalf("expected reply, got %+v", res)
	}
	rr, ok := res.Reply.Answer[0].(*dns.RFC3597)
	if !ok {
		t.Fatalf("expected RFC3597 answer, got %T", res.Reply.Answer[0])
	}
	buf, err := hex.DecodeString(rr.Rdata)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(buf))
	}
	if buf[0] != 0 || buf[1] != 100 {
		t.Fatalf("expected echoed size 100 at buf[0..1], got %d %d", buf[0], buf[1])
	}
	if buf[2] != 107 {
		t.Fatalf("expected buf[2]=107, got %d", buf[2])
	}
	for i := 4; i < len(buf); i++ {
		if buf[i] != byte(buf[i-1]+107) {
			t.Fatalf("chain broken at %d: got %d, want %d", i, buf[i], byte(buf[i-1]+107))
		}
	}
}

func TestNSAndWWWHelpers(t *testing.T) {
	d := newTestDispatcher()
	nsQ := mkQuery("ns.t.test.")
	nsQ.Type = 1 // A
	res := d.Handle(nsQ)
	if res.Action != ActionReply {
		t.Fatalf("expected ns. reply, got %+v", res)
	}

	wwwQ := mkQuery("www.t.test.")
	wwwQ.Type = 1
	res = d.Handle(wwwQ)
	if res.Action != ActionReply {
		t.Fatalf("expected www. reply, got %+v", res)
	}
}
