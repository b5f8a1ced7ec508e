package window

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestFragmentRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 20)

	// 880 bytes at 16 bytes per fragment is 55 fragments: capacity and
	// window size must both cover them so every fragment is sent unacked.
	out := New(64, 64, 16)
	if !out.AddOutgoing(data, true) {
		t.Fatal("AddOutgoing failed: expected enough capacity")
	}

	var frags []Fragment
	ack := NoAck
	for {
		f := out.NextSendingFragment(&ack)
		if f == nil {
			break
		}
		frags = append(frags, *f)
	}
	if len(frags) == 0 {
		t.Fatal("expected at least one fragment")
	}

	// Shuffle and duplicate to emulate arbitrary arrival order with retransmits.
	shuffled := append([]Fragment{}, frags...)
	shuffled = append(shuffled, frags...) // duplicate every fragment
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	in := New(64, 64, 16)
	for _, f := range shuffled {
		in.ProcessIncomingFragment(f)
	}

	got, compressed, ok := in.Reassemble()
	if !ok {
		t.Fatal("expected a complete reassembly")
	}
	if !compressed {
		t.Error("expected compressed flag to be preserved")
	}
	if !bytes.Equal(got, data) {
		t.Errorf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(data))
	}

	// The run must not be delivered twice.
	if _, _, ok := in.Reassemble(); ok {
		t.Error("reassemble delivered the same datagram twice")
	}
}

func TestReassembleRequiresContiguousRun(t *testing.T) {
	in := New(8, 40, 16)
	in.ProcessIncomingFragment(Fragment{SeqID: 0, Data: []byte("a"), Start: true})
	in.ProcessIncomingFragment(Fragment{SeqID: 2, Data: []byte("c"), End: true})
	// seq 1 missing: no complete run yet.
	if _, _, ok := in.Reassemble(); ok {
		t.Fatal("reassemble should not succeed with a gap in the run")
	}
	in.ProcessIncomingFragment(Fragment{SeqID: 1, Data: []byte("b")})
	data, _, ok := in.Reassemble()
	if !ok || string(data) != "abc" {
		t.Fatalf("got %q, ok=%v; want \"abc\"", data, ok)
	}
}

func TestAckAdvancesStartSeqIDMonotonically(t *testing.T) {
	out := New(8, 40, 4)
	out.AddOutgoing([]byte("0123456789"), false) // 3 fragments of <=4 bytes
	ack := NoAck
	for out.NextSendingFragment(&ack) != nil {
	}

	prev := out.StartSeqID()
	out.Ack(0)
	if out.StartSeqID() < prev {
		t.Fatal("startSeqID must never step backward")
	}
	prev = out.StartSeqID()
	out.Ack(2) // ack out of order; head (1) still unacked
	if out.StartSeqID() < prev {
		t.Fatal("startSeqID must never step backward")
	}
	out.Ack(1)
	if out.StartSeqID() != 3 {
		t.Fatalf("expected startSeqID 3 after acking the whole run, got %d", out.StartSeqID())
	}
}

func TestAddOutgoingFailsWhenFull(t *testing.T) {
	out := New(2, 2, 4)
	if !out.AddOutgoing([]byte("01234567"), false) { // exactly 2 fragments
		t.Fatal("expected capacity for 2 fragments")
	}
	if out.AddOutgoing([]byte("x"), false) {
		t.Fatal("expected AddOutgoing to fail: buffer full")
	}
}

func TestWindowCapacityBelow128(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic constructing a buffer at/above MaxWindowSlots")
		}
	}()
	New(8, MaxWindowSlots, 16)
}
