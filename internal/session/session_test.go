package session

import (
	"net"
	"testing"
)

func TestFreeSlotThenFullTable(t *testing.T) {
	tbl := NewTable(8, 100)
	for i := 0; i < MaxSlots; i++ {
		s := tbl.FreeSlot()
		if s == nil {
			t.Fatalf("expected free slot at iteration %d", i)
		}
		s.State = StateAuthenticated
	}
	if tbl.FreeSlot() != nil {
		t.Fatal("table should report full")
	}
	if tbl.Count() != MaxSlots {
		t.Fatalf("count = %d, want %d", tbl.Count(), MaxSlots)
	}
}

func TestByTunnelIPAndSourceAddr(t *testing.T) {
	tbl := NewTable(8, 100)
	s := tbl.BySlotID(2)
	s.State = StateAuthenticated
	s.TunnelIP = net.IPv4(10, 0, 0, 5)
	s.SourceAddr = &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 5353}

	if got := tbl.ByTunnelIP(net.IPv4(10, 0, 0, 5)); got != s {
		t.Fatalf("ByTunnelIP mismatch: %+v", got)
	}
	if got := tbl.BySourceAddr(&net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 5353}); got != s {
		t.Fatalf("BySourceAddr mismatch: %+v", got)
	}
	if got := tbl.BySourceAddr(&net.UDPAddr{IP: net.IPv4(9, 9, 9, 9), Port: 1}); got != nil {
		t.Fatalf("expected no match, got %+v", got)
	}
}

func TestSourceMatchesRequiresBoundAddr(t *testing.T) {
	s := newSlot(0, 8, 100)
	addr := &net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 1}
	if s.SourceMatches(addr) {
		t.Fatal("unbound slot must not match any address")
	}
	s.SourceAddr = addr
	if !s.SourceMatches(addr) {
		t.Fatal("expected match once bound")
	}
}

func TestResetClearsSlot(t *testing.T) {
	s := newSlot(3, 8, 100)
	s.State = StateAuthenticated
	s.TunnelIP = net.IPv4(10, 0, 0, 1)
	s.Reset()
	if s.State != StateUnallocated || s.ID != 3 {
		t.Fatalf("reset did not restore defaults: %+v", s)
	}
}
