package forward

import (
	"net"
	"testing"
	"time"
)

func TestPutThenTakeOnce(t *testing.T) {
	tbl := New(time.Second)
	addr := &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 53}
	tbl.Put(42, 7, addr)

	e, ok := tbl.Take(42)
	if !ok || e.OriginalID != 7 || e.Requester.String() != addr.String() {
		t.Fatalf("unexpected entry: %+v ok=%v", e, ok)
	}

	if _, ok := tbl.Take(42); ok {
		t.Fatal("entry should be consumed after first Take")
	}
}

func TestTakeMissing(t *testing.T) {
	tbl := New(time.Second)
	if _, ok := tbl.Take(99); ok {
		t.Fatal("expected miss on unknown id")
	}
}
