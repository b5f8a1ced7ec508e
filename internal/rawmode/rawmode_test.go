package rawmode

import (
	"bytes"
	"testing"
)

func TestParseRejectsBadMagic(t *testing.T) {
	bad := []byte{0, 0, 0, 0, 1, 2, 3}
	if _, _, ok := Parse(bad); ok {
		t.Fatal("expected parse failure on bad magic")
	}
}

func TestBuildDataThenParseRoundTrip(t *testing.T) {
	datagram := BuildData(5, []byte("payload"))
	hdr, body, ok := Parse(datagram)
	if !ok {
		t.Fatal("expected successful parse")
	}
	if hdr.Command != CmdData || hdr.SlotID != 5 {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	if !bytes.Equal(body, []byte("payload")) {
		t.Fatalf("body mismatch: %q", body)
	}
}

func TestBuildPingHasNoPayload(t *testing.T) {
	datagram := BuildPing(3)
	hdr, body, ok := Parse(datagram)
	if !ok || hdr.Command != CmdPing || hdr.SlotID != 3 {
		t.Fatalf("unexpected parse: %+v ok=%v", hdr, ok)
	}
	if len(body) != 0 {
		t.Fatalf("expected empty body, got %q", body)
	}
}
