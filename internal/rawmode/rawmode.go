// Package rawmode implements the raw-UDP fast path of spec.md §6: once a
// client has completed DNS-based login, it may switch to sending plain
// UDP datagrams directly to the server's DNS port, bypassing the wire
// codec entirely for lower overhead.
package rawmode

import "bytes"

// Magic is the 3-byte header every raw-mode datagram starts with,
// distinguishing it from a malformed DNS query landing on the same port.
var Magic = [3]byte{0x48, 0x19, 0x70}

// Command occupies the high 4 bits of the raw-mode control byte.
type Command byte

const (
	CmdLogin Command = 0
	CmdData  Command = 1
	CmdPing  Command = 2
)

// HeaderLen is the fixed raw-mode header length: magic + control byte.
const HeaderLen = len(Magic) + 1

// Header is the parsed raw-mode envelope.
type Header struct {
	Command Command
	SlotID  int
}

// Parse extracts the raw-mode header from a datagram, reporting ok=false
// if the magic does not match.
func Parse(b []byte) (Header, []byte, bool) {
	if len(b) < HeaderLen || !bytes.Equal(b[:len(Magic)], Magic[:]) {
		return Header{}, nil, false
	}
	control := b[len(Magic)]
	return Header{
		Command: Command(control >> 4),
		SlotID:  int(control & 0x0f),
	}, b[HeaderLen:], true
}

// BuildLogin renders a raw-mode login datagram: magic, control byte, and
// the client's login challenge response.
func BuildLogin(slotID int, challengeResponse []byte) []byte {
	out := buildHeader(CmdLogin, slotID)
	return append(out, challengeResponse...)
}

// BuildData renders a raw-mode data datagram carrying one raw IP
// datagram, uncompressed (raw mode never needs the window/codec layers
// since it is a direct, reliable UDP path).
func BuildData(slotID int, payload []byte) []byte {
	out := buildHeader(CmdData, slotID)
	return append(out, payload...)
}

// BuildPing renders a raw-mode keepalive.
func BuildPing(slotID int) []byte {
	return buildHeader(CmdPing, slotID)
}

func buildHeader(cmd Command, slotID int) []byte {
	out := make([]byte, 0, HeaderLen)
	out = append(out, Magic[:]...)
	out = append(out, byte(cmd)<<4|byte(slotID&0x0f))
	return out
}

// LoginChallenge derives the raw-mode login response the client must send
// to prove it holds the shared password: the same keyed hash DNS-mode login
// uses, taken over the session's seed plus one.
func LoginChallenge(seed uint32, passwordHash func(uint32) []byte) []byte {
	return passwordHash(seed + 1)
}
