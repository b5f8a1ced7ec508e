// Package codec implements the upstream/downstream label alphabets used by
// the tunnel wire format: base32, base64, base64-url ("base64u"), and
// base128, plus the hostname builder that splits encoded data across
// dot-separated DNS labels and appends a rotating pseudo-TLD to defeat
// resolver caching (spec.md §6).
//
// No library in the example corpus carries a base128 DNS-label codec, so
// this package is implemented from scratch against the bit-packing scheme
// spec.md describes (5/6/6/7/8 bits per byte) — see DESIGN.md for why no
// third-party dependency could serve this piece.
package codec

import (
	"fmt"
	"strings"
)

// Encoder packs/unpacks raw bytes into a label alphabet of exactly 2^Bits
// symbols (no padding characters), mirroring iodine's struct encoder.
type Encoder struct {
	Name     string
	Bits     int
	alphabet string
	rev      [256]int8
}

func newEncoder(name string, bits int, alphabet string) *Encoder {
	if len(alphabet) != 1<<uint(bits) {
		panic(fmt.Sprintf("codec: alphabet for %s must have %d symbols, got %d", name, 1<<uint(bits), len(alphabet)))
	}
	e := &Encoder{Name: name, Bits: bits, alphabet: alphabet}
	for i := range e.rev {
		e.rev[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		e.rev[alphabet[i]] = int8(i)
	}
	return e
}

var (
	// B32 is the upstream/downstream 5-bit codec ("base32", downenc 'T').
	B32 = newEncoder("base32", 5, "abcdefghijklmnopqrstuvwxyz012345")
	// B64 is the 6-bit codec ("base64", downenc 'S').
	B64 = newEncoder("base64", 6, "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/")
	// B64U is base64 with underscore substituted for the DNS-unsafe '/'
	// ("base64u", downenc 'U').
	B64U = newEncoder("base64u", 6, "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_")
	// B128 is the 7-bit codec ("base128", downenc 'V'): printable ASCII
	// other than '.' and '-', plus bytes from 0xA1 upward.
	B128 = newEncoder("base128", 7, build128Alphabet())
)

func build128Alphabet() string {
	var b strings.Builder
	// Printable ASCII 0x21..0x7e without '.' and '-' is 92 symbols; the
	// remaining 36 are the bytes 0xA1..0xC4. This alphabet is internal to the
	// tunnel (both ends use this package), so it only needs to be
	// self-consistent and DNS-label-safe, not byte-compatible with any
	// external implementation.
	for c := 0x21; c <= 0x7e && b.Len() < 128; c++ {
		if c == '.' || c == '-' {
			continue
		}
		b.WriteByte(byte(c))
	}
	for c := 0xA1; b.Len() < 128; c++ {
		b.WriteByte(byte(c & 0xff))
	}
	return b.String()
}

// ByCodecID resolves the numeric codec selector used by the 'S' (switch
// upstream codec) command: 5/6/26/7 = base32/base64/base64u/base128.
func ByCodecID(id int) (*Encoder, bool) {
	switch id {
	case 5:
		return B32, true
	case 6:
		return B64, true
	case 26:
		return B64U, true
	case 7:
		return B128, true
	default:
		return nil, false
	}
}

// ByDownstreamLetter resolves the 'O' (options) downstream codec letters:
// T/S/U/V/R -> 5/6/6/7/8 bits. 'R' (raw, 8 bits) has no Encoder since it is
// a passthrough handled directly by the wire package.
func ByDownstreamLetter(letter byte) (enc *Encoder, bits int, ok bool) {
	switch letter {
	case 'T':
		return B32, 5, true
	case 'S':
		return B64, 6, true
	case 'U':
		return B64U, 6, true
	case 'V':
		return B128, 7, true
	case 'R':
		return nil, 8, true
	default:
		return nil, 0, false
	}
}

// Encode packs data into this encoder's alphabet with no padding.
func (e *Encoder) Encode(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var out strings.Builder
	out.Grow(e.EncodedLen(len(data)))

	var acc uint32
	var bits uint
	for _, b := range data {
		acc = (acc << 8) | uint32(b)
		bits += 8
		for bits >= uint(e.Bits) {
			bits -= uint(e.Bits)
			idx := (acc >> bits) & uint32(1<<uint(e.Bits)-1)
			out.WriteByte(e.alphabet[idx])
		}
	}
	if bits > 0 {
		idx := (acc << (uint(e.Bits) - bits)) & uint32(1<<uint(e.Bits)-1)
		out.WriteByte(e.alphabet[idx])
	}
	return out.String()
}

// Decode unpacks a label string encoded with Encode. Unknown symbols are an
// error: resolvers must not alter label contents beyond case-folding, and
// case is normalized away before decoding (see DecodeFold).
func (e *Encoder) Decode(s string) ([]byte, error) {
	out := make([]byte, 0, e.RawLen(len(s)))
	var acc uint32
	var bits uint
	for i := 0; i < len(s); i++ {
		v := e.rev[s[i]]
		if v < 0 {
			return nil, fmt.Errorf("codec: invalid %s symbol %q at offset %d", e.Name, s[i], i)
		}
		acc = (acc << uint(e.Bits)) | uint32(v)
		bits += uint(e.Bits)
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>bits))
		}
	}
	return out, nil
}

// DecodeFold lower-cases the input before decoding, for alphabets (like
// base32) whose symbol set is case-insensitive by design; resolvers are
// permitted to randomize label case in transit.
func (e *Encoder) DecodeFold(s string) ([]byte, error) {
	return e.Decode(strings.ToLower(s))
}

// EncodedLen returns the number of label characters needed to encode
// rawLen bytes.
func (e *Encoder) EncodedLen(rawLen int) int {
	bits := rawLen * 8
	return (bits + e.Bits - 1) / e.Bits
}

// RawLen returns the maximum number of raw bytes that fit in encLen label
// characters — this is iodine's get_raw_length(), used to derive
// maxfraglen from a negotiated fragsize.
func (e *Encoder) RawLen(encLen int) int {
	return (encLen * e.Bits) / 8
}
