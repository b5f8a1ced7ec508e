package codec

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	encoders := []*Encoder{B32, B64, B64U, B128}
	r := rand.New(rand.NewSource(1))

	for _, enc := range encoders {
		t.Run(enc.Name, func(t *testing.T) {
			for _, n := range []int{0, 1, 2, 7, 16, 64, 255} {
				data := make([]byte, n)
				r.Read(data)
				encoded := enc.Encode(data)
				decoded, err := enc.Decode(encoded)
				if err != nil {
					t.Fatalf("decode(encode(%d bytes)) error: %v", n, err)
				}
				if !bytes.Equal(decoded, data) {
					t.Fatalf("decode(encode(%v)) = %v, want %v", data, decoded, data)
				}
			}
		})
	}
}

func TestB32CaseInsensitiveDecode(t *testing.T) {
	data := []byte("hello tunnel")
	encoded := B32.Encode(data)
	upper := []byte(encoded)
	for i, c := range upper {
		if c >= 'a' && c <= 'z' {
			upper[i] = c - 'a' + 'A'
		}
	}
	decoded, err := B32.DecodeFold(string(upper))
	if err != nil {
		t.Fatalf("DecodeFold error: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("DecodeFold(%q) = %v, want %v", upper, decoded, data)
	}
}

func TestSplitLabels(t *testing.T) {
	encoded := "a123456789012345678901234567890123456789012345678901234567890123456789"
	labeled := SplitLabels(encoded, 10)
	if len(labeled) < len(encoded) {
		t.Fatal("SplitLabels must not drop characters")
	}
	for _, part := range splitOnDots(labeled) {
		if len(part) > 10 {
			t.Errorf("label %q exceeds max length", part)
		}
	}
}

func splitOnDots(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
