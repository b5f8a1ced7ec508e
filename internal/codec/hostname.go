package codec

// MaxLabelLen is the DNS label length limit (RFC 1035).
const MaxLabelLen = 63

// SplitLabels breaks an already-encoded string into dot-joined DNS labels
// of at most maxLen characters each.
func SplitLabels(s string, maxLen int) string {
	if maxLen <= 0 || maxLen > MaxLabelLen {
		maxLen = MaxLabelLen
	}
	if len(s) <= maxLen {
		return s
	}
	out := make([]byte, 0, len(s)+len(s)/maxLen+1)
	for i := 0; i < len(s); i += maxLen {
		end := i + maxLen
		if end > len(s) {
			end = len(s)
		}
		if i > 0 {
			out = append(out, '.')
		}
		out = append(out, s[i:end]...)
	}
	return string(out)
}

// CMC is the 10-bit rotating client-monotonic-counter used to build a
// pseudo-TLD that busts resolver caching on downstream answers (spec.md
// §6). It is intentionally NOT a package-global shared across sessions:
// each session owns its own counter via NewCMC, since the server is not
// meant to serialize this across users.
type CMC struct {
	val uint16
}

// NewCMC creates a fresh rotating counter, starting at 0.
func NewCMC() *CMC { return &CMC{} }

// Next advances the counter (mod 1024) and renders it as two base32
// characters, matching td_cmc in write_dns_nameenc().
func (c *CMC) Next() string {
	c.val = (c.val + 1) & 0x3FF
	lo := B32.alphabet[c.val&0x1F]
	hi := B32.alphabet[(c.val>>5)&0x1F]
	return string([]byte{lo, hi})
}

// DownstreamMarker resolves the per-type codec marker character and
// Encoder for name-carrying answers (CNAME/A/MX/SRV), per spec.md §6:
// 'i'/'j'/'k'/'h' for base64/base64u/base128/base32. Raw ('R') has no
// textual form, so name-carrying answers fall back to base32 — only
// NULL/PRIVATE answers may carry truly raw binary.
func DownstreamMarker(downenc byte) (marker byte, enc *Encoder) {
	switch downenc {
	case 'S':
		return 'i', B64
	case 'U':
		return 'j', B64U
	case 'V':
		return 'k', B128
	default:
		return 'h', B32
	}
}

// TXTMarker resolves the marker character used inside a TXT answer's
// payload for each downstream codec, including the 'R' (raw binary) case
// which TXT can carry directly.
func TXTMarker(downenc byte) (marker byte, enc *Encoder) {
	switch downenc {
	case 'S':
		return 's', B64
	case 'U':
		return 'u', B64U
	case 'V':
		return 'v', B128
	case 'R':
		return 'r', nil
	default:
		return 't', B32
	}
}

// BuildHostname prepends marker, encodes data with enc, splits the result
// into <=63-char labels, and appends the rotating 2-character pseudo-TLD
// plus the owner suffix (dot-terminated) to produce a full owner name for
// a downstream answer carried in CNAME/MX/SRV-style records.
func BuildHostname(marker byte, data []byte, enc *Encoder, cmc *CMC, suffix string) string {
	composed := string(marker) + enc.Encode(data)
	labeled := SplitLabels(composed, MaxLabelLen)
	td := cmc.Next()
	return labeled + "." + td + "." + suffix
}
