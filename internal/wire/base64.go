package wire

// base64Alphabet is the standard base64 alphabet (RFC 4648 §4).
const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// base64DecodeTable maps an ASCII byte to its 6-bit value. Unrecognized
// characters map to 0 — this is the permissive decoder behavior spec.md
// §4.B and §9 call out explicitly as a design decision inherited from the
// source protocol, preserved here rather than rejecting invalid input.
var base64DecodeTable [256]byte

func init() {
	for i := range base64DecodeTable {
		base64DecodeTable[i] = 0
	}
	for i := 0; i < len(base64Alphabet); i++ {
		base64DecodeTable[base64Alphabet[i]] = byte(i)
	}
}

// Base64Encoder is a streaming three-in-four-out encoder that keeps at
// most two residual input bytes between calls to Write, matching spec.md
// §4.B. It has no I/O of its own: callers append its output wherever
// they need (typically straight into a Socket's write buffer).
type Base64Encoder struct {
	carry    [2]byte
	carryLen int
}

// NewBase64Encoder returns a fresh encoder with no residual state.
func NewBase64Encoder() *Base64Encoder {
	return &Base64Encoder{}
}

// EncodedLen returns ceil(n/3)*4, the number of output bytes produced by
// base64-encoding n raw bytes including final padding — used by the
// serializer to compute the declared length prefix of a blob element
// before any bytes are actually encoded (spec.md §4.E).
func EncodedLen(n int) int {
	return ((n + 2) / 3) * 4
}

// Write consumes p, emitting floor((carry+len(p))/3)*4 encoded bytes and
// storing any 1- or 2-byte remainder as carry for the next call or for
// Flush. It never blocks and never fails.
func (e *Base64Encoder) Write(p []byte) []byte {
	var out []byte

	buf := make([]byte, 0, e.carryLen+len(p))
	buf = append(buf, e.carry[:e.carryLen]...)
	buf = append(buf, p...)

	full := (len(buf) / 3) * 3
	out = make([]byte, 0, (full/3)*4)
	for i := 0; i < full; i += 3 {
		out = appendBase64Triple(out, buf[i], buf[i+1], buf[i+2])
	}

	e.carryLen = len(buf) - full
	copy(e.carry[:], buf[full:])

	return out
}

// Flush emits the final 2 or 3 output characters plus '=' padding for a
// residue of 1 or 2 bytes, or nothing if there is no residue, then resets
// the encoder so it can be reused for the next blob.
func (e *Base64Encoder) Flush() []byte {
	var out []byte
	switch e.carryLen {
	case 1:
		out = appendBase64Partial(nil, e.carry[0], 0, 1)
	case 2:
		out = appendBase64Partial(nil, e.carry[0], e.carry[1], 2)
	}
	e.carryLen = 0
	return out
}

func appendBase64Triple(dst []byte, b0, b1, b2 byte) []byte {
	n := uint32(b0)<<16 | uint32(b1)<<8 | uint32(b2)
	return append(dst,
		base64Alphabet[(n>>18)&0x3F],
		base64Alphabet[(n>>12)&0x3F],
		base64Alphabet[(n>>6)&0x3F],
		base64Alphabet[n&0x3F],
	)
}

// appendBase64Partial encodes the final 1 or 2 residual bytes, padding
// with '=' to a 4-byte group.
func appendBase64Partial(dst []byte, b0, b1 byte, n int) []byte {
	switch n {
	case 1:
		v := uint32(b0) << 16
		return append(dst,
			base64Alphabet[(v>>18)&0x3F],
			base64Alphabet[(v>>12)&0x3F],
			'=', '=',
		)
	case 2:
		v := uint32(b0)<<16 | uint32(b1)<<8
		return append(dst,
			base64Alphabet[(v>>18)&0x3F],
			base64Alphabet[(v>>12)&0x3F],
			base64Alphabet[(v>>6)&0x3F],
			'=',
		)
	default:
		return dst
	}
}

// Base64Decode decodes src in place-equivalent fashion (it allocates the
// destination, mirroring Go's standard idiom, but performs no validation
// beyond stopping at '=' padding) and returns the decoded bytes.
// Unknown characters decode as value 0, per the permissive policy
// documented on base64DecodeTable.
func Base64Decode(src []byte) []byte {
	// Strip trailing '=' padding (1 or 2 characters).
	n := len(src)
	for n > 0 && src[n-1] == '=' {
		n--
	}
	src = src[:n]

	out := make([]byte, 0, (len(src)*3)/4+1)
	var buf [4]byte
	i := 0
	for ; i+4 <= len(src); i += 4 {
		decodeBase64Group(src[i:i+4], 4, &out)
	}
	rem := len(src) - i
	if rem > 0 {
		copy(buf[:], src[i:])
		decodeBase64Group(buf[:rem], rem, &out)
	}
	return out
}

func decodeBase64Group(chars []byte, n int, out *[]byte) {
	var v uint32
	for j := 0; j < 4; j++ {
		var c byte
		if j < n {
			c = chars[j]
		}
		v = v<<6 | uint32(base64DecodeTable[c])
	}
	b0 := byte(v >> 16)
	b1 := byte(v >> 8)
	b2 := byte(v)
	switch n {
	case 4:
		*out = append(*out, b0, b1, b2)
	case 3:
		*out = append(*out, b0, b1)
	case 2:
		*out = append(*out, b0)
	}
}
