package wire

import "strconv"

// element is one argument to an emitted instruction: something that
// knows its own declared length (in codepoints, per spec.md §4.C) and
// how to write its content.
type element interface {
	codepoints() int
	writeContent(sock *Socket) error
}

type strElement string

func (s strElement) codepoints() int                 { return CodepointCountString(string(s)) }
func (s strElement) writeContent(sock *Socket) error { return sock.WriteText(string(s)) }

type intElement int64

func (i intElement) codepoints() int {
	return CodepointCountString(strconv.FormatInt(int64(i), 10))
}
func (i intElement) writeContent(sock *Socket) error { return sock.WriteInt(int64(i)) }

// blobElement is the single pseudo-string element of a blob instruction:
// its declared length is the base64-expanded length, its content is
// produced by the streaming encoder followed by a flush (spec.md §4.E).
type blobElement []byte

func (b blobElement) codepoints() int { return EncodedLen(len(b)) }
func (b blobElement) writeContent(sock *Socket) error {
	sock.WriteBase64Begin()
	if err := sock.WriteBase64(b); err != nil {
		return err
	}
	return sock.FlushBase64()
}

func str(s string) element { return strElement(s) }
func num(i int64) element  { return intElement(i) }
func blob(b []byte) element { return blobElement(b) }

func strs(ss []string) []element {
	out := make([]element, len(ss))
	for i, s := range ss {
		out[i] = str(s)
	}
	return out
}

func boolInt(b bool) element {
	if b {
		return intElement(1)
	}
	return intElement(0)
}
