package wire

import (
	"errors"
	"time"

	"github.com/deskrelay/gateway/internal/proto"
)

const (
	// parserBufSize is the parser's fixed accumulation buffer, sized well
	// above the 8192-byte instruction cap so a full instruction plus the
	// start of the next one can sit buffered at once (spec.md §4.D).
	parserBufSize = 32 * 1024

	maxInstructionBytes = 8192
	maxElements         = 128
	maxLengthDigits     = 5
)

// ErrReadTimeout is returned by Parser.Read when no complete instruction
// arrived within the requested timeout; parser state is preserved and the
// caller may retry.
var ErrReadTimeout = errors.New("wire: read timeout")

// ErrConnectionClosed is returned when the underlying socket reports
// closure before a complete instruction was read.
var ErrConnectionClosed = errors.New("wire: connection closed")

type parseState int

const (
	stateLength parseState = iota
	stateContent
	stateComplete
	stateError
)

// Parser is the incremental instruction reader of spec.md §4.D: a state
// machine over a fixed accumulation buffer that consumes bytes from a
// Socket and yields one parsed instruction at a time. Element and
// instruction caps are enforced as hard limits; exceeding any of them
// moves the parser permanently into the error state.
type Parser struct {
	buf        []byte
	start, end int // unparsed region is buf[start:end]

	state parseState
	fatal error // sticky once state == stateError

	elements [][]byte // decoded content of each element parsed so far

	lenDigits    []byte
	curLen       int // declared length of the in-progress element, in codepoints
	curCodepoint int // codepoints consumed so far of the in-progress element
	curContent   []byte

	instrBytes int // total bytes consumed so far for the current instruction
}

// NewParser returns a fresh parser in the initial LENGTH state.
func NewParser() *Parser {
	return &Parser{
		buf: make([]byte, parserBufSize),
	}
}

// Opcode returns element 0 of the just-completed instruction. Valid only
// immediately after Read returns nil.
func (p *Parser) Opcode() string {
	if len(p.elements) == 0 {
		return ""
	}
	return string(p.elements[0])
}

// Argv returns elements 1..N of the just-completed instruction as
// strings, in order. Valid only immediately after Read returns nil.
func (p *Parser) Argv() []string {
	if len(p.elements) <= 1 {
		return nil
	}
	out := make([]string, len(p.elements)-1)
	for i, e := range p.elements[1:] {
		out[i] = string(e)
	}
	return out
}

// Reset discards the completed instruction and returns the parser to the
// LENGTH state for the next one. Must be called after consuming a
// COMPLETE result and before the next Read.
func (p *Parser) Reset() {
	p.elements = p.elements[:0]
	p.lenDigits = p.lenDigits[:0]
	p.curLen = 0
	p.curCodepoint = 0
	p.curContent = nil
	p.instrBytes = 0
	if p.state != stateError {
		p.state = stateLength
	}
}

// Read drives the state machine, pulling more bytes from sock as needed,
// until one instruction is COMPLETE, the deadline elapses, or the socket
// closes. On success it returns nil and Opcode()/Argv() expose the
// parsed instruction. On ErrReadTimeout the parser's state is fully
// preserved for a retried call. A protocol violation (length >5 digits,
// >128 elements, >8192 total bytes, malformed grammar) returns a
// *proto.Error wrapping StatusClientBadRequest and permanently parks the
// parser in the error state — every subsequent Read call returns the
// same error without touching the socket.
func (p *Parser) Read(sock *Socket, timeout time.Duration) error {
	if p.state == stateError {
		return p.fatal
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		advanced, err := p.advance()
		if err != nil {
			return p.fail(err)
		}
		if p.state == stateComplete {
			return nil
		}
		if advanced {
			continue
		}

		// Starved: need more bytes from the socket.
		p.compact()

		remaining := timeout
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return ErrReadTimeout
			}
		}

		if p.end == len(p.buf) {
			// Buffer genuinely full with no parseable progress: this can
			// only happen if a malformed stream never produces a
			// delimiter, which the byte-budget check below already
			// catches well before 32KiB fills — treat it defensively as
			// a protocol error rather than looping forever.
			return p.fail(proto.NewError(proto.StatusClientBadRequest, "instruction exceeds buffer capacity"))
		}

		n, result, rerr := sock.ReadSome(p.buf[p.end:], remaining)
		if rerr != nil {
			return rerr
		}
		p.end += n
		switch result {
		case ReadTimeout:
			if n == 0 {
				return ErrReadTimeout
			}
			// Partial read then timeout: loop back and try to make
			// progress on what we have before giving up, per spec.md
			// §4.A ("partial read followed by timeout returns timeout
			// without losing already-buffered bytes").
		case ReadClosed:
			if n == 0 {
				return ErrConnectionClosed
			}
		}
	}
}

// compact slides the unparsed region down to the start of the buffer
// when free space is running low, per spec.md §4.D step 1.
func (p *Parser) compact() {
	if p.start == 0 {
		return
	}
	freeSpace := len(p.buf) - p.end
	if freeSpace >= len(p.buf)/4 && p.start < len(p.buf)/2 {
		return
	}
	n := copy(p.buf, p.buf[p.start:p.end])
	p.start = 0
	p.end = n
}

func (p *Parser) fail(err error) error {
	p.state = stateError
	p.fatal = err
	return err
}

// advance attempts to process buffered bytes starting at p.start,
// returning advanced=true if it consumed at least one byte or completed
// the instruction, or advanced=false if it ran out of buffered input and
// needs more from the socket.
func (p *Parser) advance() (bool, error) {
	switch p.state {
	case stateLength:
		return p.advanceLength()
	case stateContent:
		return p.advanceContent()
	default:
		return false, nil
	}
}

func (p *Parser) advanceLength() (bool, error) {
	progressed := false
	for p.start < p.end {
		c := p.buf[p.start]
		switch {
		case c >= '0' && c <= '9':
			if len(p.lenDigits) >= maxLengthDigits {
				return false, proto.NewError(proto.StatusClientBadRequest, "length prefix exceeds 5 digits")
			}
			p.lenDigits = append(p.lenDigits, c)
			p.start++
			p.instrBytes++
			progressed = true
		case c == '.':
			if len(p.lenDigits) == 0 {
				return false, proto.NewError(proto.StatusClientBadRequest, "length prefix requires at least one digit")
			}
			n := 0
			for _, d := range p.lenDigits {
				n = n*10 + int(d-'0')
			}
			if remaining := maxInstructionBytes - p.instrBytes; n > remaining {
				return false, proto.NewError(proto.StatusClientBadRequest, "element length exceeds remaining instruction budget")
			}
			p.curLen = n
			p.curCodepoint = 0
			p.curContent = p.curContent[:0]
			p.lenDigits = p.lenDigits[:0]
			p.start++
			p.instrBytes++
			if p.instrBytes > maxInstructionBytes {
				return false, proto.NewError(proto.StatusClientBadRequest, "instruction exceeds 8192 bytes")
			}
			if len(p.elements) >= maxElements {
				return false, proto.NewError(proto.StatusClientBadRequest, "instruction exceeds 128 elements")
			}
			p.state = stateContent
			return true, nil
		default:
			return false, proto.NewError(proto.StatusClientBadRequest, "expected digit or '.' in length prefix")
		}
	}
	return progressed, nil
}

func (p *Parser) advanceContent() (bool, error) {
	progressed := false
	for p.start < p.end {
		c := p.buf[p.start]
		isContinuation := c&0xC0 == 0x80

		if p.curCodepoint < p.curLen || isContinuation {
			if !isContinuation {
				p.curCodepoint++
			}
			p.curContent = append(p.curContent, c)
			p.start++
			p.instrBytes++
			progressed = true
			if p.instrBytes > maxInstructionBytes {
				return false, proto.NewError(proto.StatusClientBadRequest, "instruction exceeds 8192 bytes")
			}
			continue
		}

		// curCodepoint == curLen and c is not a continuation byte: this
		// must be the element terminator.
		elem := make([]byte, len(p.curContent))
		copy(elem, p.curContent)
		p.elements = append(p.elements, elem)
		p.start++
		p.instrBytes++

		switch c {
		case ',':
			p.state = stateLength
		case ';':
			p.state = stateComplete
		default:
			return false, proto.NewError(proto.StatusClientBadRequest, "expected ',' or ';' after element content")
		}
		return true, nil
	}
	return progressed, nil
}
