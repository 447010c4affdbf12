package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ReadResult classifies the outcome of a single ReadSome call.
type ReadResult int

const (
	ReadOK ReadResult = iota
	ReadTimeout
	ReadClosed
)

// ErrSocketClosed is returned by write operations once the socket has
// entered its terminal error state (spec.md §4.A/§4.E: a failed write
// leaves the socket in a well-defined error state; subsequent writes fail
// until the socket is discarded).
var ErrSocketClosed = errors.New("wire: socket closed")

// rawConn is the minimal transport a Socket needs underneath — satisfied
// by a *websocket.Conn adapter (wsConn, below) or by a net.Conn adapter
// (netConn, below) for non-browser backend connections (e.g. the
// reverse-dial attachment).
type rawConn interface {
	ReadSome(buf []byte, timeout time.Duration) (int, ReadResult, error)
	Write(p []byte) (int, error)
	Close() error
}

// Socket is the Byte Socket of spec.md §4.A: a buffered, flushable,
// bidirectional byte transport with instruction-boundary hints that a
// good implementation uses to coalesce writes into one payload per
// instruction — mirroring the single-Write-per-frame discipline of
// helixml-helix's WebSocket handlers and the pooled-buffer coalescing in
// the maboo-wire frame codec.
type Socket struct {
	conn rawConn

	writeMu sync.Mutex
	buf     []byte // accumulates bytes between instruction_begin/instruction_end
	inInstr bool
	werr    error // sticky write error; see ErrSocketClosed doc above

	enc *Base64Encoder // live only while a write_base64 sequence is open

	readMu sync.Mutex
}

// NewSocket wraps a net.Conn (TCP or a reverse-dialed backend
// connection) as a Socket.
func NewSocket(conn net.Conn) *Socket {
	return &Socket{conn: &netConn{c: conn, br: bufio.NewReader(conn)}}
}

// NewWebSocketSocket wraps a *websocket.Conn (the transport used for
// browser peers) as a Socket.
func NewWebSocketSocket(conn *websocket.Conn) *Socket {
	return &Socket{conn: &wsConn{c: conn}}
}

// InstructionBegin marks the start of one instruction's writes. Writes
// issued between InstructionBegin and InstructionEnd are accumulated and
// flushed as a single underlying Write call by InstructionEnd, so a
// partial instruction is never observable on the wire.
func (s *Socket) InstructionBegin() {
	s.writeMu.Lock()
	s.inInstr = true
	s.buf = s.buf[:0]
}

// InstructionEnd flushes the accumulated writes for the current
// instruction as one Write and releases the per-socket write lock taken
// by InstructionBegin. Per spec.md §4.E, a failure from any sub-write
// short-circuits the rest: InstructionEnd reports the first error seen
// and leaves the socket refusing further writes.
func (s *Socket) InstructionEnd() error {
	defer func() {
		s.inInstr = false
		s.writeMu.Unlock()
	}()

	if s.werr != nil {
		return s.werr
	}
	if len(s.buf) == 0 {
		return nil
	}
	if _, err := s.conn.Write(s.buf); err != nil {
		s.werr = fmt.Errorf("%w: %v", ErrSocketClosed, err)
		return s.werr
	}
	return nil
}

// append buffers bytes for the current instruction, or writes them
// immediately if called outside an InstructionBegin/End bracket.
func (s *Socket) append(p []byte) error {
	if s.werr != nil {
		return s.werr
	}
	if s.inInstr {
		s.buf = append(s.buf, p...)
		return nil
	}
	if _, err := s.conn.Write(p); err != nil {
		s.werr = fmt.Errorf("%w: %v", ErrSocketClosed, err)
		return s.werr
	}
	return nil
}

// WriteRaw writes bytes verbatim (used for the fixed grammar punctuation:
// length-prefix digits, '.', ',', ';').
func (s *Socket) WriteRaw(p []byte) error {
	return s.append(p)
}

// WriteText writes str verbatim as UTF-8 bytes (the content of a string
// element once its length prefix has already been written).
func (s *Socket) WriteText(str string) error {
	return s.append([]byte(str))
}

// WriteInt writes i in canonical decimal form, no padding, no sign for
// non-negative values (matching spec.md §4.E: integer arguments are
// first rendered to decimal, then serialized as a normal string element).
func (s *Socket) WriteInt(i int64) error {
	return s.append([]byte(strconv.FormatInt(i, 10)))
}

// WriteBase64Begin starts a streaming base64 sub-encoding sequence.
func (s *Socket) WriteBase64Begin() {
	s.enc = NewBase64Encoder()
}

// WriteBase64 feeds n more raw bytes through the open base64 encoder,
// writing whatever encoded output that produces.
func (s *Socket) WriteBase64(p []byte) error {
	if s.enc == nil {
		s.enc = NewBase64Encoder()
	}
	return s.append(s.enc.Write(p))
}

// FlushBase64 closes the open base64 sequence, writing final padding
// characters if a 1- or 2-byte residue remains.
func (s *Socket) FlushBase64() error {
	if s.enc == nil {
		return nil
	}
	out := s.enc.Flush()
	s.enc = nil
	if len(out) == 0 {
		return nil
	}
	return s.append(out)
}

// Flush is a no-op beyond InstructionEnd for Socket's current
// implementations (both the net.Conn and websocket.Conn backings write
// synchronously), kept as a distinct call per spec.md §4.A so callers
// that bracket multiple instructions without one InstructionEnd per
// instruction still get an explicit flush point.
func (s *Socket) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.werr
}

// ReadSome reads whatever is immediately available into buf, honoring
// timeout down to OS limits. A partial read followed by a timeout on a
// later call never loses already-buffered bytes — that guarantee is the
// parser's responsibility (it owns the accumulation buffer), not
// ReadSome's; ReadSome itself is a single best-effort read.
func (s *Socket) ReadSome(buf []byte, timeout time.Duration) (int, ReadResult, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.conn.ReadSome(buf, timeout)
}

// Close releases the underlying transport.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// netConn adapts a net.Conn (with a buffered reader in front of it, for
// idiomatic Go read batching) to rawConn.
type netConn struct {
	c  net.Conn
	br *bufio.Reader
}

func (n *netConn) ReadSome(buf []byte, timeout time.Duration) (int, ReadResult, error) {
	if timeout > 0 {
		_ = n.c.SetReadDeadline(time.Now().Add(timeout))
		defer n.c.SetReadDeadline(time.Time{})
	}
	count, err := n.br.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return count, ReadTimeout, nil
		}
		if errors.Is(err, io.EOF) {
			return count, ReadClosed, nil
		}
		return count, ReadClosed, err
	}
	return count, ReadOK, nil
}

func (n *netConn) Write(p []byte) (int, error) { return n.c.Write(p) }
func (n *netConn) Close() error                { return n.c.Close() }

// wsConn adapts a *websocket.Conn to rawConn. The instruction grammar is
// framed by length prefixes, not by WebSocket message boundaries, so
// reads flatten each inbound WS text/binary message into a small
// internal queue and hand bytes out incrementally — mirroring how
// helixml-helix's ws_input.go treats each WS message as an opaque byte
// payload to be interpreted by the layer above it.
type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex

	pending []byte
}

func (w *wsConn) ReadSome(buf []byte, timeout time.Duration) (int, ReadResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) > 0 {
		n := copy(buf, w.pending)
		w.pending = w.pending[n:]
		return n, ReadOK, nil
	}

	if timeout > 0 {
		_ = w.c.SetReadDeadline(time.Now().Add(timeout))
		defer w.c.SetReadDeadline(time.Time{})
	}

	_, data, err := w.c.ReadMessage()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, ReadTimeout, nil
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return 0, ReadClosed, nil
		}
		return 0, ReadClosed, err
	}

	n := copy(buf, data)
	if n < len(data) {
		w.pending = data[n:]
	}
	return n, ReadOK, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.c.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error { return w.c.Close() }
