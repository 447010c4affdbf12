package wire

import (
	"io"
	"time"
)

// bufConn is a rawConn that only ever writes, backing a Socket used to
// render an instruction once into memory so the identical bytes can be
// fanned out to many real peer sockets and handed to a recording sink,
// instead of re-running an emitter (and its side effects, like stream
// handle allocation) once per destination.
type bufConn struct {
	w io.Writer
}

func (b *bufConn) ReadSome([]byte, time.Duration) (int, ReadResult, error) {
	return 0, ReadClosed, io.EOF
}

func (b *bufConn) Write(p []byte) (int, error) { return b.w.Write(p) }
func (b *bufConn) Close() error                { return nil }

// NewBufferSocket wraps w (typically a *bytes.Buffer) as a write-only
// Socket, for rendering an emitter's output once in memory.
func NewBufferSocket(w io.Writer) *Socket {
	return &Socket{conn: &bufConn{w: w}}
}

// WriteInstructionRaw writes pre-rendered instruction bytes verbatim,
// bracketed the same way a live emitter would bracket them, so the
// per-socket write mutex still serializes it against concurrent
// emitters on the same Socket (spec.md §5: "instructions are atomic").
func (s *Socket) WriteInstructionRaw(raw []byte) error {
	s.InstructionBegin()
	bodyErr := s.append(raw)
	endErr := s.InstructionEnd()
	if bodyErr != nil {
		return bodyErr
	}
	return endErr
}
