package revdial

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// lineReader reads newline-terminated control lines off a net.Conn.
type lineReader struct {
	br *bufio.Reader
}

func newLineReader(conn net.Conn) *lineReader {
	return &lineReader{br: bufio.NewReader(conn)}
}

func (r *lineReader) ReadLine() (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// dialLinePrefix begins every control-channel request for a new data
// connection: "DIAL <id> <path>\n".
const dialLinePrefix = "DIAL "

func formatDialLine(id, path string) string {
	return fmt.Sprintf("%s%s %s\n", dialLinePrefix, id, path)
}

func parseDialLine(line string) (id, path string, ok bool) {
	if !strings.HasPrefix(line, dialLinePrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(line, dialLinePrefix)
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// wsNetConn adapts a *websocket.Conn to net.Conn, matching the
// revdial-client's wsConnAdapter shape: each Read drains one WS message
// at a time via NextReader, each Write is one binary WS message.
type wsNetConn struct {
	*websocket.Conn
	reader interface {
		Read([]byte) (int, error)
	}
}

func (w *wsNetConn) Read(p []byte) (int, error) {
	if w.reader == nil {
		_, r, err := w.Conn.NextReader()
		if err != nil {
			return 0, err
		}
		w.reader = r
	}
	n, err := w.reader.Read(p)
	if err != nil {
		w.reader = nil
	}
	return n, err
}

func (w *wsNetConn) Write(p []byte) (int, error) {
	if err := w.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsNetConn) SetDeadline(t time.Time) error {
	if err := w.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return w.Conn.SetWriteDeadline(t)
}
