package revdial

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNoControlConnection is returned by Dial when no backend has
// attached for the requested session.
var ErrNoControlConnection = errors.New("revdial: no control connection for session")

type pendingDial struct {
	conn chan net.Conn
	err  chan error
}

// Server is the gateway-side half of the reverse-dial attachment: it
// accepts the backend's hijacked control connection (HandleControl) and
// its subsequent data connections (HandleData), and lets the Session
// Supervisor request a new backend connection on demand via Dial.
type Server struct {
	authorize func(token string) bool
	upgrader  websocket.Upgrader
	log       zerolog.Logger

	mu       sync.Mutex
	controls map[string]net.Conn // sessionID -> control conn
	pending  map[string]*pendingDial
}

// NewServer constructs a Server; authorize validates the bearer token
// presented on both the control and data connections.
func NewServer(authorize func(token string) bool, log zerolog.Logger) *Server {
	return &Server{
		authorize: authorize,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		log:       log.With().Str("component", "revdial-server").Logger(),
		controls:  make(map[string]net.Conn),
		pending:   make(map[string]*pendingDial),
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// HandleControl serves GET .../revdial?sessionid=X: it hijacks the raw
// TCP connection after writing a 200 OK, per the handshake client.go
// performs, and registers it as the control connection for sessionID.
func (s *Server) HandleControl(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(bearerToken(r)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.URL.Query().Get("sessionid")
	if sessionID == "" {
		http.Error(w, "missing sessionid", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	resp := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"
	if _, err := buf.WriteString(resp); err != nil {
		conn.Close()
		return
	}
	if err := buf.Flush(); err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.controls[sessionID] = conn
	s.mu.Unlock()

	s.log.Info().Str("session", sessionID).Msg("revdial backend attached")
}

// HandleData serves GET .../revdial?dialer=X, the WebSocket data
// connection the backend opens in response to a DIAL control line;
// dialer must match an id previously handed out by Dial.
func (s *Server) HandleData(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(bearerToken(r)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	dialID := r.URL.Query().Get("dialer")

	s.mu.Lock()
	p, ok := s.pending[dialID]
	if ok {
		delete(s.pending, dialID)
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown dial id", http.StatusNotFound)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.err <- err
		return
	}
	p.conn <- &wsNetConn{Conn: wsConn}
}

// Dial requests a new backend connection for sessionID over its control
// connection, blocking until the backend completes the data dial or ctx
// is cancelled.
func (s *Server) Dial(ctx context.Context, sessionID string) (net.Conn, error) {
	s.mu.Lock()
	control, ok := s.controls[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoControlConnection
	}

	id := NewDialID()
	p := &pendingDial{conn: make(chan net.Conn, 1), err: make(chan error, 1)}

	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()

	path := fmt.Sprintf("/api/v1/revdial?dialer=%s", id)
	if _, err := fmt.Fprint(control, formatDialLine(id, path)); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("revdial: writing DIAL line: %w", err)
	}

	select {
	case conn := <-p.conn:
		return conn, nil
	case err := <-p.err:
		return nil, err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Detach drops the control connection for sessionID, e.g. when the
// owning session stops.
func (s *Server) Detach(sessionID string) {
	s.mu.Lock()
	conn, ok := s.controls[sessionID]
	delete(s.controls, sessionID)
	s.mu.Unlock()
	if ok {
		conn.Close()
	}
}
