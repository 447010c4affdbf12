// Package peer implements component G (spec.md §4.G): one connected
// endpoint's socket, parser, opcode dispatch table and activity state.
package peer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskrelay/gateway/internal/proto"
	"github.com/deskrelay/gateway/internal/session"
	"github.com/deskrelay/gateway/internal/wire"
)

// HandlerFunc processes one dispatched instruction's arguments. A
// non-nil return marks the peer for abort with SERVER_ERROR, per
// spec.md §4.G.
type HandlerFunc func(p *Peer, argv []string) error

// Peer is the tuple of spec.md §3: socket, parser, instruction handler
// table, active/owner flags, last-seen timestamp, and (once attached) a
// direct pointer to its Session; it is not a weak reference.
type Peer struct {
	ID   string
	Sock *wire.Socket

	parser *wire.Parser
	log    zerolog.Logger

	mu        sync.Mutex
	owner     bool
	active    bool
	lastSeen  time.Time
	sessionID string

	handlers map[string]HandlerFunc

	Session *session.Session
}

// New constructs a Peer around an already-accepted socket. handlers is
// the opcode dispatch table; it may be nil and bound later with
// SetHandlers, which is what the Supervisor does, building one table per
// peer once its handshake has resolved a session. Peer never mutates it.
func New(id string, sock *wire.Socket, handlers map[string]HandlerFunc, log zerolog.Logger) *Peer {
	return &Peer{
		ID:       id,
		Sock:     sock,
		parser:   wire.NewParser(),
		handlers: handlers,
		active:   true,
		lastSeen: time.Now(),
		log:      log.With().Str("peer", id).Logger(),
	}
}

// SetHandlers binds the opcode dispatch table to use once the handshake
// has resolved which Session (and therefore which backend worker) this
// peer's runtime instructions should be forwarded to. Handshake opcodes
// never go through this table — Handshake reads them directly via
// ReadInstruction — so it is safe to bind only after Handshake returns.
func (p *Peer) SetHandlers(h map[string]HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = h
}

// SetOwner marks this peer as the session owner (spec.md §8 law 7 is
// enforced by Session.AddPeer, not here).
func (p *Peer) SetOwner(owner bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owner = owner
}

// IsOwner reports the owner flag.
func (p *Peer) IsOwner() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owner
}

// Touch records activity, resetting the idle-timeout clock.
func (p *Peer) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = time.Now()
}

// LastSeen returns the last-activity timestamp.
func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Active reports whether the peer is still considered connected.
func (p *Peer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// MarkInactive flips the active flag; callers are responsible for
// closing the socket and unwinding the input loop.
func (p *Peer) MarkInactive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
}

// ReadInstruction blocks for one complete instruction (or timeout/close)
// via the peer's own parser, touching the activity clock on success.
func (p *Peer) ReadInstruction(timeout time.Duration) (opcode string, argv []string, err error) {
	if err := p.parser.Read(p.Sock, timeout); err != nil {
		return "", nil, err
	}
	p.Touch()
	op, av := p.parser.Opcode(), p.parser.Argv()
	p.parser.Reset()
	return op, av, nil
}

// Dispatch looks up opcode in the handler table and invokes it.
// Unknown opcodes are silently tolerated (debug-logged, not fatal) for
// forward compatibility, per spec.md §4.G.
func (p *Peer) Dispatch(opcode string, argv []string) error {
	h, ok := p.handlers[opcode]
	if !ok {
		p.log.Debug().Str("opcode", opcode).Msg("unknown opcode ignored")
		return nil
	}
	if err := h(p, argv); err != nil {
		return proto.WrapError(proto.StatusServerError, "handler failed for opcode "+opcode, err)
	}
	return nil
}

// Abort sends a courtesy error+disconnect pair if the socket is still
// writable, then closes it and marks the peer inactive. Per spec.md §7,
// a write failure here is expected once the socket is already closed and
// is not itself escalated.
func (p *Peer) Abort(status proto.Status, message string) {
	_ = wire.EmitError(p.Sock, message, status)
	_ = wire.EmitDisconnect(p.Sock)
	_ = p.Sock.Close()
	p.MarkInactive()
}
