// Package backend describes the seam spec.md §3/§4.I leaves external: a
// backend worker owns the backend-native connection (a VNC socket, an SSH
// PTY, an RDP channel) and talks to the Session only through the
// serializer and a typed event queue. This package defines that
// interface plus a reference in-process implementation used by tests and
// cmd/gatewayd; no specific backend wire protocol is specified here
// (spec.md §1 Non-goals).
package backend

import (
	"context"

	"github.com/deskrelay/gateway/internal/proto"
)

// InputEvent is one input instruction fanned in from any peer's input
// loop to the backend worker (spec.md §3 Session: "input events and
// clipboard data from multiple peers are fan-in to one backend").
type InputEvent struct {
	PeerID string
	Opcode proto.Opcode
	Argv   []string
}

// ClipboardEvent carries a peer-originated clipboard update to the
// backend, distinct from InputEvent because its payload is binary and
// mimetype-tagged rather than a plain argv.
type ClipboardEvent struct {
	PeerID   string
	Mimetype string
	Data     []byte
}

// Worker is the interface the Session Supervisor requires of any backend
// driver. A Worker is spawned once the owner's handshake completes
// (spec.md §4.I) and runs until ctx is cancelled or it exits on its own
// (upstream connection lost).
//
// Run must not mutate the session's handle tables or display model
// directly; all observable state changes flow out through Publisher so
// they can be fanned out to every peer and folded into the replay buffer
// by the same code path a joiner's Dup replays from.
type Worker interface {
	// Run drives the backend connection until ctx is cancelled or the
	// backend connection itself fails. events delivers fan-in from every
	// connected peer's input loop; clipboard delivers fan-in clipboard
	// updates. Run returns nil on a clean ctx-cancelled shutdown, or a
	// non-nil error (typically wrapping proto.StatusUpstream*) otherwise.
	Run(ctx context.Context, events <-chan InputEvent, clipboard <-chan ClipboardEvent, pub Publisher) error
}

// Publisher is the only channel through which a Worker may affect
// session-visible state: every call both writes the instruction on-wire
// (via the wire package, by the concrete implementation the Supervisor
// hands to the Worker) and folds durable state into the session's replay
// buffer, per spec.md §4.F ("emitters that mutate durable state ...
// update it in addition to writing on-wire").
type Publisher interface {
	LayerSize(layer, w, h int) error
	MoveLayer(layer, parent, x, y, z int) error
	ShadeLayer(layer, alpha int) error
	FillLayer(mode, layer, r, g, b, a int) error
	DisposeLayer(layer int) error
	SetCursor(hotspotX, hotspotY, srcLayer, srcX, srcY, w, h int) error
	SetClipboard(mimetype string, data []byte) error
	PublishImage(layer int, mimetype string, x, y int, data []byte) error
	BroadcastError(message string, status proto.Status)
}

// WorkerFactory constructs a Worker for a newly negotiated session,
// given the session ID the worker will be bound to, the backend
// protocol name from select(protocol), and the positional connect()
// values the owner supplied during handshake (spec.md §4.H step 3). The
// session ID is threaded through so a factory whose backend attaches
// externally (e.g. over a reverse-dial connection keyed by session) can
// address the right attachment.
type WorkerFactory func(sessionID, protocol string, connectArgs []string) (Worker, error)
