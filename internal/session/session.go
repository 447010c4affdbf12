// Package session implements the Session State (spec.md §4.F) and Shared
// Display Model (§4.J): the per-session handle tables, clipboard, replay
// buffer, and the owner/joiner invariant every peer lookup depends on.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskrelay/gateway/internal/handle"
	"github.com/deskrelay/gateway/internal/proto"
	"github.com/deskrelay/gateway/internal/wire"
)

// State is one of the four session lifecycle phases of spec.md §3.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config carries the per-session numeric parameters of spec.md §6.
type Config struct {
	InstructionTimeout time.Duration
	IdleTimeout        time.Duration
	ClipboardMaxBytes  int
}

type peerEntry struct {
	sock  *wire.Socket
	owner bool
}

// Session owns the handle tables for layers/streams/objects, the
// lifecycle state machine, and the shared display model. Each peer.Peer
// holds a direct *Session pointer, set when its handshake completes; it
// is not a weak reference. The Session itself never reaches back into a
// Peer's dispatch table.
type Session struct {
	ID  string
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	state   State
	ownerID string
	peers   map[string]*peerEntry

	layers  *handle.Allocator
	streams *handle.Allocator
	objects *handle.Allocator

	displayMu sync.Mutex
	tree      map[int]*Layer
	cursor    Cursor
	clip      *clipboard
	dispW     int
	dispH     int
	dispDPI   int

	CreatedAt time.Time
}

// New constructs a Session in the starting state with an always-live
// default layer (handle 0) already present in the tree.
func New(id string, cfg Config, log zerolog.Logger) *Session {
	s := &Session{
		ID:        id,
		cfg:       cfg,
		log:       log.With().Str("session", id).Logger(),
		state:     StateStarting,
		peers:     make(map[string]*peerEntry),
		layers:    handle.New(1), // handle 0 is reserved for the default layer
		streams:   handle.New(0),
		objects:   handle.New(0),
		tree:      map[int]*Layer{0: {Ref: handle.Ref{ID: 0}, ParentID: -1, Shade: 255}},
		clip:      newClipboard(cfg.ClipboardMaxBytes),
		CreatedAt: time.Now(),
	}
	return s
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions starting → running, once the owner's handshake has
// completed and the backend worker has been spawned.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting {
		s.state = StateRunning
	}
}

// Stopping transitions the session to stopping, idempotently.
func (s *Session) Stopping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		s.state = StateStopping
	}
}

// Stopped marks the session fully torn down; handle tables and the
// replay buffer are no longer consulted after this point.
func (s *Session) Stopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateStopped
}

// AddPeer registers a peer's socket with the session, enforcing the
// at-most-one-owner invariant (spec.md §8 law 7): a second peer claiming
// owner=true, or any joiner once the session is stopped, is rejected.
func (s *Session) AddPeer(peerID string, sock *wire.Socket, owner bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner && s.ownerID != "" {
		return proto.NewError(proto.StatusSessionConflict, "session already has an owner")
	}
	if s.state == StateStopped {
		return proto.NewError(proto.StatusSessionClosed, "session is stopped")
	}

	s.peers[peerID] = &peerEntry{sock: sock, owner: owner}
	if owner {
		s.ownerID = peerID
	}
	return nil
}

// RemovePeer unregisters a peer, reporting whether it was the owner.
// Per spec.md §4.I, the caller is responsible for driving the
// transition to stopping when wasOwner is true.
func (s *Session) RemovePeer(peerID string) (wasOwner bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.peers[peerID]
	if !ok {
		return false
	}
	delete(s.peers, peerID)
	if entry.owner {
		s.ownerID = ""
		return true
	}
	return false
}

// PeerCount reports how many peers are currently attached.
func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// IsOwner reports whether peerID is the current owner.
func (s *Session) IsOwner(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerID != "" && s.ownerID == peerID
}

// Broadcast invokes fn with every attached peer's socket except
// exceptID (pass "" to include everyone). A per-peer write failure is
// logged and does not abort the fan-out to the remaining peers, mirroring
// helixml-helix's session_registry broadcast-to-all-other-clients pattern.
func (s *Session) Broadcast(exceptID string, fn func(sock *wire.Socket) error) {
	s.mu.Lock()
	targets := make(map[string]*wire.Socket, len(s.peers))
	for id, entry := range s.peers {
		if id == exceptID {
			continue
		}
		targets[id] = entry.sock
	}
	s.mu.Unlock()

	for id, sock := range targets {
		if err := fn(sock); err != nil {
			s.log.Warn().Err(err).Str("peer", id).Msg("broadcast write failed")
		}
	}
}

// AllocateLayer, AllocateStream and AllocateObject draw from the three
// disjoint handle spaces of spec.md §4.F.
func (s *Session) AllocateLayer() (handle.Ref, error)  { return s.layers.Allocate() }
func (s *Session) AllocateStream() (handle.Ref, error) { return s.streams.Allocate() }
func (s *Session) AllocateObject() (handle.Ref, error) { return s.objects.Allocate() }

func (s *Session) ReleaseStream(ref handle.Ref) error { return s.streams.Release(ref) }
func (s *Session) ReleaseObject(ref handle.Ref) error { return s.objects.Release(ref) }

// LayerRef resolves a raw wire handle to its current generation-counted
// Ref, for callers (the backend Publisher) that only ever see plain
// integers on the wire but need a stale-safe handle to mutate through.
// Handle 0 (the default layer) is always live even though it was never
// drawn from the allocator, per spec.md §3.
func (s *Session) LayerRef(id int) (handle.Ref, bool) {
	if id == 0 {
		return handle.Ref{ID: 0}, true
	}
	return s.layers.Current(id)
}

// ReleaseLayer disposes a layer handle and removes it from the display
// tree, releasing it back to the allocator's free list.
func (s *Session) ReleaseLayer(ref handle.Ref) error {
	if err := s.layers.Release(ref); err != nil {
		return err
	}
	s.displayMu.Lock()
	delete(s.tree, ref.ID)
	s.displayMu.Unlock()
	return nil
}
