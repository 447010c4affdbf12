// Package supervisor implements component I of spec.md §4.I: accepts
// peers, binds the first peer requesting a given backend protocol as
// owner (spawning its backend worker), binds later peers requesting the
// same protocol as joiners, drives the per-peer input loop, and
// orchestrates shutdown. Grounded on helixml-helix's
// api/cmd/desktop-bridge/main.go goroutine-per-service +
// context-cancellation shutdown shape, applied per-session instead of
// per-process, and api/pkg/desktop/ws_input.go's `for { conn.ReadMessage()
// ... }` loop, replaced here with Peer.ReadInstruction/Dispatch.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deskrelay/gateway/internal/backend"
	"github.com/deskrelay/gateway/internal/housekeeping"
	"github.com/deskrelay/gateway/internal/peer"
	"github.com/deskrelay/gateway/internal/proto"
	"github.com/deskrelay/gateway/internal/session"
	"github.com/deskrelay/gateway/internal/wire"
)

// eventQueueDepth bounds the fan-in channel from peer input loops to a
// session's backend worker so one peer flooding input cannot grow memory
// unboundedly. When the queue is full, an input event is dropped at once
// (non-blocking send) and a clipboard event is dropped after waiting up
// to one second; both drops are logged.
const eventQueueDepth = 256

// Config aggregates the ambient parameters every session is constructed
// with (SPEC_FULL.md §1.3).
type Config struct {
	InstructionTimeout time.Duration
	IdleTimeout        time.Duration
	ClipboardMaxBytes  int
}

type workerRuntime struct {
	cancel    context.CancelFunc
	events    chan backend.InputEvent
	clipboard chan backend.ClipboardEvent
	done      chan struct{}
}

// Supervisor owns every live session and peer in the process.
type Supervisor struct {
	cfg        Config
	factories  map[string]backend.WorkerFactory
	argSchemas map[string][]string
	rec        recorder
	log        zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session // keyed by protocol name
	workers  map[string]*workerRuntime   // keyed by session ID
	peers    map[string]*peer.Peer       // every tracked peer, for housekeeping
	staging  map[string]*clipStaging     // keyed by session ID
}

// stagingFor returns the clipboard staging area for a session, creating
// it on first use. A session's staging area is independent of its
// backend worker's lifetime: a joiner may reach the dispatch table
// before spawnWorker has run for a concurrently-handshaking owner, so
// staging cannot simply live on workerRuntime.
func (s *Supervisor) stagingFor(sessionID string) *clipStaging {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.staging[sessionID]
	if !ok {
		st = newClipStaging()
		s.staging[sessionID] = st
	}
	return st
}

// New constructs a Supervisor. factories maps a backend protocol name
// (the value a peer names in select(protocol)) to the WorkerFactory that
// constructs its backend.Worker; argSchemas maps the same protocol name
// to the arg names advertised via args() during handshake (spec.md
// §4.H step 2, §6 "Backend arg schemas").
func New(cfg Config, factories map[string]backend.WorkerFactory, argSchemas map[string][]string, rec recorder, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		factories:  factories,
		argSchemas: argSchemas,
		rec:        rec,
		log:        log,
		sessions:   make(map[string]*session.Session),
		workers:    make(map[string]*workerRuntime),
		peers:      make(map[string]*peer.Peer),
		staging:    make(map[string]*clipStaging),
	}
}

// Peers returns a snapshot of every tracked peer, satisfying
// housekeeping.Registry.
func (s *Supervisor) Peers() map[string]housekeeping.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]housekeeping.Peer, len(s.peers))
	for id, p := range s.peers {
		out[id] = p
	}
	return out
}

// resolve implements peer.Resolver: the first select(protocol) for a
// given protocol name creates a session and its owner; every subsequent
// one joins that session as a non-owner, as long as a WorkerFactory is
// registered for the protocol at all.
func (s *Supervisor) resolve(protocol string) (*session.Session, bool, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	argNames := s.argSchemas[protocol]

	if sess, ok := s.sessions[protocol]; ok && sess.State() != session.StateStopped {
		return sess, false, argNames, nil
	}

	if _, ok := s.factories[protocol]; !ok {
		return nil, false, nil, proto.NewError(proto.StatusUnsupported, "no backend registered for protocol "+protocol)
	}

	sess := session.New(uuid.NewString(), session.Config{
		InstructionTimeout: s.cfg.InstructionTimeout,
		IdleTimeout:        s.cfg.IdleTimeout,
		ClipboardMaxBytes:  s.cfg.ClipboardMaxBytes,
	}, s.log)
	s.sessions[protocol] = sess
	return sess, true, argNames, nil
}

// Serve drives one accepted peer end-to-end: handshake, dispatch loop,
// teardown. It blocks until the peer disconnects, times out, or a
// protocol error terminates it — the caller (the HTTP upgrade handler)
// is expected to invoke Serve on its own goroutine per connection.
func (s *Supervisor) Serve(sock *wire.Socket, protocolHint string) {
	id := uuid.NewString()
	p := peer.New(id, sock, nil, s.log)

	result, err := peer.Handshake(p, s.resolve, s.cfg.InstructionTimeout)
	if err != nil {
		s.log.Warn().Err(err).Str("peer", id).Msg("handshake failed")
		return
	}

	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, id)
		s.mu.Unlock()
	}()

	sess := result.Session
	p.SetHandlers(buildHandlers(s, sess.ID))

	if result.Owner {
		if err := s.spawnWorker(sess, protocolHint, result.ConnectArgs); err != nil {
			s.log.Error().Err(err).Str("session", sess.ID).Msg("failed to spawn backend worker")
			wire.EmitError(p.Sock, err.Error(), proto.StatusUpstreamUnavailable)
			wire.EmitDisconnect(p.Sock)
			p.Sock.Close()
			sess.RemovePeer(id)
			return
		}
		sess.Start()
	}

	s.inputLoop(p, sess)

	wasOwner := sess.RemovePeer(id)
	if wasOwner {
		s.stopSession(protocolHint, sess)
	}
}

func (s *Supervisor) inputLoop(p *peer.Peer, sess *session.Session) {
	for {
		if sess.State() == session.StateStopped {
			return
		}
		if !p.Active() {
			return
		}

		opcode, argv, err := p.ReadInstruction(s.cfg.InstructionTimeout)
		if err != nil {
			switch err {
			case wire.ErrReadTimeout:
				p.Abort(proto.StatusClientTimeout, "no instruction received within timeout")
			case wire.ErrConnectionClosed:
				p.MarkInactive()
				_ = p.Sock.Close()
			default:
				if pe, ok := err.(*proto.Error); ok {
					p.Abort(pe.Status, pe.Message)
				} else {
					p.Abort(proto.StatusServerError, err.Error())
				}
			}
			return
		}

		if handlerErr := p.Dispatch(opcode, argv); handlerErr != nil {
			p.Abort(proto.StatusServerError, handlerErr.Error())
			return
		}
	}
}

func (s *Supervisor) spawnWorker(sess *session.Session, protocol string, connectArgs []string) error {
	factory, ok := s.factories[protocol]
	if !ok {
		return fmt.Errorf("no backend registered for protocol %s", protocol)
	}
	worker, err := factory(sess.ID, protocol, connectArgs)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &workerRuntime{
		cancel:    cancel,
		events:    make(chan backend.InputEvent, eventQueueDepth),
		clipboard: make(chan backend.ClipboardEvent, eventQueueDepth),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.workers[sess.ID] = rt
	s.mu.Unlock()

	pub := newSessionPublisher(sess, s.rec)

	go func() {
		defer close(rt.done)
		if err := worker.Run(ctx, rt.events, rt.clipboard, pub); err != nil {
			s.log.Error().Err(err).Str("session", sess.ID).Msg("backend worker exited with error")
			pub.BroadcastError(err.Error(), proto.StatusUpstreamError)
		}
	}()

	return nil
}

// stopSession transitions a session to stopping, sends every attached
// peer an error, removes the session's worker, staging and
// protocol→session entries, then cancels the backend worker and waits for
// its goroutine to exit. Finally it sends disconnect to every peer still
// attached, closes their sockets and marks the session stopped. It does
// not wait for those peers' input loops to exit.
func (s *Supervisor) stopSession(protocol string, sess *session.Session) {
	sess.Stopping()
	sess.Broadcast("", func(sock *wire.Socket) error {
		return wire.EmitError(sock, "session owner disconnected", proto.StatusSessionClosed)
	})

	s.mu.Lock()
	rt, ok := s.workers[sess.ID]
	if ok {
		delete(s.workers, sess.ID)
	}
	delete(s.staging, sess.ID)
	if cur, exists := s.sessions[protocol]; exists && cur == sess {
		delete(s.sessions, protocol)
	}
	s.mu.Unlock()

	if ok {
		rt.cancel()
		<-rt.done
	}

	sess.Broadcast("", func(sock *wire.Socket) error {
		err := wire.EmitDisconnect(sock)
		sock.Close()
		return err
	})
	sess.Stopped()
}
