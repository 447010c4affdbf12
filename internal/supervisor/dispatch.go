package supervisor

import (
	"strconv"
	"sync"
	"time"

	"github.com/deskrelay/gateway/internal/backend"
	"github.com/deskrelay/gateway/internal/peer"
	"github.com/deskrelay/gateway/internal/proto"
	"github.com/deskrelay/gateway/internal/wire"
)

// clipStaging accumulates a clipboard stream's blob fragments across the
// clipboard/blob/end instruction sequence of spec.md §3 Stream
// ("opened → blob* → end"), keyed by stream handle only. One staging
// area is shared by every peer of a session, so streams from different
// peers that use the same stream handle at the same time land in the
// same entry.
type clipStaging struct {
	mu      sync.Mutex
	entries map[int]*clipEntry
}

type clipEntry struct {
	mimetype string
	data     []byte
}

func newClipStaging() *clipStaging {
	return &clipStaging{entries: make(map[int]*clipEntry)}
}

func (c *clipStaging) open(stream int, mimetype string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[stream] = &clipEntry{mimetype: mimetype}
}

func (c *clipStaging) appendBlob(stream int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[stream]
	if !ok {
		return
	}
	e.data = append(e.data, data...)
}

func (c *clipStaging) finish(stream int) (mimetype string, data []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[stream]
	if !ok {
		return "", nil, false
	}
	delete(c.entries, stream)
	return e.mimetype, e.data, true
}

// buildHandlers constructs the opcode→handler dispatch table (component
// G, spec.md §4.G) for one peer, closing over the session it has joined
// and the event/clipboard channels of that session's backend worker. A
// fresh table is built per peer rather than shared package-wide because
// each closure is bound to one peer's session; the opcode set itself is
// fixed at compile time (the map literal below), matching spec.md §9's
// "compile-time table" redesign note — only the bound session varies.
func buildHandlers(s *Supervisor, sessionID string) map[string]peer.HandlerFunc {
	staging := s.stagingFor(sessionID)
	events := func() chan<- backend.InputEvent {
		s.mu.Lock()
		defer s.mu.Unlock()
		if rt, ok := s.workers[sessionID]; ok {
			return rt.events
		}
		return nil
	}
	clipboardCh := func() chan<- backend.ClipboardEvent {
		s.mu.Lock()
		defer s.mu.Unlock()
		if rt, ok := s.workers[sessionID]; ok {
			return rt.clipboard
		}
		return nil
	}

	forwardInput := func(opcode proto.Opcode) peer.HandlerFunc {
		return func(p *peer.Peer, argv []string) error {
			ch := events()
			if ch == nil {
				return nil // backend already torn down; drop in-flight input silently
			}
			select {
			case ch <- backend.InputEvent{PeerID: p.ID, Opcode: opcode, Argv: argv}:
			default:
				s.log.Warn().Str("peer", p.ID).Str("opcode", string(opcode)).Msg("input event dropped: backend queue full")
			}
			return nil
		}
	}

	return map[string]peer.HandlerFunc{
		string(proto.OpNop): func(p *peer.Peer, argv []string) error { return nil },

		string(proto.OpSync): func(p *peer.Peer, argv []string) error {
			if len(argv) != 1 {
				return proto.NewError(proto.StatusClientBadRequest, "malformed sync")
			}
			ts, err := strconv.ParseInt(argv[0], 10, 64)
			if err != nil {
				return proto.NewError(proto.StatusClientBadRequest, "malformed sync timestamp")
			}
			return wire.EmitSync(p.Sock, ts)
		},

		string(proto.OpMouse): forwardInput(proto.OpMouse),
		string(proto.OpKey):   forwardInput(proto.OpKey),

		string(proto.OpClipboard): func(p *peer.Peer, argv []string) error {
			if len(argv) != 2 {
				return proto.NewError(proto.StatusClientBadRequest, "malformed clipboard")
			}
			stream, err := strconv.Atoi(argv[0])
			if err != nil {
				return proto.NewError(proto.StatusClientBadRequest, "malformed clipboard stream handle")
			}
			staging.open(stream, argv[1])
			return nil
		},

		string(proto.OpBlob): func(p *peer.Peer, argv []string) error {
			if len(argv) != 2 {
				return proto.NewError(proto.StatusClientBadRequest, "malformed blob")
			}
			stream, err := strconv.Atoi(argv[0])
			if err != nil {
				return proto.NewError(proto.StatusClientBadRequest, "malformed blob stream handle")
			}
			staging.appendBlob(stream, wire.DecodeBlobArg(argv[1]))
			return nil
		},

		string(proto.OpEnd): func(p *peer.Peer, argv []string) error {
			if len(argv) != 1 {
				return proto.NewError(proto.StatusClientBadRequest, "malformed end")
			}
			stream, err := strconv.Atoi(argv[0])
			if err != nil {
				return proto.NewError(proto.StatusClientBadRequest, "malformed end stream handle")
			}
			mimetype, data, ok := staging.finish(stream)
			if !ok {
				return nil
			}
			ch := clipboardCh()
			if ch == nil {
				return nil
			}
			select {
			case ch <- backend.ClipboardEvent{PeerID: p.ID, Mimetype: mimetype, Data: data}:
			case <-time.After(time.Second):
				s.log.Warn().Str("peer", p.ID).Msg("clipboard event dropped: backend queue full")
			}
			return nil
		},

		string(proto.OpDisconnect): func(p *peer.Peer, argv []string) error {
			p.MarkInactive()
			return nil
		},
	}
}
