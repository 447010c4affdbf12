package peer

import (
	"strconv"
	"time"

	"github.com/deskrelay/gateway/internal/proto"
	"github.com/deskrelay/gateway/internal/session"
	"github.com/deskrelay/gateway/internal/wire"
)

// maxHandshakeSubMessages caps the zero-or-more audio/video/image lines
// a peer may send before connect, so a peer that never sends connect
// cannot hang the handshake goroutine forever on well-formed but
// never-ending input.
const maxHandshakeSubMessages = 64

// Resolver is supplied by the Supervisor: given the protocol name from
// select(protocol), it returns the Session to join (creating one if this
// is the first peer to request it), whether this peer becomes the
// owner, and the backend's recognized argument names (advertised via
// args() in step 2 of spec.md §4.H).
type Resolver func(protocol string) (sess *session.Session, isOwner bool, argNames []string, err error)

// Result is what a completed Handshake hands back to the Supervisor: the
// joined Session, whether this peer owns it, and the positional connect
// values lined up against the argNames the Resolver advertised — the
// backend worker's connection parameters.
type Result struct {
	Session     *session.Session
	Owner       bool
	ConnectArgs []string
}

// Handshake drives the fixed opening exchange of spec.md §4.H. On
// success it returns the Session the peer has joined and whether it is
// the owner; the peer is already registered with the session and (if a
// joiner) has already received its replay stream. On failure it reports
// error(msg,status) + disconnect + socket close itself, per §4.H ("no
// partial state persists"), and the caller need not re-abort the peer.
func Handshake(p *Peer, resolve Resolver, timeout time.Duration) (*Result, error) {
	op, argv, err := p.ReadInstruction(timeout)
	if err != nil {
		return nil, err
	}
	if op != string(proto.OpSelect) || len(argv) != 1 {
		return nil, p.failHandshake(proto.StatusClientBadRequest, "expected select(protocol)")
	}

	sess, isOwner, argNames, err := resolve(argv[0])
	if err != nil {
		return nil, p.failHandshake(proto.StatusUnsupported, "unrecognized protocol: "+argv[0])
	}

	if err := wire.EmitArgs(p.Sock, argNames); err != nil {
		return nil, err
	}

	var (
		w, h, dpi int
		connectArgs []string
		gotSize   bool
	)

	for i := 0; ; i++ {
		if i >= maxHandshakeSubMessages {
			return nil, p.failHandshake(proto.StatusClientTooMany, "handshake exceeded maximum sub-messages")
		}

		op, argv, err := p.ReadInstruction(timeout)
		if err != nil {
			return nil, err
		}

		switch op {
		case string(proto.OpSize):
			if len(argv) != 3 {
				return nil, p.failHandshake(proto.StatusClientBadRequest, "malformed size")
			}
			w, err = strconv.Atoi(argv[0])
			if err != nil {
				return nil, p.failHandshake(proto.StatusClientBadRequest, "malformed size width")
			}
			h, err = strconv.Atoi(argv[1])
			if err != nil {
				return nil, p.failHandshake(proto.StatusClientBadRequest, "malformed size height")
			}
			dpi, err = strconv.Atoi(argv[2])
			if err != nil {
				return nil, p.failHandshake(proto.StatusClientBadRequest, "malformed size dpi")
			}
			gotSize = true
		case string(proto.OpAudio), string(proto.OpVideo), string(proto.OpImage):
			// Capability mimetypes are opaque to the core (spec.md §1
			// Non-goals: no audio/video codec); acknowledged but not
			// retained.
		case string(proto.OpConnect):
			connectArgs = argv
		default:
			return nil, p.failHandshake(proto.StatusClientBadRequest, "unexpected opcode during handshake: "+op)
		}

		if op == string(proto.OpConnect) {
			break
		}
	}

	if isOwner && gotSize {
		sess.SetDisplaySize(w, h, dpi)
	}

	if err := sess.AddPeer(p.ID, p.Sock, isOwner); err != nil {
		status := proto.StatusSessionConflict
		if se, ok := err.(*proto.Error); ok {
			status = se.Status
		}
		return nil, p.failHandshake(status, err.Error())
	}
	p.Session = sess
	p.SetOwner(isOwner)

	if err := wire.EmitReady(p.Sock, sess.ID); err != nil {
		sess.RemovePeer(p.ID)
		return nil, err
	}

	if !isOwner {
		if err := sess.Dup(p.Sock); err != nil {
			sess.RemovePeer(p.ID)
			return nil, err
		}
	}

	return &Result{Session: sess, Owner: isOwner, ConnectArgs: connectArgs}, nil
}

func (p *Peer) failHandshake(status proto.Status, message string) error {
	p.Abort(status, message)
	return proto.NewError(status, message)
}
