package supervisor

import (
	"bytes"

	"github.com/deskrelay/gateway/internal/handle"
	"github.com/deskrelay/gateway/internal/proto"
	"github.com/deskrelay/gateway/internal/session"
	"github.com/deskrelay/gateway/internal/wire"
)

// sessionPublisher is the concrete backend.Publisher handed to a backend
// Worker: every call folds durable state into the Session's replay model
// (spec.md §4.F) and fans the same instruction out on-wire to every
// attached peer through Session.Broadcast, with no peer excluded.
type sessionPublisher struct {
	sess *session.Session
	rec  recorder
}

// recorder is the minimal surface internal/recording.Sink exposes,
// declared here to avoid supervisor depending on recording's NATS
// client type directly; a nil recorder is a legal no-op sink.
type recorder interface {
	RecordInstruction(sessionID string, raw []byte)
}

func newSessionPublisher(sess *session.Session, rec recorder) *sessionPublisher {
	return &sessionPublisher{sess: sess, rec: rec}
}

func (p *sessionPublisher) layerRef(layer int) handle.Ref {
	if ref, ok := p.sess.LayerRef(layer); ok {
		return ref
	}
	return handle.Ref{ID: layer}
}

func (p *sessionPublisher) LayerSize(layer, w, h int) error {
	p.sess.LayerSize(p.layerRef(layer), w, h)
	return p.broadcast(func(sock *wire.Socket) error {
		return wire.EmitLayerSize(sock, layer, w, h)
	})
}

func (p *sessionPublisher) MoveLayer(layer, parent, x, y, z int) error {
	p.sess.MoveLayer(p.layerRef(layer), parent, x, y, z)
	return p.broadcast(func(sock *wire.Socket) error {
		return wire.EmitMove(sock, layer, parent, x, y, z)
	})
}

func (p *sessionPublisher) ShadeLayer(layer, alpha int) error {
	p.sess.ShadeLayer(p.layerRef(layer), alpha)
	return p.broadcast(func(sock *wire.Socket) error {
		return wire.EmitShade(sock, layer, alpha)
	})
}

func (p *sessionPublisher) FillLayer(mode, layer, r, g, b, a int) error {
	p.sess.CFillLayer(p.layerRef(layer), mode, r, g, b, a)
	return p.broadcast(func(sock *wire.Socket) error {
		return wire.EmitCFill(sock, mode, layer, r, g, b, a)
	})
}

func (p *sessionPublisher) DisposeLayer(layer int) error {
	ref := p.layerRef(layer)
	if err := p.sess.ReleaseLayer(ref); err != nil {
		return err
	}
	return p.broadcast(func(sock *wire.Socket) error {
		return wire.EmitDispose(sock, layer)
	})
}

func (p *sessionPublisher) SetCursor(hotspotX, hotspotY, srcLayer, srcX, srcY, w, h int) error {
	p.sess.SetCursor(hotspotX, hotspotY, srcLayer, srcX, srcY, w, h)
	return p.broadcast(func(sock *wire.Socket) error {
		return wire.EmitCursor(sock, hotspotX, hotspotY, srcLayer, srcX, srcY, w, h)
	})
}

func (p *sessionPublisher) SetClipboard(mimetype string, data []byte) error {
	if err := p.sess.SetClipboard(mimetype, data); err != nil {
		return err
	}
	return p.broadcast(func(sock *wire.Socket) error {
		streamRef, err := p.sess.AllocateStream()
		if err != nil {
			return err
		}
		defer p.sess.ReleaseStream(streamRef)
		if err := wire.EmitClipboardStream(sock, streamRef.ID, mimetype); err != nil {
			return err
		}
		if err := wire.EmitBlob(sock, streamRef.ID, data); err != nil {
			return err
		}
		return wire.EmitStreamEnd(sock, streamRef.ID)
	})
}

func (p *sessionPublisher) PublishImage(layer int, mimetype string, x, y int, data []byte) error {
	return p.broadcast(func(sock *wire.Socket) error {
		streamRef, err := p.sess.AllocateStream()
		if err != nil {
			return err
		}
		defer p.sess.ReleaseStream(streamRef)
		if err := wire.EmitImg(sock, streamRef.ID, proto.CFillModeSrcOver, layer, mimetype, x, y); err != nil {
			return err
		}
		if err := wire.EmitBlob(sock, streamRef.ID, data); err != nil {
			return err
		}
		return wire.EmitStreamEnd(sock, streamRef.ID)
	})
}

func (p *sessionPublisher) BroadcastError(message string, status proto.Status) {
	p.sess.Broadcast("", func(sock *wire.Socket) error {
		return wire.EmitError(sock, message, status)
	})
}

// broadcast renders fn once into memory (so side effects like stream
// handle allocation happen exactly once, not once per peer), then writes
// the identical raw bytes to every attached peer and, if a recorder is
// configured, publishes the same bytes to the session's recording sink —
// giving the sink a literal wire-bytes trace without ever having to
// re-run an emitter per destination.
func (p *sessionPublisher) broadcast(fn func(sock *wire.Socket) error) error {
	var buf bytes.Buffer
	render := wire.NewBufferSocket(&buf)
	if err := fn(render); err != nil {
		return err
	}
	raw := buf.Bytes()

	p.sess.Broadcast("", func(sock *wire.Socket) error {
		return sock.WriteInstructionRaw(raw)
	})
	if p.rec != nil {
		p.rec.RecordInstruction(p.sess.ID, raw)
	}
	return nil
}
