package backend

import (
	"context"
	"net"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/deskrelay/gateway/internal/proto"
	"github.com/deskrelay/gateway/internal/wire"
)

// Dialer opens the one backend connection a RevdialWorker drives for its
// session, e.g. revdial.Server.Dial bound to a specific session ID.
type Dialer func(ctx context.Context) (net.Conn, error)

// RevdialWorker is the Worker a gateway binds to the "revdial" protocol
// (SPEC_FULL.md §3 supplemented feature): instead of owning a
// backend-native connection directly, it obtains one net.Conn via Dialer
// (a reverse-dial attachment from a backend process behind NAT) and
// speaks the same instruction wire grammar components A–E define for
// peers over it. Graphics/cursor/clipboard instructions arriving from
// the backend are folded into the session through Publisher exactly as
// ReferenceWorker's direct calls are; input and clipboard fan-in from
// peers is re-serialized onto the backend connection as mouse/key/
// clipboard instructions. This closes the loop the reverse-dial
// subsystem exists for: the Worker seam never needs a second wire
// format, it reuses this repo's own.
type RevdialWorker struct {
	dial    Dialer
	cleanup func()
	log     zerolog.Logger
}

// NewRevdialWorker constructs a RevdialWorker. cleanup, if non-nil, runs
// once Run returns, after the backend connection has been closed — used
// to detach the session's control connection from the revdial server.
func NewRevdialWorker(dial Dialer, cleanup func(), log zerolog.Logger) *RevdialWorker {
	return &RevdialWorker{
		dial:    dial,
		cleanup: cleanup,
		log:     log.With().Str("backend", "revdial").Logger(),
	}
}

// pendingImage and pendingClip accumulate a stream's blob fragments
// across the `<announce>(...) → blob* → end` sequence (spec.md §3
// Stream), mirroring internal/supervisor/dispatch.go's clipStaging but
// scoped to one backend connection instead of one clipboard channel.
type pendingImage struct {
	layer    int
	mimetype string
	x, y     int
	data     []byte
}

type pendingClip struct {
	mimetype string
	data     []byte
}

// Run implements Worker: it dials the backend connection, pumps peer
// fan-in onto it in one direction, and parses backend-originated
// instructions into Publisher calls in the other, until ctx is
// cancelled or the connection is lost.
func (w *RevdialWorker) Run(ctx context.Context, events <-chan InputEvent, clipboard <-chan ClipboardEvent, pub Publisher) error {
	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}
	if w.cleanup != nil {
		defer w.cleanup()
	}
	defer conn.Close()

	sock := wire.NewSocket(conn)

	// stop unblocks pumpFanIn once Run's read loop exits for any reason,
	// not only ctx cancellation — the backend connection can be lost on
	// its own before the session itself stops.
	stop := make(chan struct{})

	fanInDone := make(chan struct{})
	go func() {
		defer close(fanInDone)
		w.pumpFanIn(ctx, stop, sock, events, clipboard)
	}()
	defer func() {
		close(stop)
		<-fanInDone
	}()

	// parser.Read blocks indefinitely on conn; closing conn on ctx
	// cancellation is the only way to unblock it, per spec.md §5
	// ("stopping is always socket-close-driven").
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	parser := wire.NewParser()
	images := make(map[int]*pendingImage)
	clips := make(map[int]*pendingClip)

	for {
		if err := parser.Read(sock, 0); err != nil {
			if err == wire.ErrConnectionClosed {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return proto.WrapError(proto.StatusUpstreamError, "revdial backend connection failed", err)
		}

		opcode, argv := parser.Opcode(), parser.Argv()
		parser.Reset()

		if err := w.dispatchBackendInstruction(opcode, argv, pub, images, clips); err != nil {
			w.log.Warn().Err(err).Str("opcode", opcode).Msg("rejected backend instruction")
		}
	}
}

func (w *RevdialWorker) dispatchBackendInstruction(opcode string, argv []string, pub Publisher, images map[int]*pendingImage, clips map[int]*pendingClip) error {
	switch proto.Opcode(opcode) {
	case proto.OpSize:
		if len(argv) != 3 {
			return proto.NewError(proto.StatusClientBadRequest, "malformed size")
		}
		layer, w1, h1, err := parse3Ints(argv)
		if err != nil {
			return err
		}
		return pub.LayerSize(layer, w1, h1)

	case proto.OpMove:
		if len(argv) != 5 {
			return proto.NewError(proto.StatusClientBadRequest, "malformed move")
		}
		vals, err := parseInts(argv)
		if err != nil {
			return err
		}
		return pub.MoveLayer(vals[0], vals[1], vals[2], vals[3], vals[4])

	case proto.OpShade:
		if len(argv) != 2 {
			return proto.NewError(proto.StatusClientBadRequest, "malformed shade")
		}
		vals, err := parseInts(argv)
		if err != nil {
			return err
		}
		return pub.ShadeLayer(vals[0], vals[1])

	case proto.OpCFill:
		if len(argv) != 6 {
			return proto.NewError(proto.StatusClientBadRequest, "malformed cfill")
		}
		vals, err := parseInts(argv)
		if err != nil {
			return err
		}
		return pub.FillLayer(vals[0], vals[1], vals[2], vals[3], vals[4], vals[5])

	case proto.OpDispose:
		if len(argv) != 1 {
			return proto.NewError(proto.StatusClientBadRequest, "malformed dispose")
		}
		layer, err := strconv.Atoi(argv[0])
		if err != nil {
			return proto.NewError(proto.StatusClientBadRequest, "malformed dispose handle")
		}
		return pub.DisposeLayer(layer)

	case proto.OpCursor:
		if len(argv) != 7 {
			return proto.NewError(proto.StatusClientBadRequest, "malformed cursor")
		}
		vals, err := parseInts(argv)
		if err != nil {
			return err
		}
		return pub.SetCursor(vals[0], vals[1], vals[2], vals[3], vals[4], vals[5], vals[6])

	case proto.OpImg:
		if len(argv) != 6 {
			return proto.NewError(proto.StatusClientBadRequest, "malformed img")
		}
		stream, err := strconv.Atoi(argv[0])
		if err != nil {
			return proto.NewError(proto.StatusClientBadRequest, "malformed img stream handle")
		}
		layer, err := strconv.Atoi(argv[2])
		if err != nil {
			return proto.NewError(proto.StatusClientBadRequest, "malformed img layer")
		}
		x, err := strconv.Atoi(argv[4])
		if err != nil {
			return proto.NewError(proto.StatusClientBadRequest, "malformed img x")
		}
		y, err := strconv.Atoi(argv[5])
		if err != nil {
			return proto.NewError(proto.StatusClientBadRequest, "malformed img y")
		}
		images[stream] = &pendingImage{layer: layer, mimetype: argv[3], x: x, y: y}
		return nil

	case proto.OpClipboard:
		if len(argv) != 2 {
			return proto.NewError(proto.StatusClientBadRequest, "malformed clipboard")
		}
		stream, err := strconv.Atoi(argv[0])
		if err != nil {
			return proto.NewError(proto.StatusClientBadRequest, "malformed clipboard stream handle")
		}
		clips[stream] = &pendingClip{mimetype: argv[1]}
		return nil

	case proto.OpBlob:
		if len(argv) != 2 {
			return proto.NewError(proto.StatusClientBadRequest, "malformed blob")
		}
		stream, err := strconv.Atoi(argv[0])
		if err != nil {
			return proto.NewError(proto.StatusClientBadRequest, "malformed blob stream handle")
		}
		data := wire.DecodeBlobArg(argv[1])
		if img, ok := images[stream]; ok {
			img.data = append(img.data, data...)
		}
		if clip, ok := clips[stream]; ok {
			clip.data = append(clip.data, data...)
		}
		return nil

	case proto.OpEnd:
		if len(argv) != 1 {
			return proto.NewError(proto.StatusClientBadRequest, "malformed end")
		}
		stream, err := strconv.Atoi(argv[0])
		if err != nil {
			return proto.NewError(proto.StatusClientBadRequest, "malformed end stream handle")
		}
		if img, ok := images[stream]; ok {
			delete(images, stream)
			return pub.PublishImage(img.layer, img.mimetype, img.x, img.y, img.data)
		}
		if clip, ok := clips[stream]; ok {
			delete(clips, stream)
			return pub.SetClipboard(clip.mimetype, clip.data)
		}
		return nil

	case proto.OpError:
		if len(argv) != 2 {
			return nil
		}
		status, _ := strconv.Atoi(argv[1])
		pub.BroadcastError(argv[0], proto.Status(status))
		return nil

	case proto.OpDisconnect, proto.OpNop:
		return nil

	default:
		return nil
	}
}

// pumpFanIn re-serializes peer input and clipboard fan-in as wire
// instructions on the backend connection, until ctx is cancelled, stop
// is closed (Run's read loop already exited), or a channel closes. It
// never mutates Publisher state itself — only the parse loop in Run
// does, keeping a single writer of session state per spec.md §9's
// message-passing redesign note.
func (w *RevdialWorker) pumpFanIn(ctx context.Context, stop <-chan struct{}, sock *wire.Socket, events <-chan InputEvent, clipboard <-chan ClipboardEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := w.forwardInputEvent(sock, ev); err != nil {
				w.log.Warn().Err(err).Str("peer", ev.PeerID).Msg("failed to forward input event to backend")
				return
			}
		case cb, ok := <-clipboard:
			if !ok {
				return
			}
			if err := w.forwardClipboard(sock, cb); err != nil {
				w.log.Warn().Err(err).Str("peer", cb.PeerID).Msg("failed to forward clipboard to backend")
				return
			}
		}
	}
}

func (w *RevdialWorker) forwardInputEvent(sock *wire.Socket, ev InputEvent) error {
	switch ev.Opcode {
	case proto.OpMouse:
		if len(ev.Argv) != 4 {
			return nil
		}
		vals, err := parseInts(ev.Argv[:3])
		if err != nil {
			return nil
		}
		ts, err := strconv.ParseInt(ev.Argv[3], 10, 64)
		if err != nil {
			return nil
		}
		return wire.EmitMouse(sock, vals[0], vals[1], vals[2], ts)
	case proto.OpKey:
		if len(ev.Argv) != 3 {
			return nil
		}
		sym, err := strconv.ParseInt(ev.Argv[0], 10, 64)
		if err != nil {
			return nil
		}
		pressed := ev.Argv[1] == "1"
		ts, err := strconv.ParseInt(ev.Argv[2], 10, 64)
		if err != nil {
			return nil
		}
		return wire.EmitKey(sock, sym, pressed, ts)
	default:
		return nil
	}
}

func (w *RevdialWorker) forwardClipboard(sock *wire.Socket, cb ClipboardEvent) error {
	streamID := 0
	if err := wire.EmitClipboardStream(sock, streamID, cb.Mimetype); err != nil {
		return err
	}
	if err := wire.EmitBlob(sock, streamID, cb.Data); err != nil {
		return err
	}
	return wire.EmitStreamEnd(sock, streamID)
}

func parseInts(argv []string) ([]int, error) {
	out := make([]int, len(argv))
	for i, a := range argv {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, proto.NewError(proto.StatusClientBadRequest, "malformed integer argument")
		}
		out[i] = n
	}
	return out, nil
}

func parse3Ints(argv []string) (int, int, int, error) {
	vals, err := parseInts(argv)
	if err != nil {
		return 0, 0, 0, err
	}
	return vals[0], vals[1], vals[2], nil
}
