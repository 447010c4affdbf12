// Serializer implements component E of spec.md §4: a dedicated emitter per
// instruction kind, each rendering
//
//	<codepoint-len-of-opcode>.<opcode>,<len>.<arg1>,<len>.<arg2>,…;
//
// bracketed between Socket.InstructionBegin/InstructionEnd. Integer
// arguments render to canonical decimal first, then get the same
// length-prefixed string treatment as any other element; binary payloads
// (blob) are wrapped as a single pseudo-string via the streaming base64
// encoder.
package wire

import (
	"github.com/deskrelay/gateway/internal/proto"
)

// emit writes opcode followed by args as one bracketed instruction. A
// failure from any sub-write short-circuits the rest and is returned
// directly (spec.md §4.E); InstructionEnd is always invoked so the
// socket's write lock is released and any buffered bytes belonging to a
// still-good instruction are flushed.
func emit(sock *Socket, opcode proto.Opcode, args ...element) error {
	sock.InstructionBegin()
	bodyErr := writeInstructionBody(sock, string(opcode), args)
	endErr := sock.InstructionEnd()
	if bodyErr != nil {
		return bodyErr
	}
	return endErr
}

func writeInstructionBody(sock *Socket, opcode string, args []element) error {
	total := len(args) + 1
	for i := 0; i < total; i++ {
		var e element
		if i == 0 {
			e = strElement(opcode)
		} else {
			e = args[i-1]
		}

		if err := sock.WriteInt(int64(e.codepoints())); err != nil {
			return err
		}
		if err := sock.WriteRaw([]byte{'.'}); err != nil {
			return err
		}
		if err := e.writeContent(sock); err != nil {
			return err
		}
		if i == total-1 {
			if err := sock.WriteRaw([]byte{';'}); err != nil {
				return err
			}
		} else {
			if err := sock.WriteRaw([]byte{','}); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Control -----------------------------------------------------------

func EmitAck(sock *Socket, stream int, message string, status proto.Status) error {
	return emit(sock, proto.OpAck, num(int64(stream)), str(message), num(int64(status)))
}

func EmitNop(sock *Socket) error {
	return emit(sock, proto.OpNop)
}

func EmitSync(sock *Socket, timestampMillis int64) error {
	return emit(sock, proto.OpSync, num(timestampMillis))
}

func EmitError(sock *Socket, message string, status proto.Status) error {
	return emit(sock, proto.OpError, str(message), num(int64(status)))
}

func EmitDisconnect(sock *Socket) error {
	return emit(sock, proto.OpDisconnect)
}

func EmitMouse(sock *Socket, x, y int, mask int, timestampMillis int64) error {
	return emit(sock, proto.OpMouse, num(int64(x)), num(int64(y)), num(int64(mask)), num(timestampMillis))
}

func EmitKey(sock *Socket, keysym int64, pressed bool, timestampMillis int64) error {
	return emit(sock, proto.OpKey, num(keysym), boolInt(pressed), num(timestampMillis))
}

// --- Drawing -------------------------------------------------------------

func EmitRect(sock *Socket, layer, x, y, w, h int) error {
	return emit(sock, proto.OpRect, num(int64(layer)), num(int64(x)), num(int64(y)), num(int64(w)), num(int64(h)))
}

func EmitClip(sock *Socket, layer int) error {
	return emit(sock, proto.OpClip, num(int64(layer)))
}

// EmitCFill paints layer with an RGBA color under the given composite
// mode (proto.CFillMode*).
func EmitCFill(sock *Socket, mode, layer, r, g, b, a int) error {
	return emit(sock, proto.OpCFill,
		num(int64(mode)), num(int64(layer)),
		num(int64(r)), num(int64(g)), num(int64(b)), num(int64(a)))
}

// EmitCopy copies a rectangle from one layer to another under the given
// composite mode.
func EmitCopy(sock *Socket, srcLayer, srcX, srcY, w, h, mode, dstLayer, dstX, dstY int) error {
	return emit(sock, proto.OpCopy,
		num(int64(srcLayer)), num(int64(srcX)), num(int64(srcY)), num(int64(w)), num(int64(h)),
		num(int64(mode)), num(int64(dstLayer)), num(int64(dstX)), num(int64(dstY)))
}

// EmitTransfer applies a pixel transfer function between two layers; fn
// names the function (e.g. a bitwise compositing operator) understood by
// the backend, kept opaque here per spec.md §1 Non-goals.
func EmitTransfer(sock *Socket, fn string, srcLayer, srcX, srcY, w, h, dstLayer, dstX, dstY int) error {
	return emit(sock, proto.OpTransfer,
		str(fn),
		num(int64(srcLayer)), num(int64(srcX)), num(int64(srcY)), num(int64(w)), num(int64(h)),
		num(int64(dstLayer)), num(int64(dstX)), num(int64(dstY)))
}

// EmitImg announces an image about to be delivered via stream, to be
// drawn into layer at (x,y) once the stream completes.
func EmitImg(sock *Socket, stream int, mode, layer int, mimetype string, x, y int) error {
	return emit(sock, proto.OpImg,
		num(int64(stream)), num(int64(mode)), num(int64(layer)), str(mimetype), num(int64(x)), num(int64(y)))
}

// EmitCursor sets the shared cursor's source rectangle (on srcLayer) and
// hotspot offset (spec.md §3 Cursor).
func EmitCursor(sock *Socket, hotspotX, hotspotY, srcLayer, srcX, srcY, w, h int) error {
	return emit(sock, proto.OpCursor,
		num(int64(hotspotX)), num(int64(hotspotY)),
		num(int64(srcLayer)), num(int64(srcX)), num(int64(srcY)), num(int64(w)), num(int64(h)))
}

// --- Layer -----------------------------------------------------------------

func EmitLayerSize(sock *Socket, layer, w, h int) error {
	return emit(sock, proto.OpSize, num(int64(layer)), num(int64(w)), num(int64(h)))
}

func EmitMove(sock *Socket, layer, parent, x, y, z int) error {
	return emit(sock, proto.OpMove, num(int64(layer)), num(int64(parent)), num(int64(x)), num(int64(y)), num(int64(z)))
}

func EmitShade(sock *Socket, layer, alpha int) error {
	return emit(sock, proto.OpShade, num(int64(layer)), num(int64(alpha)))
}

func EmitDispose(sock *Socket, handle int) error {
	return emit(sock, proto.OpDispose, num(int64(handle)))
}

// --- Streaming ---------------------------------------------------------

func EmitAudioStream(sock *Socket, stream int, mimetype string) error {
	return emit(sock, proto.OpAudio, num(int64(stream)), str(mimetype))
}

func EmitFile(sock *Socket, stream int, mimetype, name string) error {
	return emit(sock, proto.OpFile, num(int64(stream)), str(mimetype), str(name))
}

func EmitPipe(sock *Socket, stream int, mimetype, name string) error {
	return emit(sock, proto.OpPipe, num(int64(stream)), str(mimetype), str(name))
}

func EmitClipboardStream(sock *Socket, stream int, mimetype string) error {
	return emit(sock, proto.OpClipboard, num(int64(stream)), str(mimetype))
}

func EmitBlob(sock *Socket, stream int, data []byte) error {
	return emit(sock, proto.OpBlob, num(int64(stream)), blob(data))
}

func EmitStreamEnd(sock *Socket, stream int) error {
	return emit(sock, proto.OpEnd, num(int64(stream)))
}

func EmitBody(sock *Socket, object, stream int, mimetype, name string) error {
	return emit(sock, proto.OpBody, num(int64(object)), num(int64(stream)), str(mimetype), str(name))
}

func EmitFilesystem(sock *Socket, object int, name string) error {
	return emit(sock, proto.OpFilesystem, num(int64(object)), str(name))
}

// --- Handshake -----------------------------------------------------------

func EmitSelectProtocol(sock *Socket, protocolName string) error {
	return emit(sock, proto.OpSelect, str(protocolName))
}

func EmitArgs(sock *Socket, argNames []string) error {
	return emit(sock, proto.OpArgs, strs(argNames)...)
}

func EmitDisplaySize(sock *Socket, w, h, dpi int) error {
	return emit(sock, proto.OpSize, num(int64(w)), num(int64(h)), num(int64(dpi)))
}

func EmitAudioCapabilities(sock *Socket, mimetypes []string) error {
	return emit(sock, proto.OpAudio, strs(mimetypes)...)
}

func EmitVideoCapabilities(sock *Socket, mimetypes []string) error {
	return emit(sock, proto.OpVideo, strs(mimetypes)...)
}

func EmitImageCapabilities(sock *Socket, mimetypes []string) error {
	return emit(sock, proto.OpImage, strs(mimetypes)...)
}

func EmitConnect(sock *Socket, values []string) error {
	return emit(sock, proto.OpConnect, strs(values)...)
}

func EmitReady(sock *Socket, sessionID string) error {
	return emit(sock, proto.OpReady, str(sessionID))
}

func EmitName(sock *Socket, name string) error {
	return emit(sock, proto.OpName, str(name))
}
