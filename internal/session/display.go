package session

import (
	"sort"

	"github.com/deskrelay/gateway/internal/handle"
	"github.com/deskrelay/gateway/internal/wire"
)

// Layer mirrors spec.md §3: a visible buffer (non-negative handle,
// rendered under a parent) or an off-screen buffer (negative handle,
// never composited). Only the attributes needed to replay observable
// state to a joining peer are retained; layout math and compositing
// itself is the backend's job.
type Layer struct {
	Ref      handle.Ref
	ParentID int // -1 for the root layer (handle 0), which has no parent
	X, Y, Z  int
	W, H     int
	Shade    int // alpha, 0-255; 255 (opaque) is the implicit default
	Fill     *fill
}

type fill struct {
	Mode       int
	R, G, B, A int
}

// Cursor is the shared per-session cursor singleton of spec.md §3.
type Cursor struct {
	Set                bool
	HotspotX, HotspotY int
	SrcLayer           int
	SrcX, SrcY         int
	W, H               int
}

// SetDisplaySize records the negotiated display size, replayed to
// joiners ahead of any layer state.
func (s *Session) SetDisplaySize(w, h, dpi int) {
	s.displayMu.Lock()
	defer s.displayMu.Unlock()
	s.dispW, s.dispH, s.dispDPI = w, h, dpi
}

func (s *Session) layer(ref handle.Ref) *Layer {
	l, ok := s.tree[ref.ID]
	if !ok {
		l = &Layer{Ref: ref, ParentID: -1, Shade: 255}
		s.tree[ref.ID] = l
	}
	l.Ref = ref
	return l
}

// LayerSize upserts a layer's dimensions (spec.md §4.E `size(layer,w,h)`).
func (s *Session) LayerSize(ref handle.Ref, w, h int) {
	s.displayMu.Lock()
	defer s.displayMu.Unlock()
	l := s.layer(ref)
	l.W, l.H = w, h
}

// MoveLayer upserts a layer's parent, position and z-order (`move`).
func (s *Session) MoveLayer(ref handle.Ref, parent, x, y, z int) {
	s.displayMu.Lock()
	defer s.displayMu.Unlock()
	l := s.layer(ref)
	l.ParentID, l.X, l.Y, l.Z = parent, x, y, z
}

// ShadeLayer upserts a layer's alpha (`shade`).
func (s *Session) ShadeLayer(ref handle.Ref, alpha int) {
	s.displayMu.Lock()
	defer s.displayMu.Unlock()
	l := s.layer(ref)
	l.Shade = alpha
}

// CFillLayer records the most recent solid fill applied to a layer
// (`cfill`), so it can be replayed verbatim to a joiner.
func (s *Session) CFillLayer(ref handle.Ref, mode, r, g, b, a int) {
	s.displayMu.Lock()
	defer s.displayMu.Unlock()
	l := s.layer(ref)
	l.Fill = &fill{Mode: mode, R: r, G: g, B: b, A: a}
}

// SetCursor updates the shared cursor singleton (`cursor`).
func (s *Session) SetCursor(hotspotX, hotspotY, srcLayer, srcX, srcY, w, h int) {
	s.displayMu.Lock()
	defer s.displayMu.Unlock()
	s.cursor = Cursor{
		Set: true, HotspotX: hotspotX, HotspotY: hotspotY,
		SrcLayer: srcLayer, SrcX: srcX, SrcY: srcY, W: w, H: h,
	}
}

// SetClipboard overwrites the clipboard buffer, enforcing the
// configured byte cap.
func (s *Session) SetClipboard(mimetype string, data []byte) error {
	return s.clip.Set(mimetype, data)
}

// Dup replays the current display model to sock: display size, every
// visible layer in parent-then-children order with its size/move/shade/
// cfill, then the cursor and clipboard (spec.md §4.J). It holds displayMu
// for its entire duration so the replay is a consistent snapshot with
// respect to concurrent mutations from the backend worker — the fix for
// the §9 FIXME race between a joining peer and the owner's display
// initialization.
func (s *Session) Dup(sock *wire.Socket) error {
	s.displayMu.Lock()
	defer s.displayMu.Unlock()

	if s.dispW > 0 && s.dispH > 0 {
		if err := wire.EmitDisplaySize(sock, s.dispW, s.dispH, s.dispDPI); err != nil {
			return err
		}
	}

	children := make(map[int][]int)
	for id, l := range s.tree {
		children[l.ParentID] = append(children[l.ParentID], id)
	}
	for _, kids := range children {
		sort.Ints(kids)
	}

	var walk func(parent int) error
	walk = func(parent int) error {
		for _, id := range children[parent] {
			l := s.tree[id]
			if id >= 0 {
				if l.W > 0 || l.H > 0 {
					if err := wire.EmitLayerSize(sock, id, l.W, l.H); err != nil {
						return err
					}
				}
				if l.ParentID >= 0 {
					if err := wire.EmitMove(sock, id, l.ParentID, l.X, l.Y, l.Z); err != nil {
						return err
					}
				}
				if l.Shade != 255 {
					if err := wire.EmitShade(sock, id, l.Shade); err != nil {
						return err
					}
				}
				if l.Fill != nil {
					if err := wire.EmitCFill(sock, l.Fill.Mode, id, l.Fill.R, l.Fill.G, l.Fill.B, l.Fill.A); err != nil {
						return err
					}
				}
			}
			if err := walk(id); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(-1); err != nil {
		return err
	}

	if s.cursor.Set {
		if err := wire.EmitCursor(sock, s.cursor.HotspotX, s.cursor.HotspotY,
			s.cursor.SrcLayer, s.cursor.SrcX, s.cursor.SrcY, s.cursor.W, s.cursor.H); err != nil {
			return err
		}
	}

	if mimetype, data, ok := s.clip.Get(); ok {
		streamRef, err := s.AllocateStream()
		if err != nil {
			return err
		}
		defer s.ReleaseStream(streamRef)
		if err := wire.EmitClipboardStream(sock, streamRef.ID, mimetype); err != nil {
			return err
		}
		if err := wire.EmitBlob(sock, streamRef.ID, data); err != nil {
			return err
		}
		if err := wire.EmitStreamEnd(sock, streamRef.ID); err != nil {
			return err
		}
	}

	return nil
}
