package backend

import (
	"context"

	"github.com/rs/zerolog"
)

// ReferenceWorker is a minimal, backend-agnostic Worker used by tests and
// cmd/gatewayd's "reference" protocol: it paints a single solid-color layer covering the
// negotiated display on startup, then simply drains the event channels
// until ctx is cancelled, acking every input event back to its origin
// via log lines instead of a real upstream. It exists to exercise the
// Supervisor/Session/Publisher plumbing without pinning this repo to any
// one real remote-desktop protocol, matching the generalization of
// helixml-helix's SharedVideoSource publish/subscribe boundary away from
// its one GNOME ScreenCast producer.
type ReferenceWorker struct {
	Width, Height int
	FillRGBA      [4]int

	log zerolog.Logger
}

// NewReferenceWorker constructs a ReferenceWorker painting a w×h canvas
// of the given fill color.
func NewReferenceWorker(w, h int, r, g, b, a int, log zerolog.Logger) *ReferenceWorker {
	return &ReferenceWorker{
		Width: w, Height: h,
		FillRGBA: [4]int{r, g, b, a},
		log:      log.With().Str("backend", "reference").Logger(),
	}
}

// Run implements Worker.
func (w *ReferenceWorker) Run(ctx context.Context, events <-chan InputEvent, clipboard <-chan ClipboardEvent, pub Publisher) error {
	if w.Width > 0 && w.Height > 0 {
		if err := pub.LayerSize(0, w.Width, w.Height); err != nil {
			return err
		}
		if err := pub.FillLayer(12, 0, w.FillRGBA[0], w.FillRGBA[1], w.FillRGBA[2], w.FillRGBA[3]); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			w.log.Debug().Str("peer", ev.PeerID).Str("opcode", string(ev.Opcode)).Msg("input event received")
		case cb, ok := <-clipboard:
			if !ok {
				return nil
			}
			if err := pub.SetClipboard(cb.Mimetype, cb.Data); err != nil {
				w.log.Warn().Err(err).Msg("clipboard fan-in rejected")
			}
		}
	}
}
