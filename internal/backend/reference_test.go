package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/gateway/internal/proto"
)

type recordingPublisher struct {
	mu         sync.Mutex
	layerSizes []int
	fills      int
	clipboards []string
}

func (p *recordingPublisher) LayerSize(layer, w, h int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.layerSizes = append(p.layerSizes, layer)
	return nil
}
func (p *recordingPublisher) MoveLayer(layer, parent, x, y, z int) error  { return nil }
func (p *recordingPublisher) ShadeLayer(layer, alpha int) error          { return nil }
func (p *recordingPublisher) FillLayer(mode, layer, r, g, b, a int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fills++
	return nil
}
func (p *recordingPublisher) DisposeLayer(layer int) error { return nil }
func (p *recordingPublisher) SetCursor(hotspotX, hotspotY, srcLayer, srcX, srcY, w, h int) error {
	return nil
}
func (p *recordingPublisher) SetClipboard(mimetype string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clipboards = append(p.clipboards, mimetype)
	return nil
}
func (p *recordingPublisher) PublishImage(layer int, mimetype string, x, y int, data []byte) error {
	return nil
}
func (p *recordingPublisher) BroadcastError(message string, status proto.Status) {}

func TestReferenceWorker_PaintsInitialLayerOnStart(t *testing.T) {
	w := NewReferenceWorker(640, 480, 1, 2, 3, 255, zerolog.Nop())
	pub := &recordingPublisher{}
	events := make(chan InputEvent)
	clipboard := make(chan ClipboardEvent)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, events, clipboard, pub) }()

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.layerSizes) == 1 && pub.fills == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestReferenceWorker_ForwardsClipboardToPublisher(t *testing.T) {
	w := NewReferenceWorker(0, 0, 0, 0, 0, 0, zerolog.Nop())
	pub := &recordingPublisher{}
	events := make(chan InputEvent)
	clipboard := make(chan ClipboardEvent, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, events, clipboard, pub) }()

	clipboard <- ClipboardEvent{PeerID: "p1", Mimetype: "text/plain", Data: []byte("hi")}

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.clipboards) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestReferenceWorker_ExitsCleanlyOnContextCancel(t *testing.T) {
	w := NewReferenceWorker(0, 0, 0, 0, 0, 0, zerolog.Nop())
	pub := &recordingPublisher{}
	events := make(chan InputEvent)
	clipboard := make(chan ClipboardEvent)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, events, clipboard, pub) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after context cancellation")
	}
}
