package session

import (
	"sync"

	"github.com/deskrelay/gateway/internal/proto"
)

// clipboard is the bounded clipboard buffer of spec.md §3 Session
// ("the clipboard buffer (bounded, default 262144 bytes)"). It is a
// single-slot overwrite buffer, not a stream accumulator: Set replaces
// the entire previous content atomically.
type clipboard struct {
	mu       sync.Mutex
	mimetype string
	data     []byte
	max      int
	set      bool
}

func newClipboard(maxBytes int) *clipboard {
	return &clipboard{max: maxBytes}
}

// Set overwrites the clipboard, rejecting payloads over the configured
// cap with CLIENT_OVERRUN rather than truncating silently.
func (c *clipboard) Set(mimetype string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && len(data) > c.max {
		return proto.NewError(proto.StatusClientOverrun, "clipboard payload exceeds configured cap")
	}
	c.mimetype = mimetype
	c.data = append([]byte(nil), data...)
	c.set = true
	return nil
}

// Get returns the current clipboard content, or ok=false if nothing has
// ever been set.
func (c *clipboard) Get() (mimetype string, data []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		return "", nil, false
	}
	return c.mimetype, c.data, true
}
