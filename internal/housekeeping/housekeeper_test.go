package housekeeping

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/gateway/internal/proto"
)

type fakePeer struct {
	mu       sync.Mutex
	lastSeen time.Time
	aborted  bool
	status   proto.Status
}

func (p *fakePeer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

func (p *fakePeer) Abort(status proto.Status, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = true
	p.status = status
}

func (p *fakePeer) wasAborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

func TestHousekeeper_SweepAbortsOnlyIdlePeers(t *testing.T) {
	fresh := &fakePeer{lastSeen: time.Now()}
	idle := &fakePeer{lastSeen: time.Now().Add(-time.Hour)}

	registry := func() map[string]Peer {
		return map[string]Peer{"fresh": fresh, "idle": idle}
	}

	h, err := New("@every 1h", registry, 5*time.Minute, zerolog.Nop())
	require.NoError(t, err)

	h.sweep()

	assert.False(t, fresh.wasAborted())
	assert.True(t, idle.wasAborted())
	assert.Equal(t, proto.StatusClientTimeout, idle.status)
}

func TestHousekeeper_SweepWithNoPeersIsNoop(t *testing.T) {
	registry := func() map[string]Peer { return map[string]Peer{} }
	h, err := New("@every 1h", registry, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	assert.NotPanics(t, func() { h.sweep() })
}

func TestHousekeeper_StartStop(t *testing.T) {
	registry := func() map[string]Peer { return map[string]Peer{} }
	h, err := New("@every 1h", registry, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	h.Start()
	h.Stop()
}
