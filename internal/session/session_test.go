package session

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/gateway/internal/handle"
	"github.com/deskrelay/gateway/internal/wire"
)

func testConfig() Config {
	return Config{
		InstructionTimeout: time.Second,
		IdleTimeout:        5 * time.Minute,
		ClipboardMaxBytes:  1024,
	}
}

func newTestSession(id string) *Session {
	return New(id, testConfig(), zerolog.Nop())
}

// captureDup drives s.Dup against one end of an in-memory pipe and
// returns everything written to the other end.
func captureDup(t *testing.T, s *Session) string {
	t.Helper()
	client, server := net.Pipe()
	sock := wire.NewSocket(client)

	done := make(chan struct{})
	var buf bytes.Buffer
	go func() {
		io.Copy(&buf, server)
		close(done)
	}()

	require.NoError(t, s.Dup(sock))
	require.NoError(t, sock.Close())
	<-done
	return buf.String()
}

// Law 7: at most one owner.
func TestLaw_AtMostOneOwner(t *testing.T) {
	s := newTestSession("sess-1")

	client1, _ := net.Pipe()
	sock1 := wire.NewSocket(client1)
	require.NoError(t, s.AddPeer("peer-1", sock1, true))
	assert.True(t, s.IsOwner("peer-1"))

	client2, _ := net.Pipe()
	sock2 := wire.NewSocket(client2)
	err := s.AddPeer("peer-2", sock2, true)
	assert.Error(t, err, "a second owner must be rejected")

	// A joiner is fine.
	err = s.AddPeer("peer-2", sock2, false)
	assert.NoError(t, err)
	assert.False(t, s.IsOwner("peer-2"))
}

func TestOwnerDepartureClearsOwnerID(t *testing.T) {
	s := newTestSession("sess-2")
	client, _ := net.Pipe()
	sock := wire.NewSocket(client)
	require.NoError(t, s.AddPeer("owner", sock, true))

	wasOwner := s.RemovePeer("owner")
	assert.True(t, wasOwner)
	assert.False(t, s.IsOwner("owner"))

	// The freed owner slot can be reclaimed by a fresh peer.
	client2, _ := net.Pipe()
	sock2 := wire.NewSocket(client2)
	assert.NoError(t, s.AddPeer("new-owner", sock2, true))
}

func TestAddPeerRejectedOnceStopped(t *testing.T) {
	s := newTestSession("sess-3")
	s.Stopped()

	client, _ := net.Pipe()
	sock := wire.NewSocket(client)
	err := s.AddPeer("joiner", sock, false)
	assert.Error(t, err)
}

// S6: owner sends size(0,1024,768) then cfill(12,0,0,0,0,255); a joiner's
// replay must include both before any live instruction.
func TestScenario_S6_ReplayIncludesSizeAndCFill(t *testing.T) {
	s := newTestSession("sess-4")

	layer0 := handle.Ref{ID: 0}
	s.LayerSize(layer0, 1024, 768)
	s.CFillLayer(layer0, 12, 0, 0, 0, 255)

	out := captureDup(t, s)
	assert.True(t, strings.Contains(out, "4.size,1.0,4.1024,3.768;"), "replay missing layer size: %q", out)
	assert.True(t, strings.Contains(out, "5.cfill,2.12,1.0,1.0,1.0,1.0,3.255;"), "replay missing cfill: %q", out)
	assert.True(t, strings.Index(out, "4.size") < strings.Index(out, "5.cfill"))
}

func TestDup_ReplaysCursorAndClipboard(t *testing.T) {
	s := newTestSession("sess-5")
	s.SetCursor(1, 2, -1, 0, 0, 16, 16)
	require.NoError(t, s.SetClipboard("text/plain", []byte("hello")))

	out := captureDup(t, s)
	assert.Contains(t, out, "6.cursor,")
	assert.Contains(t, out, "9.clipboard,")
	assert.Contains(t, out, "4.blob,")
}

func TestDup_OmitsUntouchedDefaultLayer(t *testing.T) {
	s := newTestSession("sess-6")
	out := captureDup(t, s)
	assert.Equal(t, "", out)
}

func TestClipboard_RejectsOverCap(t *testing.T) {
	s := New("sess-7", Config{ClipboardMaxBytes: 4}, zerolog.Nop())
	err := s.SetClipboard("text/plain", []byte("too long"))
	assert.Error(t, err)
}
