package peer

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/gateway/internal/proto"
	"github.com/deskrelay/gateway/internal/wire"
)

func newTestPeer(t *testing.T, handlers map[string]HandlerFunc) (*Peer, *wire.Socket, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	p := New("peer-1", wire.NewSocket(serverConn), handlers, zerolog.Nop())
	return p, wire.NewSocket(clientConn), clientConn
}

func TestPeer_DispatchInvokesRegisteredHandler(t *testing.T) {
	var gotArgv []string
	handlers := map[string]HandlerFunc{
		"nop": func(p *Peer, argv []string) error {
			gotArgv = argv
			return nil
		},
	}
	p, _, _ := newTestPeer(t, handlers)

	err := p.Dispatch("nop", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, gotArgv)
}

func TestPeer_DispatchUnknownOpcodeIsTolerated(t *testing.T) {
	p, _, _ := newTestPeer(t, map[string]HandlerFunc{})
	err := p.Dispatch("nonexistent", nil)
	assert.NoError(t, err)
}

func TestPeer_DispatchWrapsHandlerError(t *testing.T) {
	handlers := map[string]HandlerFunc{
		"boom": func(p *Peer, argv []string) error { return assert.AnError },
	}
	p, _, _ := newTestPeer(t, handlers)

	err := p.Dispatch("boom", nil)
	require.Error(t, err)
	var pErr *proto.Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, proto.StatusServerError, pErr.Status)
}

func TestPeer_SetHandlersReplacesTable(t *testing.T) {
	p, _, _ := newTestPeer(t, nil)

	called := false
	p.SetHandlers(map[string]HandlerFunc{
		"nop": func(p *Peer, argv []string) error { called = true; return nil },
	})

	require.NoError(t, p.Dispatch("nop", nil))
	assert.True(t, called)
}

func TestPeer_OwnerFlag(t *testing.T) {
	p, _, _ := newTestPeer(t, nil)
	assert.False(t, p.IsOwner())
	p.SetOwner(true)
	assert.True(t, p.IsOwner())
}

func TestPeer_TouchUpdatesLastSeenAndActive(t *testing.T) {
	p, _, _ := newTestPeer(t, nil)
	assert.True(t, p.Active())

	before := p.LastSeen()
	time.Sleep(5 * time.Millisecond)
	p.Touch()
	assert.True(t, p.LastSeen().After(before))

	p.MarkInactive()
	assert.False(t, p.Active())
}

func TestPeer_ReadInstructionTouchesActivity(t *testing.T) {
	p, clientSock, _ := newTestPeer(t, nil)
	before := p.LastSeen()

	go func() {
		_ = wire.EmitNop(clientSock)
	}()

	time.Sleep(5 * time.Millisecond)
	op, argv, err := p.ReadInstruction(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "nop", op)
	assert.Empty(t, argv)
	assert.True(t, p.LastSeen().After(before) || p.LastSeen().Equal(before))
}

func TestPeer_AbortSendsErrorAndDisconnectThenMarksInactive(t *testing.T) {
	p, clientSock, _ := newTestPeer(t, nil)
	parser := wire.NewParser()

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, parser.Read(clientSock, time.Second))
		assert.Equal(t, "error", parser.Opcode())
		parser.Reset()
		require.NoError(t, parser.Read(clientSock, time.Second))
		assert.Equal(t, "disconnect", parser.Opcode())
	}()

	p.Abort(proto.StatusServerError, "boom")
	<-done
	assert.False(t, p.Active())
}
