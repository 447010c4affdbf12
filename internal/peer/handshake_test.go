package peer

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/gateway/internal/proto"
	"github.com/deskrelay/gateway/internal/session"
	"github.com/deskrelay/gateway/internal/wire"
)

func newHandshakeSession() *session.Session {
	cfg := session.Config{InstructionTimeout: time.Second, IdleTimeout: time.Minute, ClipboardMaxBytes: 4096}
	return session.New(uuid.NewString(), cfg, zerolog.Nop())
}

func TestHandshake_RejectsNonSelectFirstMessage(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	p := New("p1", wire.NewSocket(serverConn), nil, zerolog.Nop())

	clientSock := wire.NewSocket(clientConn)
	clientParser := wire.NewParser()

	resultCh := make(chan error, 1)
	go func() {
		_, err := Handshake(p, func(string) (*session.Session, bool, []string, error) {
			t.Fatal("resolver should not be called")
			return nil, false, nil, nil
		}, time.Second)
		resultCh <- err
	}()

	require.NoError(t, wire.EmitNop(clientSock))

	require.NoError(t, clientParser.Read(clientSock, time.Second))
	assert.Equal(t, "error", clientParser.Opcode())
	clientParser.Reset()
	require.NoError(t, clientParser.Read(clientSock, time.Second))
	assert.Equal(t, "disconnect", clientParser.Opcode())

	err := <-resultCh
	require.Error(t, err)
}

func TestHandshake_UnrecognizedProtocolFails(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	p := New("p1", wire.NewSocket(serverConn), nil, zerolog.Nop())

	clientSock := wire.NewSocket(clientConn)
	clientParser := wire.NewParser()

	resultCh := make(chan error, 1)
	go func() {
		_, err := Handshake(p, func(proto string) (*session.Session, bool, []string, error) {
			return nil, false, nil, assert.AnError
		}, time.Second)
		resultCh <- err
	}()

	require.NoError(t, wire.EmitSelectProtocol(clientSock, "nonexistent"))

	require.NoError(t, clientParser.Read(clientSock, time.Second))
	assert.Equal(t, "error", clientParser.Opcode())
	clientParser.Reset()
	require.NoError(t, clientParser.Read(clientSock, time.Second))
	assert.Equal(t, "disconnect", clientParser.Opcode())

	err := <-resultCh
	require.Error(t, err)
	var pErr *proto.Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, proto.StatusUnsupported, pErr.Status)
}

func TestHandshake_OwnerCompletesAndReceivesReady(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	p := New("p1", wire.NewSocket(serverConn), nil, zerolog.Nop())

	sess := newHandshakeSession()
	clientSock := wire.NewSocket(clientConn)
	clientParser := wire.NewParser()

	resultCh := make(chan *Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := Handshake(p, func(protocol string) (*session.Session, bool, []string, error) {
			return sess, true, []string{"width", "height"}, nil
		}, time.Second)
		resultCh <- res
		errCh <- err
	}()

	require.NoError(t, wire.EmitSelectProtocol(clientSock, "reference"))

	require.NoError(t, clientParser.Read(clientSock, time.Second))
	assert.Equal(t, "args", clientParser.Opcode())
	clientParser.Reset()

	require.NoError(t, wire.EmitDisplaySize(clientSock, 800, 600, 96))
	require.NoError(t, wire.EmitConnect(clientSock, []string{"800", "600"}))

	require.NoError(t, clientParser.Read(clientSock, time.Second))
	assert.Equal(t, "ready", clientParser.Opcode())
	assert.Equal(t, []string{sess.ID}, clientParser.Argv())

	require.NoError(t, <-errCh)
	res := <-resultCh
	require.NotNil(t, res)
	assert.True(t, res.Owner)
	assert.Equal(t, []string{"800", "600"}, res.ConnectArgs)
	assert.Equal(t, sess, res.Session)
	assert.True(t, p.IsOwner())
}
