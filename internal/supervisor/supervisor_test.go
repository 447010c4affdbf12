package supervisor

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/gateway/internal/backend"
	"github.com/deskrelay/gateway/internal/wire"
)

func testSupervisor() *Supervisor {
	factories := map[string]backend.WorkerFactory{
		"reference": func(sessionID, protocol string, connectArgs []string) (backend.Worker, error) {
			return backend.NewReferenceWorker(800, 600, 32, 32, 48, 255, zerolog.Nop()), nil
		},
	}
	argSchemas := map[string][]string{"reference": {"w", "h"}}
	return New(Config{
		InstructionTimeout: 2 * time.Second,
		IdleTimeout:        time.Minute,
		ClipboardMaxBytes:  4096,
	}, factories, argSchemas, nil, zerolog.Nop())
}

// testClient is a minimal handshake-capable client driving the same wire
// primitives a real peer would, for exercising Supervisor.Serve
// end-to-end over an in-memory net.Pipe.
type testClient struct {
	sock   *wire.Socket
	parser *wire.Parser
}

func newTestClient(conn net.Conn) *testClient {
	return &testClient{sock: wire.NewSocket(conn), parser: wire.NewParser()}
}

func (c *testClient) read(t *testing.T) (string, []string) {
	t.Helper()
	require.NoError(t, c.parser.Read(c.sock, 2*time.Second))
	op, argv := c.parser.Opcode(), c.parser.Argv()
	c.parser.Reset()
	return op, argv
}

func (c *testClient) handshake(t *testing.T, protocol string, w, h, dpi int) (sessionID string) {
	t.Helper()
	require.NoError(t, wire.EmitSelectProtocol(c.sock, protocol))

	op, _ := c.read(t)
	require.Equal(t, "args", op)

	require.NoError(t, wire.EmitDisplaySize(c.sock, w, h, dpi))
	require.NoError(t, wire.EmitConnect(c.sock, []string{"800", "600"}))

	op, argv := c.read(t)
	require.Equal(t, "ready", op)
	require.Len(t, argv, 1)
	return argv[0]
}

func TestSupervisor_OwnerHandshakeAndInitialPaint(t *testing.T) {
	sup := testSupervisor()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	go sup.Serve(wire.NewSocket(serverConn), "reference")

	client := newTestClient(clientConn)
	sessionID := client.handshake(t, "reference", 800, 600, 96)
	require.NotEmpty(t, sessionID)

	op, argv := client.read(t)
	require.Equal(t, "size", op)
	require.Equal(t, []string{"0", "800", "600"}, argv)

	op, _ = client.read(t)
	require.Equal(t, "cfill", op)
}

func TestSupervisor_JoinerReplaysOwnerDisplayState(t *testing.T) {
	sup := testSupervisor()

	ownerServerConn, ownerClientConn := net.Pipe()
	defer ownerClientConn.Close()
	go sup.Serve(wire.NewSocket(ownerServerConn), "reference")

	owner := newTestClient(ownerClientConn)
	owner.handshake(t, "reference", 800, 600, 96)
	op, _ := owner.read(t) // size
	require.Equal(t, "size", op)
	op, _ = owner.read(t) // cfill
	require.Equal(t, "cfill", op)

	joinerServerConn, joinerClientConn := net.Pipe()
	defer joinerClientConn.Close()
	go sup.Serve(wire.NewSocket(joinerServerConn), "reference")

	joiner := newTestClient(joinerClientConn)
	sessionID := joiner.handshake(t, "reference", 0, 0, 0)
	require.NotEmpty(t, sessionID)

	op, argv := joiner.read(t)
	require.Equal(t, "size", op)
	require.Equal(t, []string{"800", "600", "96"}, argv, "joiner replay must start with negotiated display size")

	op, argv = joiner.read(t)
	require.Equal(t, "size", op)
	require.Equal(t, []string{"0", "800", "600"}, argv, "joiner replay must include the owner's painted layer size")

	op, _ = joiner.read(t)
	require.Equal(t, "cfill", op, "joiner replay must include the owner's solid fill")
}

func TestSupervisor_UnknownProtocolFailsHandshake(t *testing.T) {
	sup := testSupervisor()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	go sup.Serve(wire.NewSocket(serverConn), "nonexistent")

	client := newTestClient(clientConn)
	require.NoError(t, wire.EmitSelectProtocol(client.sock, "nonexistent"))

	op, _ := client.read(t)
	require.Equal(t, "error", op)
}
