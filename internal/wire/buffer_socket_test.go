package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferSocket_RendersOneInstruction(t *testing.T) {
	var buf bytes.Buffer
	sock := NewBufferSocket(&buf)
	require.NoError(t, EmitNop(sock))

	out := buf.Bytes()
	assert.NotEmpty(t, out)
	assert.Equal(t, byte(';'), out[len(out)-1])
}

func TestWriteInstructionRaw_FansOutIdenticalBytes(t *testing.T) {
	var render bytes.Buffer
	renderSock := NewBufferSocket(&render)
	require.NoError(t, EmitMouse(renderSock, 1, 2, 0, 1000))
	raw := render.Bytes()

	dstA := &chunkedConn{}
	dstB := &chunkedConn{}
	sockA := &Socket{conn: dstA}
	sockB := &Socket{conn: dstB}

	require.NoError(t, sockA.WriteInstructionRaw(raw))
	require.NoError(t, sockB.WriteInstructionRaw(raw))

	assert.Equal(t, dstA.written, dstB.written)
	assert.Equal(t, raw, dstA.written)
}

func TestBufferSocket_ReadIsAlwaysClosed(t *testing.T) {
	sock := NewBufferSocket(&bytes.Buffer{})
	_, res, err := sock.conn.ReadSome(make([]byte, 16), 0)
	assert.Equal(t, ReadClosed, res)
	assert.Error(t, err)
}
