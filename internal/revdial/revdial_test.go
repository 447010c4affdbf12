package revdial

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialLine_FormatParseRoundTrip(t *testing.T) {
	line := formatDialLine("abc123", "/api/v1/revdial?dialer=abc123")
	assert.Equal(t, "DIAL abc123 /api/v1/revdial?dialer=abc123\n", line)

	id, path, ok := parseDialLine(strings.TrimSuffix(line, "\n"))
	require.True(t, ok)
	assert.Equal(t, "abc123", id)
	assert.Equal(t, "/api/v1/revdial?dialer=abc123", path)
}

func TestParseDialLine_RejectsUnrelatedLines(t *testing.T) {
	_, _, ok := parseDialLine("not a dial line")
	assert.False(t, ok)
}

// TestServerClientEndToEndDial exercises the full control+data protocol
// this package defines: a simulated backend hijacks a control connection
// the same way client.go does, Server.Dial writes a DIAL line across it,
// the backend-side Listener completes the dial over a WebSocket data
// connection, and bytes written on the gateway's resulting net.Conn
// arrive on the backend's accepted net.Conn.
func TestServerClientEndToEndDial(t *testing.T) {
	srv := NewServer(func(token string) bool { return token == "secret" }, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/revdial", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("dialer") != "" {
			srv.HandleData(w, r)
			return
		}
		srv.HandleControl(w, r)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	host := strings.TrimPrefix(ts.URL, "http://")
	const sessionID = "sess-xyz"

	// Simulate the backend dialing the control connection, as
	// runConnection in client.go does.
	conn, err := net.DialTimeout("tcp", host, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.NewRequest("GET", fmt.Sprintf("http://%s/api/v1/revdial?sessionid=%s", host, sessionID), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Connection", "Upgrade")
	require.NoError(t, req.Write(conn))

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	listener := NewListener(conn, func(ctx context.Context, path string) (*websocket.Conn, *http.Response, error) {
		dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
		header := http.Header{}
		header.Set("Authorization", "Bearer secret")
		return dialer.DialContext(ctx, "ws://"+host+path, header)
	})
	defer listener.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := listener.Accept()
		if err != nil {
			return
		}
		acceptedCh <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gatewayConn, err := srv.Dial(ctx, sessionID)
	require.NoError(t, err)
	defer gatewayConn.Close()

	var backendConn net.Conn
	select {
	case backendConn = <-acceptedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("backend listener never accepted the data connection")
	}
	defer backendConn.Close()

	_, err = gatewayConn.Write([]byte("hello backend"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	backendConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := backendConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello backend", string(buf[:n]))
}

func TestServer_DialWithNoControlConnectionFails(t *testing.T) {
	srv := NewServer(func(string) bool { return true }, zerolog.Nop())
	_, err := srv.Dial(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, ErrNoControlConnection)
}

func TestServer_HandleControlRejectsBadToken(t *testing.T) {
	srv := NewServer(func(token string) bool { return token == "good" }, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/revdial", srv.HandleControl)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	req, err := http.NewRequest("GET", ts.URL+"/api/v1/revdial?sessionid=x", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	io.Copy(io.Discard, resp.Body)
}

func TestExtractHostAndTLS(t *testing.T) {
	host, tls := ExtractHostAndTLS("http://gateway:9877/api/v1/revdial")
	assert.Equal(t, "gateway:9877", host)
	assert.False(t, tls)

	host, tls = ExtractHostAndTLS("https://gateway/api/v1/revdial")
	assert.Equal(t, "gateway:443", host)
	assert.True(t, tls)
}
