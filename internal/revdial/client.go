package revdial

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// BackendHandler drives one accepted data connection: it is handed the
// net.Conn a backend process dialed out for in response to the
// gateway's DIAL request, and is expected to speak this repo's own
// instruction wire grammar over it (components A-E) rather than any
// backend-native protocol, since the Client's job ends at delivering a
// live connection, not at proxying bytes to some other local service.
// Handler returns once conn is done with (closed locally, by the peer,
// or ctx cancelled); the Client does not close conn itself beyond that.
type BackendHandler func(ctx context.Context, conn net.Conn)

// ClientConfig configures a backend-side reverse-dial attachment: instead
// of the gateway dialing the backend driver, the backend driver dials
// the gateway once and is adopted as the session's backend connection
// (SPEC_FULL.md §3 supplemented feature).
type ClientConfig struct {
	GatewayURL         string // e.g. http://gateway:9877
	SessionID          string // session this backend attaches to
	BackendToken       string // authenticates the attach request
	ReconnectDelay     time.Duration
	InsecureSkipVerify bool
}

// Client is the backend-side half of a reverse-dial attachment: it holds
// the control connection open against one gateway and runs Handler over
// every data connection the gateway requests, reconnecting the control
// connection itself on loss.
type Client struct {
	config  *ClientConfig
	handler BackendHandler
	log     zerolog.Logger
	cancel  context.CancelFunc
}

// NewClient constructs a Client with defaults applied. handler is invoked
// once per accepted data connection, on its own goroutine.
func NewClient(config *ClientConfig, handler BackendHandler, log zerolog.Logger) *Client {
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	return &Client{
		config:  config,
		handler: handler,
		log:     log.With().Str("component", "revdial-client").Logger(),
	}
}

// Start runs the client in a background goroutine until Stop or ctx is
// cancelled. It reconnects automatically on connection loss.
func (c *Client) Start(ctx context.Context) {
	if c.config.GatewayURL == "" || c.config.BackendToken == "" {
		c.log.Info().Msg("revdial not configured (no gateway URL or token), skipping")
		return
	}

	childCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.log.Info().
		Str("gateway", c.config.GatewayURL).
		Str("session", c.config.SessionID).
		Msg("starting revdial client")

	go c.runLoop(childCtx)
}

// Stop cancels the background reconnect loop.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("revdial client shutting down")
			return
		default:
		}

		if err := c.runConnection(ctx); err != nil {
			c.log.Error().Err(err).Msg("revdial connection error")
			select {
			case <-time.After(c.config.ReconnectDelay):
				continue
			case <-ctx.Done():
				return
			}
		}
	}
}

// attachRequest builds the hijack-bound HTTP GET that registers conn as
// sessionID's control connection; the gateway answers with a bare 200 OK
// and then holds the raw connection open rather than closing it, per
// server.go's HandleControl.
func (c *Client) attachRequest(dialURL string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, dialURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.BackendToken)
	req.Header.Set("Connection", "Upgrade")
	return req, nil
}

func (c *Client) runConnection(ctx context.Context) error {
	controlURL := strings.TrimSuffix(c.config.GatewayURL, "/") + "/api/v1/revdial"
	host, useTLS := ExtractHostAndTLS(controlURL)

	conn, err := dialHost(host, useTLS, c.config.InsecureSkipVerify)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}

	req, err := c.attachRequest(controlURL + "?sessionid=" + url.QueryEscape(c.config.SessionID))
	if err != nil {
		conn.Close()
		return err
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return fmt.Errorf("failed to write request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		conn.Close()
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(body))
	}

	c.log.Info().Msg("revdial control connection established")

	wsScheme := "ws://"
	if useTLS {
		wsScheme = "wss://"
	}
	wsDialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.config.InsecureSkipVerify},
	}

	listener := NewListener(conn, func(ctx context.Context, path string) (*websocket.Conn, *http.Response, error) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+c.config.BackendToken)
		return wsDialer.DialContext(ctx, wsScheme+host+path, header)
	})
	defer listener.Close()

	c.log.Info().Msg("revdial listener ready, waiting for gateway dial requests")

	for {
		dataConn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("failed to accept revdial connection: %w", err)
		}
		go c.handler(ctx, dataConn)
	}
}

// dialHost opens a TCP or TLS connection to host:port depending on
// useTLS, with a fixed connect timeout.
func dialHost(host string, useTLS, insecureSkipVerify bool) (net.Conn, error) {
	if useTLS {
		return tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", host, &tls.Config{InsecureSkipVerify: insecureSkipVerify})
	}
	return net.DialTimeout("tcp", host, 10*time.Second)
}

// ExtractHostAndTLS extracts host:port and a TLS flag from a URL,
// defaulting the port from the scheme when none is given. Unlike a bare
// prefix strip, this parses the URL structurally so paths, queries, and
// userinfo in rawURL never leak into the returned host.
func ExtractHostAndTLS(rawURL string) (host string, useTLS bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		// Fall back to treating the whole string as a bare host; callers
		// in this package only ever pass well-formed http(s) URLs, but a
		// malformed one shouldn't panic.
		return rawURL, false
	}

	useTLS = u.Scheme == "https" || u.Scheme == "wss"
	host = u.Host
	if u.Port() == "" {
		if useTLS {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	return host, useTLS
}
