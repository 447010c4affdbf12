// Command gatewayd is the remote-desktop gateway entrypoint: it listens
// for peer WebSocket upgrades, owns one session Supervisor, and wires in
// the optional recording sink and idle-peer housekeeper. Configuration is
// environment-variable driven (SPEC_FULL.md §1.3), matching
// cmd/desktop-bridge/main.go's os.Getenv-with-defaults pattern rather than
// a config file parser.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deskrelay/gateway/internal/backend"
	"github.com/deskrelay/gateway/internal/housekeeping"
	"github.com/deskrelay/gateway/internal/recording"
	"github.com/deskrelay/gateway/internal/revdial"
	"github.com/deskrelay/gateway/internal/supervisor"
	"github.com/deskrelay/gateway/internal/wire"
)

func getenvInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := log.With().Str("component", "gatewayd").Logger()
	logger.Info().Msg("starting gatewayd")

	listenAddr := os.Getenv("GATEWAY_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":9877"
	}
	instructionTimeoutUS := getenvInt("GATEWAY_INSTRUCTION_TIMEOUT_US", 15_000_000)
	idleTimeoutUS := getenvInt("GATEWAY_IDLE_TIMEOUT_US", 300_000_000)
	clipboardMaxBytes := getenvInt("GATEWAY_CLIPBOARD_MAX_BYTES", 262144)
	recordingNATSURL := os.Getenv("GATEWAY_RECORDING_NATS_URL")
	revdialToken := os.Getenv("GATEWAY_REVDIAL_TOKEN")

	if recordingNATSURL == "" {
		logger.Info().Msg("recording sink disabled (GATEWAY_RECORDING_NATS_URL unset)")
	}
	rec, err := recording.NewSink(recordingNATSURL, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect recording sink, continuing without recording")
		rec, _ = recording.NewSink("", logger)
	}
	defer rec.Close()

	cfg := supervisor.Config{
		InstructionTimeout: time.Duration(instructionTimeoutUS) * time.Microsecond,
		IdleTimeout:        time.Duration(idleTimeoutUS) * time.Microsecond,
		ClipboardMaxBytes:  clipboardMaxBytes,
	}

	revdialSrv := revdial.NewServer(func(token string) bool {
		return revdialToken == "" || token == revdialToken
	}, logger)

	factories := map[string]backend.WorkerFactory{
		"reference": func(sessionID, protocol string, connectArgs []string) (backend.Worker, error) {
			w, h := 1920, 1080
			if len(connectArgs) >= 2 {
				if v, err := strconv.Atoi(connectArgs[0]); err == nil {
					w = v
				}
				if v, err := strconv.Atoi(connectArgs[1]); err == nil {
					h = v
				}
			}
			return backend.NewReferenceWorker(w, h, 32, 32, 48, 255, logger), nil
		},
		// revdial binds a session to a backend process that dialed in
		// through /api/v1/revdial ahead of the owner's handshake
		// (SPEC_FULL.md §3 supplemented feature: NAT-traversed backends).
		// connectArgs[0] is the session ID the backend registered under;
		// a bare "connect()" with no args falls back to the gateway's own
		// sessionID, letting a backend that dialed in using the session ID
		// the gateway itself assigned skip naming it twice.
		"revdial": func(sessionID, protocol string, connectArgs []string) (backend.Worker, error) {
			backendID := sessionID
			if len(connectArgs) >= 1 && connectArgs[0] != "" {
				backendID = connectArgs[0]
			}
			dial := func(ctx context.Context) (net.Conn, error) {
				return revdialSrv.Dial(ctx, backendID)
			}
			cleanup := func() {
				revdialSrv.Detach(backendID)
			}
			return backend.NewRevdialWorker(dial, cleanup, logger), nil
		},
	}
	argSchemas := map[string][]string{
		"reference": {"width", "height"},
		"revdial":   {"backend_id"},
	}

	sup := supervisor.New(cfg, factories, argSchemas, rec, logger)

	housekeeper, err := housekeeping.New("@every 30s", sup.Peers, cfg.IdleTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct housekeeper")
	}
	housekeeper.Start()
	defer housekeeper.Stop()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/peer", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		sock := wire.NewWebSocketSocket(conn)
		protocolHint := r.URL.Query().Get("protocol")
		go sup.Serve(sock, protocolHint)
	})
	mux.HandleFunc("/api/v1/revdial", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("dialer") != "" {
			revdialSrv.HandleData(w, r)
			return
		}
		revdialSrv.HandleControl(w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: listenAddr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", listenAddr).Msg("gatewayd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down gatewayd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during http server shutdown")
	}

	wg.Wait()
	logger.Info().Msg("gatewayd stopped")
}
