// Command backendsim is a synthetic backend worker used for manual and
// integration testing of the reverse-dial attachment path: it dials out
// to a gatewayd instance as revdial-client/main.go's flag set and
// reconnect loop do, then drives this repo's own instruction wire
// grammar over every data connection the gateway requests, painting a
// single solid-color layer and logging whatever input and clipboard
// instructions the gateway fans in.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deskrelay/gateway/internal/revdial"
	"github.com/deskrelay/gateway/internal/wire"
)

var (
	gatewayURL   = flag.String("gateway", "", "Gateway URL (e.g., http://gatewayd:9877)")
	sessionID    = flag.String("session", "", "Session ID to attach as backend for")
	backendToken = flag.String("token", "", "Backend authentication token (GATEWAY_REVDIAL_TOKEN)")
	width        = flag.Int("width", 800, "Width of the simulated painted layer")
	height       = flag.Int("height", 600, "Height of the simulated painted layer")
	reconnectSec = flag.Int("reconnect", 5, "Reconnect interval in seconds if the control connection drops")
)

func main() {
	flag.Parse()

	logger := log.With().Str("component", "backendsim").Logger()

	if *gatewayURL == "" || *sessionID == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -gateway <url> -session <id> [-token <token>] [-width N] [-height N]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := revdial.NewClient(&revdial.ClientConfig{
		GatewayURL:     *gatewayURL,
		SessionID:      *sessionID,
		BackendToken:   *backendToken,
		ReconnectDelay: time.Duration(*reconnectSec) * time.Second,
	}, func(ctx context.Context, conn net.Conn) {
		runSimulatedBackend(ctx, conn, *width, *height, logger)
	}, logger)

	client.Start(ctx)
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, stopping backendsim")
	client.Stop()
}

// runSimulatedBackend drives one reverse-dial data connection as a
// stand-in backend.Worker peer would: it paints a single gray layer at
// startup, then logs every instruction arriving from the gateway (the
// peer fan-in RevdialWorker re-serializes: mouse, key, clipboard) until
// the connection is lost or ctx is cancelled.
func runSimulatedBackend(ctx context.Context, conn net.Conn, w, h int, logger zerolog.Logger) {
	defer conn.Close()
	sock := wire.NewSocket(conn)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	const layer = 0
	if err := wire.EmitLayerSize(sock, layer, w, h); err != nil {
		logger.Error().Err(err).Msg("failed to paint simulated layer size")
		return
	}
	if err := wire.EmitCFill(sock, 0, layer, 128, 128, 128, 255); err != nil {
		logger.Error().Err(err).Msg("failed to paint simulated layer fill")
		return
	}

	parser := wire.NewParser()
	clipboardBuf := make(map[int][]byte)

	for {
		if err := parser.Read(sock, 0); err != nil {
			if err != wire.ErrConnectionClosed && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("simulated backend connection read failed")
			}
			return
		}

		opcode, argv := parser.Opcode(), parser.Argv()
		parser.Reset()
		logBackendInstruction(logger, opcode, argv, clipboardBuf)
	}
}

func logBackendInstruction(logger zerolog.Logger, opcode string, argv []string, clipboardBuf map[int][]byte) {
	switch opcode {
	case "mouse":
		if len(argv) == 4 {
			logger.Debug().Str("x", argv[0]).Str("y", argv[1]).Str("mask", argv[2]).Msg("mouse")
		}
	case "key":
		if len(argv) == 3 {
			logger.Debug().Str("keysym", argv[0]).Str("pressed", argv[1]).Msg("key")
		}
	case "clipboard":
		if len(argv) == 2 {
			if stream, err := strconv.Atoi(argv[0]); err == nil {
				clipboardBuf[stream] = nil
				logger.Debug().Str("mimetype", argv[1]).Msg("clipboard stream opened")
			}
		}
	case "blob":
		if len(argv) == 2 {
			if stream, err := strconv.Atoi(argv[0]); err == nil {
				if _, ok := clipboardBuf[stream]; ok {
					clipboardBuf[stream] = append(clipboardBuf[stream], wire.DecodeBlobArg(argv[1])...)
				}
			}
		}
	case "end":
		if len(argv) == 1 {
			if stream, err := strconv.Atoi(argv[0]); err == nil {
				if data, ok := clipboardBuf[stream]; ok {
					delete(clipboardBuf, stream)
					logger.Debug().Int("bytes", len(data)).Msg("clipboard stream ended")
				}
			}
		}
	default:
		logger.Debug().Str("opcode", opcode).Strs("argv", argv).Msg("backend instruction")
	}
}
