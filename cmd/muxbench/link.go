package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/sheerbytes/muxsched/internal/config"
	"github.com/sheerbytes/muxsched/internal/quictransport"
	"github.com/sheerbytes/muxsched/internal/wsclient"
)

const wsKeepAlive = 15 * time.Second

// link is a one-way byte pipe between the sending and receiving halves of a
// bench run.
type link struct {
	out    io.WriteCloser
	accept func(ctx context.Context) (io.Reader, error)
	close  func() error
}

func openLink(ctx context.Context, cfg config.BenchConfig, logger *slog.Logger) (*link, error) {
	switch cfg.Transport {
	case "pipe":
		return openPipe()
	case "quic":
		return openQUIC(ctx, cfg, logger.With("transport", "quic"))
	case "ws":
		return openWS(ctx, cfg.Addr, logger.With("transport", "ws"))
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func openPipe() (*link, error) {
	client, server := net.Pipe()
	return &link{
		out: client,
		accept: func(context.Context) (io.Reader, error) {
			return server, nil
		},
		close: server.Close,
	}, nil
}

func openQUIC(ctx context.Context, cfg config.BenchConfig, logger *slog.Logger) (*link, error) {
	quicConfig := quictransport.TuneConfig(nil, cfg.QUICConnWindow, cfg.QUICStreamWindow)
	logger.Debug("quic receive windows",
		"conn_window", quicConfig.MaxConnectionReceiveWindow,
		"stream_window", quicConfig.MaxStreamReceiveWindow,
	)

	serverUDP, err := net.ListenPacket("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	tuneUDP(serverUDP, cfg.UDPBuffer, logger)
	listener, err := quictransport.Listen(serverUDP, logger, quicConfig)
	if err != nil {
		serverUDP.Close()
		return nil, err
	}
	clientUDP, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		listener.Close()
		serverUDP.Close()
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	tuneUDP(clientUDP, cfg.UDPBuffer, logger)
	conn, err := quictransport.Dial(ctx, clientUDP, serverUDP.LocalAddr(), logger, quicConfig)
	if err != nil {
		listener.Close()
		serverUDP.Close()
		clientUDP.Close()
		return nil, err
	}
	stream, err := quictransport.OpenOutput(ctx, conn)
	if err != nil {
		conn.CloseWithError(0, "")
		listener.Close()
		serverUDP.Close()
		clientUDP.Close()
		return nil, err
	}

	return &link{
		out: stream,
		accept: func(ctx context.Context) (io.Reader, error) {
			peer, err := listener.Accept(ctx)
			if err != nil {
				return nil, fmt.Errorf("accept quic connection: %w", err)
			}
			return quictransport.AcceptOutput(ctx, peer)
		},
		close: func() error {
			var result *multierror.Error
			if err := conn.CloseWithError(0, "done"); err != nil {
				result = multierror.Append(result, err)
			}
			if err := listener.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			for _, pc := range []net.PacketConn{clientUDP, serverUDP} {
				if err := pc.Close(); err != nil {
					result = multierror.Append(result, err)
				}
			}
			return result.ErrorOrNil()
		},
	}, nil
}

func tuneUDP(pc net.PacketConn, size int, logger *slog.Logger) {
	if size <= 0 {
		return
	}
	applied, err := quictransport.TuneUDPBuffers(pc, size)
	if err != nil {
		logger.Warn("udp buffer tuning failed", "requested", applied, "error", err)
		return
	}
	logger.Debug("udp buffers tuned", "local_addr", pc.LocalAddr(), "size", applied)
}

func openWS(ctx context.Context, addr string, logger *slog.Logger) (*link, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp: %w", err)
	}
	accepted := make(chan *wsclient.Conn, 1)
	srv := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := wsclient.Upgrade(w, r, logger)
			if err != nil {
				logger.Warn("websocket upgrade failed", "error", err)
				return
			}
			select {
			case accepted <- conn:
			default:
				logger.Warn("rejecting extra websocket connection", "remote_addr", r.RemoteAddr)
				conn.Close()
			}
		}),
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket server stopped", "error", err)
		}
	}()

	client, err := wsclient.Dial(ctx, "ws://"+ln.Addr().String()+"/", logger)
	if err != nil {
		srv.Close()
		return nil, err
	}
	keepCtx, stopKeepAlive := context.WithCancel(context.Background())
	go client.KeepAlive(keepCtx, wsKeepAlive)

	var server *wsclient.Conn
	return &link{
		out: client,
		accept: func(ctx context.Context) (io.Reader, error) {
			select {
			case server = <-accepted:
				return server, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		close: func() error {
			stopKeepAlive()
			var result *multierror.Error
			if server != nil {
				if err := server.Close(); err != nil {
					result = multierror.Append(result, err)
				}
			}
			if err := srv.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			return result.ErrorOrNil()
		},
	}, nil
}
