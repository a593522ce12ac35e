package quictransport

import (
	"errors"
	"fmt"
	"net"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
)

const (
	minConnWindow   = 1 << 20
	maxConnWindow   = 1 << 30
	minStreamWindow = 256 << 10
	maxStreamWindow = 256 << 20

	minUDPBuffer = 256 << 10
	maxUDPBuffer = 64 << 20
)

// ErrNoUDPConn is returned when socket buffers cannot be tuned because the
// packet conn is not a *net.UDPConn.
var ErrNoUDPConn = errors.New("packet conn is not a UDP socket")

// TuneConfig returns a copy of base, or of DefaultQUICConfig when base is nil,
// with its receive windows raised to connWin and streamWin. Sizes are clamped
// to supported bounds; zero keeps the base value.
func TuneConfig(base *quic.Config, connWin, streamWin int) *quic.Config {
	if base == nil {
		base = DefaultQUICConfig()
	}
	cfg := base.Clone()
	if connWin > 0 {
		conn := clamp(connWin, minConnWindow, maxConnWindow)
		cfg.MaxConnectionReceiveWindow = uint64(conn)
		cfg.InitialConnectionReceiveWindow = min(cfg.InitialConnectionReceiveWindow, uint64(conn))
	}
	if streamWin > 0 {
		stream := clamp(streamWin, minStreamWindow, maxStreamWindow)
		cfg.InitialStreamReceiveWindow = uint64(stream)
		cfg.MaxStreamReceiveWindow = uint64(stream)
	}
	return cfg
}

// TuneUDPBuffers sets both socket buffers of pc to size, clamped to supported
// bounds. Failures are not fatal for QUIC and are reported for logging.
func TuneUDPBuffers(pc net.PacketConn, size int) (int, error) {
	size = clamp(size, minUDPBuffer, maxUDPBuffer)
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		return size, ErrNoUDPConn
	}
	var result *multierror.Error
	if err := conn.SetReadBuffer(size); err != nil {
		result = multierror.Append(result, fmt.Errorf("read buffer: %w", err))
	}
	if err := conn.SetWriteBuffer(size); err != nil {
		result = multierror.Append(result, fmt.Errorf("write buffer: %w", err))
	}
	return size, result.ErrorOrNil()
}

func clamp(n, lo, hi int) int {
	return max(lo, min(n, hi))
}
