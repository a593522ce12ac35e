package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StreamSpec describes one logical stream the bench tool produces.
type StreamSpec struct {
	ID       uint32
	Priority float64
}

// BenchConfig holds configuration for the muxbench binary.
type BenchConfig struct {
	Transport    string       // "quic", "ws" or "pipe"
	Addr         string       // receiver listen address
	MetricsAddr  string       // serve /metrics here when set
	LogLevel     string       // debug, info, warn, error
	LogFormat    string       // text or pretty
	Window       float64      // scheduler fairness window
	Streams      []StreamSpec // repeatable -stream id:priority
	Bytes        int          // bytes sent per stream
	WriteSize    int          // bytes per framer write
	MaxFrameSize int          // DATA frame payload limit
	HighWater    int          // sink high-water mark in bytes
	LowWater     int          // sink low-water mark in bytes
	PingEvery    time.Duration

	// QUIC transport tuning; zero keeps the transport defaults.
	QUICConnWindow   int
	QUICStreamWindow int
	UDPBuffer        int
}

var (
	// ErrInvalidTransport is returned for an unknown -transport value.
	ErrInvalidTransport = errors.New("invalid transport")
	// ErrInvalidStream is returned for a malformed -stream value.
	ErrInvalidStream = errors.New("invalid stream spec")
)

// DefaultStreams are used when no -stream flag is given.
var DefaultStreams = []StreamSpec{
	{ID: 1, Priority: 1.0},
	{ID: 3, Priority: 0.9},
	{ID: 5, Priority: 0.5},
}

// ParseBenchConfig parses configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseBenchConfig() (BenchConfig, error) {
	return parseBenchConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseBenchConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseBenchConfigWithFlagSet(fs *flag.FlagSet, args []string) (BenchConfig, error) {
	cfg := BenchConfig{
		Transport:    "pipe",
		Addr:         "127.0.0.1:0",
		LogLevel:     "info",
		LogFormat:    "text",
		Window:       0.25,
		Bytes:        4 * 1024 * 1024,
		WriteSize:    64 * 1024,
		MaxFrameSize: 16 * 1024,
		HighWater:    256 * 1024,
		LowWater:     64 * 1024,
		PingEvery:    100 * time.Millisecond,
		UDPBuffer:    8 * 1024 * 1024,
	}

	// Read from environment first
	if v := os.Getenv("MUXSCHED_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("MUXSCHED_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("MUXSCHED_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("MUXSCHED_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MUXSCHED_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("MUXSCHED_WINDOW"); v != "" {
		w, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("MUXSCHED_WINDOW: %w", err)
		}
		cfg.Window = w
	}

	// Flags override environment
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (quic, ws, pipe)")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "receiver listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, pretty)")
	fs.Float64Var(&cfg.Window, "window", cfg.Window, "scheduler fairness window")
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "bytes sent per stream")
	fs.IntVar(&cfg.WriteSize, "write-size", cfg.WriteSize, "bytes per framer write")
	fs.IntVar(&cfg.MaxFrameSize, "max-frame-size", cfg.MaxFrameSize, "DATA frame payload limit")
	fs.IntVar(&cfg.HighWater, "high-water", cfg.HighWater, "sink high-water mark in bytes")
	fs.IntVar(&cfg.LowWater, "low-water", cfg.LowWater, "sink low-water mark in bytes")
	fs.DurationVar(&cfg.PingEvery, "ping-every", cfg.PingEvery, "interval between PING frames (0 disables)")
	fs.IntVar(&cfg.QUICConnWindow, "quic-conn-window", cfg.QUICConnWindow, "QUIC connection receive window in bytes")
	fs.IntVar(&cfg.QUICStreamWindow, "quic-stream-window", cfg.QUICStreamWindow, "QUIC stream receive window in bytes")
	fs.IntVar(&cfg.UDPBuffer, "udp-buffer", cfg.UDPBuffer, "UDP socket buffer size in bytes")

	streams := make([]StreamSpec, 0)
	fs.Var((*streamList)(&streams), "stream", "stream as id:priority (repeatable)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Streams = DefaultStreams
	if len(streams) > 0 {
		cfg.Streams = streams
	}

	switch cfg.Transport {
	case "quic", "ws", "pipe":
	default:
		return cfg, fmt.Errorf("%w: %q", ErrInvalidTransport, cfg.Transport)
	}
	if cfg.Window < 0 {
		return cfg, fmt.Errorf("window must not be negative, got %v", cfg.Window)
	}
	if cfg.WriteSize < 1 {
		cfg.WriteSize = 1
	}
	return cfg, nil
}

// ParseStreamSpec parses "id:priority".
func ParseStreamSpec(s string) (StreamSpec, error) {
	idPart, prioPart, ok := strings.Cut(s, ":")
	if !ok {
		return StreamSpec{}, fmt.Errorf("%w: %q (want id:priority)", ErrInvalidStream, s)
	}
	id, err := strconv.ParseUint(idPart, 10, 31)
	if err != nil || id == 0 {
		return StreamSpec{}, fmt.Errorf("%w: bad id in %q", ErrInvalidStream, s)
	}
	prio, err := strconv.ParseFloat(prioPart, 64)
	if err != nil {
		return StreamSpec{}, fmt.Errorf("%w: bad priority in %q", ErrInvalidStream, s)
	}
	return StreamSpec{ID: uint32(id), Priority: prio}, nil
}

// streamList implements flag.Value for the repeatable -stream flag.
type streamList []StreamSpec

func (l *streamList) String() string {
	parts := make([]string, len(*l))
	for i, s := range *l {
		parts[i] = fmt.Sprintf("%d:%g", s.ID, s.Priority)
	}
	return strings.Join(parts, ",")
}

func (l *streamList) Set(value string) error {
	spec, err := ParseStreamSpec(value)
	if err != nil {
		return err
	}
	*l = append(*l, spec)
	return nil
}

var _ flag.Value = (*streamList)(nil)
