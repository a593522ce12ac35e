package sender

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/muxsched/internal/config"
	"github.com/sheerbytes/muxsched/internal/frame"
	"github.com/sheerbytes/muxsched/internal/scheduler"
	"github.com/sheerbytes/muxsched/internal/sink"
)

// inflightWrites bounds the framer writes a stream may have queued but not yet
// handed to the sink.
const inflightWrites = 4

// Stats reports what a sender run produced.
type Stats struct {
	Written int64
	Pings   int
}

// Run multiplexes cfg.Streams onto w and closes w when every stream has been
// sent. Scheduler metrics are registered in set, which may be nil.
func Run(ctx context.Context, w io.WriteCloser, cfg config.BenchConfig, set *metrics.Set, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	out := sink.New(w, sink.Config{
		HighWater: cfg.HighWater,
		LowWater:  cfg.LowWater,
		Logger:    logger.With("component", "sink"),
	})
	sched := scheduler.New(scheduler.Config{
		Window:  cfg.Window,
		Logger:  logger.With("component", "scheduler"),
		Metrics: set,
	}, out)
	out.SetReady(sched.Kick)
	framer := frame.NewFramer(sched, cfg.MaxFrameSize, logger)

	runCtx, stopRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = sched.Run(runCtx)
	}()

	framer.Settings(frame.Setting{ID: frame.SettingMaxFrameSize, Value: uint32(framer.MaxFrameSize())})

	var stats Stats
	pingStop := make(chan struct{})
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		stats.Pings = ping(framer, cfg.PingEvery, pingStop)
	}()

	g, gctx := errgroup.WithContext(ctx)
	var lastID uint32
	for _, st := range cfg.Streams {
		lastID = max(lastID, st.ID)
		g.Go(func() error {
			return produce(gctx, framer, out, st, cfg.Bytes, cfg.WriteSize)
		})
	}
	sendErr := g.Wait()
	close(pingStop)
	<-pingDone

	if sendErr == nil {
		if err := framer.GoAway(lastID, 0, nil); err != nil {
			sendErr = err
		}
	}

	// Producers are quiescent; flush whatever the consumer has not taken yet.
	sched.Dump()
	stopRun()
	<-runDone

	var result *multierror.Error
	if sendErr != nil {
		result = multierror.Append(result, sendErr)
	}
	if err := out.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	stats.Written = out.Written()
	logger.Info("sender finished", "written", stats.Written, "pings", stats.Pings, "streams", len(cfg.Streams))
	return stats, result.ErrorOrNil()
}

// produce writes total bytes on one stream in writeSize pieces, keeping at
// most inflightWrites pieces queued.
func produce(ctx context.Context, framer *frame.Framer, out *sink.Sink, st config.StreamSpec, total, writeSize int) error {
	slots := make(chan struct{}, inflightWrites)
	release := func() { <-slots }

	sent := 0
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		case <-out.Done():
			return fmt.Errorf("stream %d: %w: %v", st.ID, ErrSinkStopped, out.Err())
		}
		n := min(writeSize, total-sent)
		payload := make([]byte, n)
		fill(payload, st.ID, sent)
		sent += n
		fin := sent >= total
		if err := framer.Data(st.ID, st.Priority, payload, fin, release); err != nil {
			return fmt.Errorf("stream %d: %w", st.ID, err)
		}
		if fin {
			return nil
		}
	}
}

func fill(p []byte, id uint32, offset int) {
	for i := range p {
		p[i] = byte(id) + byte(offset+i)
	}
}

func ping(framer *frame.Framer, every time.Duration, stop <-chan struct{}) int {
	if every <= 0 {
		return 0
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	count := 0
	for {
		select {
		case <-stop:
			return count
		case <-ticker.C:
			var opaque [8]byte
			binary.BigEndian.PutUint64(opaque[:], uint64(time.Now().UnixNano()))
			framer.Ping(opaque, false)
			count++
		}
	}
}

var (
	// ErrNoStreams is returned by Validate when there is nothing to send.
	ErrNoStreams = errors.New("no streams configured")
	// ErrSinkStopped is returned when the connection stops taking output
	// before every stream has been sent.
	ErrSinkStopped = errors.New("sink stopped")
)

// Validate checks the parts of cfg the sender depends on.
func Validate(cfg config.BenchConfig) error {
	if len(cfg.Streams) == 0 {
		return ErrNoStreams
	}
	seen := make(map[uint32]bool, len(cfg.Streams))
	for _, st := range cfg.Streams {
		if st.ID == 0 {
			return fmt.Errorf("stream id 0 is reserved for the connection")
		}
		if seen[st.ID] {
			return fmt.Errorf("stream %d listed twice", st.ID)
		}
		seen[st.ID] = true
	}
	if cfg.Bytes < 1 {
		return fmt.Errorf("bytes per stream must be positive, got %d", cfg.Bytes)
	}
	return nil
}
