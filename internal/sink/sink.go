// Package sink adapts an io.Writer into a scheduler consumer with
// high/low-water backpressure.
package sink

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/tevino/abool"

	"github.com/sheerbytes/muxsched/internal/bufpool"
	"github.com/sheerbytes/muxsched/internal/scheduler"
)

const (
	// DefaultHighWater is the buffered byte count at which Accept starts
	// asking the scheduler to pause.
	DefaultHighWater = 256 * 1024
	// DefaultWriteBuffer is the size of the pooled buffers small chunks are
	// coalesced into.
	DefaultWriteBuffer = 64 * 1024
)

var _ scheduler.Consumer = (*Sink)(nil)

// Config configures a Sink.
type Config struct {
	// HighWater is the number of buffered bytes at which Accept starts
	// answering false. Defaults to DefaultHighWater.
	HighWater int
	// LowWater is the buffered byte count at or below which a paused sink
	// calls its ready callback. Defaults to HighWater/4.
	LowWater int
	// WriteBuffer is the size of the buffers small chunks are coalesced into
	// before writing. Defaults to DefaultWriteBuffer.
	WriteBuffer int
	Logger      *slog.Logger
}

// Sink queues accepted chunks and writes them from its own goroutine.
type Sink struct {
	w         io.Writer
	highWater int
	lowWater  int
	pool      *bufpool.Pool
	logger    *slog.Logger

	mu       sync.Mutex
	queue    [][]byte
	buffered int
	paused   bool
	err      error
	ready    func()

	written atomic.Int64
	closed  *abool.AtomicBool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// New starts a Sink writing to w.
func New(w io.Writer, cfg Config) *Sink {
	if cfg.HighWater <= 0 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.LowWater <= 0 || cfg.LowWater >= cfg.HighWater {
		cfg.LowWater = cfg.HighWater / 4
	}
	if cfg.WriteBuffer <= 0 {
		cfg.WriteBuffer = DefaultWriteBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Sink{
		w:         w,
		highWater: cfg.HighWater,
		lowWater:  cfg.LowWater,
		pool:      bufpool.New(cfg.WriteBuffer),
		logger:    cfg.Logger,
		closed:    abool.New(),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.loop()
	return s
}

// SetReady registers fn to be called when a paused sink has drained to its
// low-water mark. It is usually the scheduler's Kick.
func (s *Sink) SetReady(fn func()) {
	s.mu.Lock()
	s.ready = fn
	s.mu.Unlock()
}

// Accept queues chunk for writing. It returns false once the buffered bytes
// reach the high-water mark, or when the sink is closed or broken, in which
// case the chunk is dropped.
func (s *Sink) Accept(chunk []byte) bool {
	if s.closed.IsSet() {
		return false
	}
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, chunk)
	s.buffered += len(chunk)
	ok := s.buffered < s.highWater
	if !ok {
		s.paused = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return ok
}

// Buffered returns the number of accepted bytes not yet written.
func (s *Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// Written returns the number of bytes written so far.
func (s *Sink) Written() int64 {
	return s.written.Load()
}

// Done is closed once the sink has stopped writing, after Close or a write
// error.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Err returns the write error that broke the sink, if any.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close writes everything already accepted, stops the sink and closes the
// writer if it is an io.Closer.
func (s *Sink) Close() error {
	if s.closed.SetToIf(false, true) {
		close(s.stop)
	}
	<-s.done

	var result *multierror.Error
	if err := s.Err(); err != nil {
		result = multierror.Append(result, err)
	}
	if c, ok := s.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *Sink) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			if !s.flush() {
				return
			}
		case <-s.stop:
			s.flush()
			return
		}
	}
}

// flush writes until the queue is empty. It returns false after a write
// error.
func (s *Sink) flush() bool {
	for {
		s.mu.Lock()
		queue := s.queue
		s.queue = nil
		s.mu.Unlock()
		if len(queue) == 0 {
			return true
		}

		size := 0
		for _, c := range queue {
			size += len(c)
		}
		n, err := s.writeChunks(queue)
		s.written.Add(n)

		s.mu.Lock()
		s.buffered -= size
		if err != nil {
			s.err = err
			s.queue = nil
			s.buffered = 0
			s.mu.Unlock()
			s.logger.Error("sink write failed", "error", err, "written", s.Written())
			return false
		}
		resume := s.paused && s.buffered <= s.lowWater
		if resume {
			s.paused = false
		}
		ready := s.ready
		s.mu.Unlock()

		if resume && ready != nil {
			ready()
		}
	}
}

// writeChunks coalesces chunks smaller than the pool buffer and writes
// larger ones directly.
func (s *Sink) writeChunks(queue [][]byte) (int64, error) {
	buf := s.pool.Get()
	defer func() { s.pool.Put(buf) }()

	var written int64
	flushBuf := func() error {
		if len(buf) == 0 {
			return nil
		}
		n, err := s.w.Write(buf)
		written += int64(n)
		buf = buf[:0]
		return err
	}

	limit := s.pool.Size()
	for _, c := range queue {
		if len(buf)+len(c) > limit {
			if err := flushBuf(); err != nil {
				return written, err
			}
		}
		if len(c) >= limit {
			n, err := s.w.Write(c)
			written += int64(n)
			if err != nil {
				return written, err
			}
			continue
		}
		buf = append(buf, c...)
	}
	return written, flushBuf()
}
