package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// Scheduler decides which buffered chunk is written next on a connection
// shared by many streams.
//
// Producers call Schedule from any goroutine. Chunks are handed to the
// Consumer by drains, which run either on the Run goroutine after a Schedule
// or Kick, or inline via Drive and Dump. Drains are serialized, and the queue
// lock is never held while Accept or OnComplete run, so both may call back
// into the scheduler.
type Scheduler struct {
	window   float64
	consumer Consumer
	logger   *slog.Logger
	metrics  *schedMetrics

	drainMu sync.Mutex

	mu      sync.Mutex
	control []Batch
	active  activeSet
	armed   bool

	pending atomic.Int64
	kick    chan struct{}
}

// New returns a Scheduler feeding consumer. It panics if consumer is nil or
// cfg is invalid.
func New(cfg Config, consumer Consumer) *Scheduler {
	if consumer == nil {
		panic("scheduler: nil consumer")
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	cfg = cfg.withDefaults()
	s := &Scheduler{
		window:   cfg.Window,
		consumer: consumer,
		logger:   cfg.Logger,
		kick:     make(chan struct{}, 1),
	}
	s.metrics = newSchedMetrics(cfg.Metrics, s)
	return s
}

// Schedule queues b for output. It never drains inline; the first call after
// a drain arms the next one.
func (s *Scheduler) Schedule(b Batch) {
	s.mu.Lock()
	if b.Sync {
		s.control = append(s.control, b)
	} else {
		s.active.lookup(b.Priority, b.StreamID).push(b)
	}
	s.pending.Add(int64(len(b.Chunks)))
	arm := !s.armed
	s.armed = true
	s.mu.Unlock()

	if arm {
		s.signal()
	}
}

// Kick asks the Run goroutine for a drain. Consumers call it when they can
// take more output again.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run executes armed drains until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
			s.Drive()
		}
	}
}

// Drive runs one drain: all queued control batches, then prioritized batches
// until the queues are empty or the consumer pauses. It reports whether the
// drain completed without the consumer asking to pause.
//
// A paused drain does not re-arm itself; the consumer resumes it with Kick or
// another Drive.
func (s *Scheduler) Drive() bool {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	s.mu.Lock()
	s.armed = false
	s.mu.Unlock()

	s.metrics.drains.Inc()
	done := s.tickSync() && s.tickAsync()
	if !done {
		s.metrics.pauses.Inc()
		s.logger.Debug("drain paused by consumer", "pending", s.Pending())
	}
	return done
}

// Dump flushes everything queued, ignoring backpressure. Producers must be
// quiescent. It panics if chunks remain afterwards.
func (s *Scheduler) Dump() {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	s.tickSync()
	for !s.tickAsync() {
	}
	if n := s.pending.Load(); n != 0 {
		panic(fmt.Errorf("%w: %d", ErrPendingAfterDump, n))
	}
	s.logger.Debug("scheduler dumped")
}

// RemoveStream discards every prioritized batch queued for streamID and
// returns the number of chunks dropped. Control batches are kept, and the
// completion callbacks of dropped batches never run.
func (s *Scheduler) RemoveStream(streamID uint32) int {
	s.mu.Lock()
	items, chunks := s.active.removeStream(streamID)
	s.pending.Add(-int64(chunks))
	s.mu.Unlock()

	if items > 0 {
		s.logger.Info("stream removed from scheduler", "stream_id", streamID, "items", items, "chunks", chunks)
	}
	return chunks
}

// Pending returns the number of scheduled chunks not yet passed to Accept.
func (s *Scheduler) Pending() int {
	return int(s.pending.Load())
}

// ActiveLen returns the number of (stream, priority) queues holding batches.
func (s *Scheduler) ActiveLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.len()
}

// SyncLen returns the number of control batches waiting for a drain.
func (s *Scheduler) SyncLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.control)
}

// Metrics returns the set holding this scheduler's metrics.
func (s *Scheduler) Metrics() *metrics.Set {
	return s.metrics.set
}

// tickSync emits every control batch queued before it started. The
// consumer's signal does not stop it; the last value is returned.
func (s *Scheduler) tickSync() bool {
	s.mu.Lock()
	queue := s.control
	s.control = nil
	s.mu.Unlock()

	res := true
	for _, b := range queue {
		res = s.emit(b)
		s.metrics.syncBatches.Inc()
	}
	return res
}

// tickAsync emits one batch at a time, scanning the active set round-robin
// but restarting from the top once the scan falls more than the window below
// the current highest priority. It returns true once the active set is empty
// and false if the consumer paused it.
func (s *Scheduler) tickAsync() bool {
	res := true
	for index := 0; ; index++ {
		s.mu.Lock()
		n := s.active.len()
		if n == 0 {
			s.mu.Unlock()
			break
		}
		// Producers may insert above the previous top while the lock is
		// released for emit.
		start := s.active.items[0].priority
		index %= n
		if start-s.active.items[index].priority > s.window {
			index = 0
			s.metrics.fairnessResets.Inc()
		}
		item := s.active.items[index]
		b := item.pop()
		if item.empty() {
			s.active.removeAt(index)
			index--
		}
		s.mu.Unlock()

		res = s.emit(b)
		s.metrics.asyncBatches.Inc()
		if !res {
			break
		}
	}
	return res
}

// emit passes every chunk of b to the consumer regardless of its answers,
// then completes b.
func (s *Scheduler) emit(b Batch) bool {
	res := true
	for _, chunk := range b.Chunks {
		res = s.consumer.Accept(chunk)
		s.pending.Add(-1)
		s.metrics.chunks.Inc()
	}
	if b.OnComplete != nil {
		b.OnComplete()
	}
	return res
}
