package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/VictoriaMetrics/metrics"
)

// DefaultWindow is the fairness tolerance used when Config.Window is zero.
const DefaultWindow = 0.25

// ErrPendingAfterDump reports chunks left behind by a forced flush.
var ErrPendingAfterDump = errors.New("scheduler: chunks pending after dump")

// Batch is a group of chunks for one stream that is emitted atomically.
//
// Chunks must not be modified after the batch is scheduled. OnComplete, if
// set, runs exactly once on the draining goroutine after the last chunk of the
// batch has been accepted.
type Batch struct {
	StreamID   uint32
	Priority   float64
	Sync       bool // control frame: bypasses priority ordering, always drained first
	Chunks     [][]byte
	OnComplete func()
}

// Consumer receives chunks in output order.
//
// Accept returns false to ask the scheduler to pause once the batch in flight
// has been fully emitted.
type Consumer interface {
	Accept(chunk []byte) bool
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(chunk []byte) bool

func (f ConsumerFunc) Accept(chunk []byte) bool { return f(chunk) }

// Config configures a Scheduler.
type Config struct {
	// Window is the largest priority gap, below the current top priority, that
	// the round-robin scan may serve before restarting from the top.
	// Defaults to DefaultWindow.
	Window float64

	// Logger receives debug output about drains. Defaults to a discarding
	// logger.
	Logger *slog.Logger

	// Metrics is the set the scheduler registers its metrics in. Each
	// scheduler needs its own set. A new set is created if nil.
	Metrics *metrics.Set
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Window < 0 {
		return fmt.Errorf("scheduler: negative window %v", c.Window)
	}
	if math.IsNaN(c.Window) {
		return fmt.Errorf("scheduler: window is NaN")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewSet()
	}
	return c
}
