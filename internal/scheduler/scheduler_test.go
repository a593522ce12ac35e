package scheduler

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder accepts everything. Once limit chunks have been seen it answers
// false, like a buffer sitting above its high-water mark.
type recorder struct {
	mu     sync.Mutex
	out    []string
	limit  int
	always bool
}

func (r *recorder) Accept(chunk []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, string(chunk))
	if r.always {
		return false
	}
	return r.limit == 0 || len(r.out) < r.limit
}

func (r *recorder) setLimit(n int) {
	r.mu.Lock()
	r.limit = n
	r.mu.Unlock()
}

func (r *recorder) emitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.out...)
}

func chunks(names ...string) [][]byte {
	out := make([][]byte, len(names))
	for i, n := range names {
		out[i] = []byte(n)
	}
	return out
}

func async(stream uint32, prio float64, names ...string) Batch {
	return Batch{StreamID: stream, Priority: prio, Chunks: chunks(names...)}
}

func control(stream uint32, names ...string) Batch {
	return Batch{StreamID: stream, Sync: true, Chunks: chunks(names...)}
}

func TestSyncBeforeAsync(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec)

	s.Schedule(async(1, 1.0, "d1"))
	s.Schedule(control(0, "ping"))
	s.Schedule(async(3, 0.5, "d3"))
	s.Schedule(control(0, "settings-a", "settings-b"))

	require.True(t, s.Drive())
	assert.Equal(t, []string{"ping", "settings-a", "settings-b", "d1", "d3"}, rec.emitted())
}

func TestBatchesOfOnePairKeepSubmissionOrder(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec)

	for _, name := range []string{"one", "two", "three", "four"} {
		s.Schedule(async(5, 0.5, name))
	}

	require.True(t, s.Drive())
	assert.Equal(t, []string{"one", "two", "three", "four"}, rec.emitted())
}

func TestHigherPriorityDominatesOutsideWindow(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Window: 0.25}, rec)

	for i := 0; i < 3; i++ {
		s.Schedule(async(2, 0.5, "b"))
		s.Schedule(async(1, 1.0, "a"))
	}

	require.True(t, s.Drive())
	assert.Equal(t, []string{"a", "a", "a", "b", "b", "b"}, rec.emitted())
}

func TestRoundRobinWithinWindow(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Window: 0.25}, rec)

	for i := 0; i < 3; i++ {
		s.Schedule(async(1, 1.0, "a"))
		s.Schedule(async(2, 0.9, "b"))
	}

	require.True(t, s.Drive())
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, rec.emitted())
}

func TestFairnessResetReturnsToTop(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec)

	s.Schedule(async(1, 1.0, "a1"))
	s.Schedule(async(1, 1.0, "a2"))
	s.Schedule(async(2, 0.9, "b1"))
	s.Schedule(async(2, 0.9, "b2"))
	s.Schedule(async(3, 0.5, "c1"))
	s.Schedule(async(3, 0.5, "c2"))

	require.True(t, s.Drive())
	assert.Equal(t, []string{"a1", "b1", "a2", "b2", "c1", "c2"}, rec.emitted())
}

func TestLateHigherPriorityStreamDominates(t *testing.T) {
	rec := &recorder{}
	var s *Scheduler
	arrived := false
	s = New(Config{Window: 0.25}, ConsumerFunc(func(chunk []byte) bool {
		ok := rec.Accept(chunk)
		if !arrived {
			arrived = true
			for i := 0; i < 3; i++ {
				s.Schedule(async(1, 1.0, "a"))
			}
		}
		return ok
	}))

	for i := 0; i < 4; i++ {
		s.Schedule(async(5, 0.5, "c"))
	}

	require.True(t, s.Drive())
	assert.Equal(t, []string{"c", "a", "a", "a", "c", "c", "c"}, rec.emitted())
	assert.Equal(t, 0, s.Pending())
}

func TestEqualPriorityOrdersByStreamID(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec)

	s.Schedule(async(9, 0.5, "s9"))
	s.Schedule(async(3, 0.5, "s3"))
	s.Schedule(async(6, 0.5, "s6"))

	require.True(t, s.Drive())
	assert.Equal(t, []string{"s3", "s6", "s9"}, rec.emitted())
}

func TestBatchIsAtomicUnderBackpressure(t *testing.T) {
	rec := &recorder{limit: 2}
	s := New(Config{}, rec)

	s.Schedule(async(1, 1.0, "x1", "x2", "x3"))
	s.Schedule(async(1, 1.0, "y1", "y2"))

	require.False(t, s.Drive())
	assert.Equal(t, []string{"x1", "x2", "x3"}, rec.emitted())
	assert.Equal(t, 2, s.Pending())

	rec.setLimit(0)
	require.True(t, s.Drive())
	assert.Equal(t, []string{"x1", "x2", "x3", "y1", "y2"}, rec.emitted())
	assert.Equal(t, 0, s.Pending())
}

func TestSyncPhaseIgnoresBackpressure(t *testing.T) {
	rec := &recorder{always: true}
	s := New(Config{}, rec)

	s.Schedule(control(0, "c1", "c2"))
	s.Schedule(control(0, "c3"))
	s.Schedule(async(1, 1.0, "d"))

	require.False(t, s.Drive())
	assert.Equal(t, []string{"c1", "c2", "c3"}, rec.emitted())
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, 1, s.ActiveLen())
}

func TestPausedDrainResumesWithoutReplay(t *testing.T) {
	rec := &recorder{always: true}
	s := New(Config{}, rec)

	s.Schedule(async(1, 1.0, "a1"))
	s.Schedule(async(2, 0.9, "b1"))
	s.Schedule(async(1, 1.0, "a2"))

	for s.Pending() > 0 {
		require.False(t, s.Drive())
	}
	assert.Equal(t, []string{"a1", "a2", "b1"}, rec.emitted())
}

func TestPendingCountTracksEmission(t *testing.T) {
	rec := &recorder{limit: 1}
	s := New(Config{}, rec)

	s.Schedule(async(1, 1.0, "a", "b"))
	s.Schedule(control(0, "c"))
	s.Schedule(async(2, 0.1, "d", "e", "f"))
	require.Equal(t, 6, s.Pending())

	require.False(t, s.Drive())
	assert.Equal(t, 5, s.Pending())

	rec.setLimit(4)
	s.Drive()
	assert.Equal(t, 6-len(rec.emitted()), s.Pending())

	s.Dump()
	assert.Equal(t, 0, s.Pending())
	assert.Len(t, rec.emitted(), 6)
}

func TestDumpIgnoresBackpressure(t *testing.T) {
	rec := &recorder{always: true}
	s := New(Config{}, rec)

	s.Schedule(control(0, "goaway"))
	for i := uint32(1); i <= 4; i++ {
		s.Schedule(async(i, float64(i)/10, "d", "d"))
	}

	s.Dump()
	assert.Len(t, rec.emitted(), 9)
	assert.Equal(t, "goaway", rec.emitted()[0])
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 0, s.ActiveLen())
}

func TestSamePairCoalesces(t *testing.T) {
	s := New(Config{}, &recorder{})

	s.Schedule(async(1, 0.5, "a"))
	s.Schedule(async(1, 0.5, "b"))
	assert.Equal(t, 1, s.ActiveLen())

	s.Schedule(async(1, 0.75, "c"))
	s.Schedule(async(2, 0.5, "d"))
	assert.Equal(t, 3, s.ActiveLen())
}

func TestEmptiedItemIsReinsertedSorted(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec)

	s.Schedule(async(1, 0.5, "a1"))
	require.True(t, s.Drive())
	require.Equal(t, 0, s.ActiveLen())

	s.Schedule(async(1, 0.5, "a2"))
	s.Schedule(async(2, 0.9, "b1"))
	s.Schedule(async(1, 0.5, "a3"))
	assert.Equal(t, 2, s.ActiveLen())

	require.True(t, s.Drive())
	assert.Equal(t, []string{"a1", "b1", "a2", "a3"}, rec.emitted())
}

func TestOnCompleteRunsAfterLastChunk(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec)

	var seen []int
	s.Schedule(Batch{StreamID: 1, Priority: 1, Chunks: chunks("a", "b"), OnComplete: func() {
		seen = append(seen, len(rec.emitted()))
	}})
	s.Schedule(Batch{Sync: true, Chunks: chunks("c"), OnComplete: func() {
		seen = append(seen, len(rec.emitted()))
	}})

	require.True(t, s.Drive())
	assert.Equal(t, []int{1, 3}, seen)
}

func TestOnCompleteMayScheduleMore(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec)

	s.Schedule(Batch{StreamID: 1, Priority: 0.5, Chunks: chunks("a"), OnComplete: func() {
		s.Schedule(async(2, 0.5, "b"))
	}})

	require.True(t, s.Drive())
	assert.Equal(t, []string{"a", "b"}, rec.emitted())
	assert.Equal(t, 0, s.Pending())
}

func TestCallbackPanicPropagates(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec)

	s.Schedule(Batch{StreamID: 1, Priority: 1, Chunks: chunks("a"), OnComplete: func() {
		panic("boom")
	}})
	s.Schedule(async(1, 1, "b"))

	require.PanicsWithValue(t, "boom", func() { s.Drive() })

	require.True(t, s.Drive())
	assert.Equal(t, []string{"a", "b"}, rec.emitted())
}

func TestRemoveStreamDropsQueuedBatches(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec)

	called := false
	s.Schedule(Batch{StreamID: 1, Priority: 0.5, Chunks: chunks("a1", "a2"), OnComplete: func() { called = true }})
	s.Schedule(async(1, 0.9, "a3"))
	s.Schedule(async(2, 0.5, "b1"))
	s.Schedule(control(1, "rst"))

	assert.Equal(t, 3, s.RemoveStream(1))
	assert.Equal(t, 2, s.Pending())
	assert.Equal(t, 1, s.ActiveLen())
	assert.Equal(t, 0, s.RemoveStream(7))

	s.Dump()
	assert.Equal(t, []string{"rst", "b1"}, rec.emitted())
	assert.False(t, called)
}

func TestScheduleArmsOneDrain(t *testing.T) {
	s := New(Config{}, &recorder{})

	s.Schedule(async(1, 1, "a"))
	s.Schedule(async(2, 1, "b"))
	s.Schedule(control(0, "c"))
	require.Len(t, s.kick, 1)

	<-s.kick
	s.Drive()
	require.Len(t, s.kick, 0)

	s.Schedule(async(1, 1, "d"))
	require.Len(t, s.kick, 1)
}

func TestRunDrainsScheduledBatches(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	done := make(chan struct{})
	s.Schedule(async(1, 0.5, "a"))
	s.Schedule(Batch{StreamID: 2, Priority: 0.5, Chunks: chunks("b"), OnComplete: func() { close(done) }})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not run")
	}
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.ElementsMatch(t, []string{"a", "b"}, rec.emitted())
}

func TestKickResumesPausedDrain(t *testing.T) {
	rec := &recorder{always: true}
	s := New(Config{}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	done := make(chan struct{})
	s.Schedule(async(1, 1, "a"))
	s.Schedule(Batch{StreamID: 1, Priority: 1, Chunks: chunks("b"), OnComplete: func() { close(done) }})

	require.Eventually(t, func() bool { return len(rec.emitted()) >= 1 }, 5*time.Second, time.Millisecond)
	s.Kick()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("kick did not resume the drain")
	}
	assert.Equal(t, []string{"a", "b"}, rec.emitted())
}

func TestConcurrentProducers(t *testing.T) {
	rec := &recorder{}
	s := New(Config{}, rec)

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				s.Schedule(async(id, float64(id)/producers, "x"))
				if i%10 == 0 {
					s.Schedule(control(0, "ctl"))
				}
			}
		}(uint32(p))
	}
	go func() {
		for i := 0; i < 100; i++ {
			s.Drive()
		}
	}()
	wg.Wait()

	s.Dump()
	assert.Len(t, rec.emitted(), producers*perProducer+producers*5)
	assert.Equal(t, 0, s.Pending())
}

func TestMetricsExposition(t *testing.T) {
	rec := &recorder{limit: 1}
	s := New(Config{}, rec)

	s.Schedule(control(0, "c"))
	s.Schedule(async(1, 1, "a", "b"))
	s.Drive()
	rec.setLimit(0)
	s.Drive()

	var buf bytes.Buffer
	s.Metrics().WritePrometheus(&buf)
	out := buf.String()
	assert.Contains(t, out, "muxsched_chunks_emitted_total 3")
	assert.Contains(t, out, `muxsched_batches_emitted_total{kind="sync"} 1`)
	assert.Contains(t, out, `muxsched_batches_emitted_total{kind="async"} 1`)
	assert.Contains(t, out, "muxsched_drains_total 2")
	assert.Contains(t, out, "muxsched_backpressure_pauses_total 1")
	assert.True(t, strings.Contains(out, "muxsched_pending_chunks 0"), out)
}

func TestNewRejectsBadInput(t *testing.T) {
	assert.Panics(t, func() { New(Config{}, nil) })
	assert.Panics(t, func() { New(Config{Window: -1}, &recorder{}) })
	assert.NoError(t, Config{Window: 2}.Validate())
}
