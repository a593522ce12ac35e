package bench

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sheerbytes/muxsched/internal/frame"
)

// StreamStats summarizes the DATA frames received for one stream.
type StreamStats struct {
	StreamID uint32
	Frames   int
	Bytes    int64
	FirstSeq int // arrival index of the first frame
	LastSeq  int // arrival index of the last frame
	Finished bool
}

// Tally records the order frames arrive in on the receiving side.
type Tally struct {
	start   time.Time
	seq     int
	bytes   int64
	streams map[uint32]*StreamStats
	control map[frame.Type]int
}

// Summary is the final view of a Tally.
type Summary struct {
	Frames  int
	Bytes   int64
	Elapsed time.Duration
	AvgMBps float64
	Streams []StreamStats // ordered by completion
	Control map[frame.Type]int
}

func NewTally(now time.Time) *Tally {
	return &Tally{
		start:   now,
		streams: make(map[uint32]*StreamStats),
		control: make(map[frame.Type]int),
	}
}

// Observe records one received frame.
func (t *Tally) Observe(f frame.Frame) {
	seq := t.seq
	t.seq++
	t.bytes += int64(frame.HeaderLen) + int64(len(f.Payload))

	if f.Type != frame.TypeData {
		t.control[f.Type]++
		return
	}
	st, ok := t.streams[f.StreamID]
	if !ok {
		st = &StreamStats{StreamID: f.StreamID, FirstSeq: seq}
		t.streams[f.StreamID] = st
	}
	st.Frames++
	st.Bytes += int64(len(f.Payload))
	st.LastSeq = seq
	if f.EndStream() {
		st.Finished = true
	}
}

// Stream returns the stats recorded for id.
func (t *Tally) Stream(id uint32) (StreamStats, bool) {
	st, ok := t.streams[id]
	if !ok {
		return StreamStats{}, false
	}
	return *st, true
}

func (t *Tally) Summary(now time.Time) Summary {
	elapsed := now.Sub(t.start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	streams := make([]StreamStats, 0, len(t.streams))
	for _, st := range t.streams {
		streams = append(streams, *st)
	}
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].LastSeq != streams[j].LastSeq {
			return streams[i].LastSeq < streams[j].LastSeq
		}
		return streams[i].StreamID < streams[j].StreamID
	})
	control := make(map[frame.Type]int, len(t.control))
	for k, v := range t.control {
		control[k] = v
	}
	return Summary{
		Frames:  t.seq,
		Bytes:   t.bytes,
		Elapsed: elapsed,
		AvgMBps: float64(t.bytes) / elapsed.Seconds() / (1024 * 1024),
		Streams: streams,
		Control: control,
	}
}

// Write prints s as a small table.
func (s Summary) Write(w io.Writer) {
	fmt.Fprintf(w, "frames=%d bytes=%d elapsed=%s avg=%.2f MiB/s\n", s.Frames, s.Bytes, s.Elapsed.Round(time.Millisecond), s.AvgMBps)
	fmt.Fprintf(w, "%-8s %8s %12s %8s %8s %s\n", "stream", "frames", "bytes", "first", "last", "fin")
	for _, st := range s.Streams {
		fmt.Fprintf(w, "%-8d %8d %12d %8d %8d %v\n", st.StreamID, st.Frames, st.Bytes, st.FirstSeq, st.LastSeq, st.Finished)
	}
	types := make([]frame.Type, 0, len(s.Control))
	for typ := range s.Control {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, typ := range types {
		fmt.Fprintf(w, "control %s=%d\n", typ, s.Control[typ])
	}
}
