package bench

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sheerbytes/muxsched/internal/frame"
)

func data(stream uint32, n int, fin bool) frame.Frame {
	var flags uint8
	if fin {
		flags = frame.FlagEndStream
	}
	return frame.Frame{
		Header:  frame.Header{Length: uint32(n), Type: frame.TypeData, Flags: flags, StreamID: stream},
		Payload: make([]byte, n),
	}
}

func TestTallyOrdersStreamsByCompletion(t *testing.T) {
	start := time.Unix(0, 0)
	tally := NewTally(start)

	tally.Observe(frame.Frame{Header: frame.Header{Type: frame.TypePing, Length: 8}, Payload: make([]byte, 8)})
	tally.Observe(data(1, 100, false))
	tally.Observe(data(3, 50, false))
	tally.Observe(data(1, 100, true))
	tally.Observe(data(3, 50, true))

	sum := tally.Summary(start.Add(time.Second))
	if sum.Frames != 5 {
		t.Fatalf("expected 5 frames, got %d", sum.Frames)
	}
	if sum.Bytes != 5*frame.HeaderLen+8+300 {
		t.Fatalf("unexpected byte count %d", sum.Bytes)
	}
	if len(sum.Streams) != 2 || sum.Streams[0].StreamID != 1 {
		t.Fatalf("expected stream 1 to finish first, got %+v", sum.Streams)
	}
	s1 := sum.Streams[0]
	if s1.Frames != 2 || s1.Bytes != 200 || s1.FirstSeq != 1 || s1.LastSeq != 3 || !s1.Finished {
		t.Fatalf("unexpected stats for stream 1: %+v", s1)
	}
	if sum.Control[frame.TypePing] != 1 {
		t.Fatalf("expected one PING, got %v", sum.Control)
	}

	var buf bytes.Buffer
	sum.Write(&buf)
	if !strings.Contains(buf.String(), "control PING=1") {
		t.Fatalf("unexpected summary output:\n%s", buf.String())
	}
}

func TestTallyStreamLookup(t *testing.T) {
	tally := NewTally(time.Now())
	tally.Observe(data(9, 10, false))

	if _, ok := tally.Stream(1); ok {
		t.Fatal("stream 1 was never observed")
	}
	st, ok := tally.Stream(9)
	if !ok || st.Bytes != 10 || st.Finished {
		t.Fatalf("unexpected stats %+v", st)
	}
}
