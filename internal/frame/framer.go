package frame

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/sheerbytes/muxsched/internal/scheduler"
)

// Scheduler is the part of *scheduler.Scheduler the framer needs.
type Scheduler interface {
	Schedule(b scheduler.Batch)
	RemoveStream(streamID uint32) int
}

// Framer encodes frames and hands them to a scheduler. DATA frames are
// scheduled by priority, one batch per frame; every other frame is a control
// batch and goes out ahead of data in submission order.
type Framer struct {
	sched        Scheduler
	maxFrameSize int
	logger       *slog.Logger
}

// NewFramer returns a Framer scheduling onto sched. A maxFrameSize of 0 means
// DefaultMaxFrameSize.
func NewFramer(sched Scheduler, maxFrameSize int, logger *slog.Logger) *Framer {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if maxFrameSize > maxLength {
		maxFrameSize = maxLength
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Framer{sched: sched, maxFrameSize: maxFrameSize, logger: logger}
}

// MaxFrameSize returns the payload limit used when splitting data.
func (f *Framer) MaxFrameSize() int {
	return f.maxFrameSize
}

// Data splits payload into DATA frames for streamID. done, if set, runs once
// the last frame has been handed to the consumer. payload must not be
// modified until then.
func (f *Framer) Data(streamID uint32, priority float64, payload []byte, fin bool, done func()) error {
	if err := checkStream(streamID); err != nil {
		return fmt.Errorf("data frame: %w", err)
	}
	for {
		n := min(len(payload), f.maxFrameSize)
		last := n == len(payload)

		var flags uint8
		if last && fin {
			flags = FlagEndStream
		}
		b := scheduler.Batch{
			StreamID: streamID,
			Priority: priority,
			Chunks:   [][]byte{Header{Length: uint32(n), Type: TypeData, Flags: flags, StreamID: streamID}.Encode()},
		}
		if n > 0 {
			b.Chunks = append(b.Chunks, payload[:n])
		}
		if last {
			b.OnComplete = done
		}
		f.sched.Schedule(b)

		if last {
			return nil
		}
		payload = payload[n:]
	}
}

// Ping schedules a PING carrying opaque.
func (f *Framer) Ping(opaque [8]byte, ack bool) {
	var flags uint8
	if ack {
		flags = FlagAck
	}
	f.control(Header{Type: TypePing, Flags: flags}, opaque[:], nil)
}

// Settings schedules a SETTINGS frame.
func (f *Framer) Settings(settings ...Setting) {
	payload := make([]byte, 6*len(settings))
	for i, s := range settings {
		binary.BigEndian.PutUint16(payload[6*i:], s.ID)
		binary.BigEndian.PutUint32(payload[6*i+2:], s.Value)
	}
	f.control(Header{Type: TypeSettings}, payload, nil)
}

// WindowUpdate schedules a WINDOW_UPDATE. Stream 0 updates the connection.
func (f *Framer) WindowUpdate(streamID, delta uint32) error {
	if streamID > maxStreamID {
		return fmt.Errorf("window update: %w", ErrInvalidStreamID)
	}
	if delta == 0 || delta > maxStreamID {
		return fmt.Errorf("window update of %d: %w", delta, ErrInvalidDelta)
	}
	f.control(Header{Type: TypeWindowUpdate, StreamID: streamID}, be32(delta), nil)
	return nil
}

// RstStream drops the data still queued for streamID and schedules a reset.
func (f *Framer) RstStream(streamID, code uint32) error {
	if err := checkStream(streamID); err != nil {
		return fmt.Errorf("rst stream: %w", err)
	}
	dropped := f.sched.RemoveStream(streamID)
	f.logger.Debug("resetting stream", "stream_id", streamID, "code", code, "dropped_chunks", dropped)
	f.control(Header{Type: TypeRstStream, StreamID: streamID}, be32(code), nil)
	return nil
}

// GoAway schedules a GOAWAY. done runs once it has been handed to the
// consumer.
func (f *Framer) GoAway(lastStreamID, code uint32, done func()) error {
	if lastStreamID > maxStreamID {
		return fmt.Errorf("goaway: %w", ErrInvalidStreamID)
	}
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload, lastStreamID)
	binary.BigEndian.PutUint32(payload[4:], code)
	f.control(Header{Type: TypeGoAway}, payload, done)
	return nil
}

func (f *Framer) control(h Header, payload []byte, done func()) {
	h.Length = uint32(len(payload))
	b := scheduler.Batch{
		StreamID:   h.StreamID,
		Sync:       true,
		Chunks:     [][]byte{h.Encode()},
		OnComplete: done,
	}
	if len(payload) > 0 {
		b.Chunks = append(b.Chunks, payload)
	}
	f.sched.Schedule(b)
}

func checkStream(id uint32) error {
	if id == 0 || id > maxStreamID {
		return fmt.Errorf("stream %d: %w", id, ErrInvalidStreamID)
	}
	return nil
}

func be32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}
