package receiver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sheerbytes/muxsched/internal/bench"
	"github.com/sheerbytes/muxsched/internal/frame"
)

// Run reads frames from r until EOF and returns the tally of what arrived.
func Run(r io.Reader, maxFrameSize int, logger *slog.Logger) (bench.Summary, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	tally := bench.NewTally(time.Now())
	meter := bench.NewMeter()
	fr := frame.NewReader(r, maxFrameSize)
	for {
		f, err := fr.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return tally.Summary(time.Now()), fmt.Errorf("read frame: %w", err)
		}
		tally.Observe(f)
		meter.Add(frame.HeaderLen + len(f.Payload))

		switch f.Type {
		case frame.TypeSettings:
			settings, err := frame.ParseSettings(f)
			if err != nil {
				return tally.Summary(time.Now()), err
			}
			for _, st := range settings {
				logger.Debug("setting received", "id", st.ID, "value", st.Value)
			}
		case frame.TypeGoAway:
			ga, err := frame.ParseGoAway(f)
			if err != nil {
				return tally.Summary(time.Now()), err
			}
			logger.Info("goaway received", "last_stream_id", ga.LastStreamID, "code", ga.Code)
		case frame.TypeRstStream:
			code, err := frame.ParseUint32(f)
			if err != nil {
				return tally.Summary(time.Now()), err
			}
			logger.Warn("stream reset by peer", "stream_id", f.StreamID, "code", code)
		case frame.TypeData:
			if f.EndStream() {
				logger.Debug("stream finished", "stream_id", f.StreamID, "received", meter.Total(), "rate_mibps", meter.MiBps())
			}
		}
	}
	summary := tally.Summary(time.Now())
	logger.Info("receiver finished", "frames", summary.Frames, "bytes", summary.Bytes, "streams", len(summary.Streams))
	return summary, nil
}
