package frame

import (
	"fmt"
	"io"
)

// Reader decodes frames from a byte stream.
type Reader struct {
	r            io.Reader
	maxFrameSize int
	hdr          [HeaderLen]byte
}

// NewReader returns a Reader rejecting payloads above maxFrameSize. A
// maxFrameSize of 0 means DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{r: r, maxFrameSize: maxFrameSize}
}

// ReadFrame reads the next frame. It returns io.EOF only when the stream ends
// cleanly on a frame boundary.
func (r *Reader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return Frame{}, err
	}
	h, err := ParseHeader(r.hdr[:])
	if err != nil {
		return Frame{}, err
	}
	if int(h.Length) > r.maxFrameSize {
		return Frame{}, fmt.Errorf("%s frame of %d bytes: %w", h.Type, h.Length, ErrFrameTooLarge)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, fmt.Errorf("failed to read %s payload: %w", h.Type, err)
	}
	return Frame{Header: h, Payload: payload}, nil
}
