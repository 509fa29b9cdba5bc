// Package frame implements the wire framing shared by the hub control
// channel and peer-to-peer sessions: a stream of UTF-8 JSON objects, each
// terminated by a single newline byte. There is no length prefix.
package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrMalformed reports a line that was not a parseable JSON value. The bad
// line has been consumed; the caller may keep reading or close, per channel
// policy.
var ErrMalformed = errors.New("malformed frame")

// Encoder writes newline-terminated JSON frames to a stream.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w. Encode is safe for concurrent
// use; each frame is written with a single Write call so frames from
// different goroutines never interleave.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it as one frame.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder reads newline-terminated JSON frames from a stream. It buffers
// internally, so chunk boundaries on the underlying reader are invisible.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the raw bytes of the next frame, without the trailing
// newline. Returns io.EOF at a clean end of stream and io.ErrUnexpectedEOF
// if the stream ends mid-frame.
func (d *Decoder) Next() ([]byte, error) {
	line, err := d.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return bytes.TrimSuffix(line, []byte("\n")), nil
}

// Decode reads the next frame and unmarshals it into v. A line that is not
// valid JSON yields ErrMalformed; the line is consumed and the decoder
// remains usable.
func (d *Decoder) Decode(v any) error {
	line, err := d.Next()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
