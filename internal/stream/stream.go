// Package stream implements the server-sent-events progress protocol:
// a writer that emits progress frames terminated by exactly one
// complete or error frame, and a bounded reader for clients.
package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/toolgate/toolgate/pkg/models"
)

// ErrFrameTooLarge is returned by Reader when a frame exceeds the
// configured ceiling before its terminating blank line.
var ErrFrameTooLarge = errors.New("sse frame exceeds size limit")

// ErrStreamClosed is returned when writing after a terminal frame.
var ErrStreamClosed = errors.New("stream already terminated")

// Event is one decoded SSE frame.
type Event struct {
	Kind string
	Data []byte
}

// Writer emits SSE frames over an http.ResponseWriter. After a
// terminal frame (complete or error) every further write is rejected,
// so a stream can never carry two outcomes.
type Writer struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flusher  http.Flusher
	terminal bool
	started  bool
}

// NewWriter prepares w for SSE output. It fails when the underlying
// writer cannot flush, which would leave clients staring at a buffer.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

func (s *Writer) writeHeaders() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// Progress emits an intermediate progress frame.
func (s *Writer) Progress(p models.ProgressPayload) error {
	return s.send(models.EventProgress, p, false)
}

// Complete emits the terminal success frame and latches the stream.
func (s *Writer) Complete(p models.CompletePayload) error {
	p.Success = true
	return s.send(models.EventComplete, p, true)
}

// Error emits the terminal failure frame and latches the stream.
func (s *Writer) Error(p models.ErrorPayload) error {
	p.Success = false
	return s.send(models.EventError, p, true)
}

func (s *Writer) send(kind string, payload any, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminal {
		return ErrStreamClosed
	}
	s.writeHeaders()

	data, err := json.Marshal(payload)
	if err != nil {
		// A payload that cannot marshal still owes the client a terminal
		// frame; emit a minimal error and latch.
		log.Error().Err(err).Str("event", kind).Msg("progress frame marshal failed")
		s.terminal = true
		fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n",
			models.EventError, `{"success":false,"error":"internal","retryable":false}`)
		s.flusher.Flush()
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", kind, data); err != nil {
		s.terminal = true
		return err
	}
	s.flusher.Flush()
	if terminal {
		s.terminal = true
	}
	return nil
}

// Close latches the stream without writing. Idempotent; used by
// handlers on connection teardown.
func (s *Writer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal = true
}

// Terminated reports whether a terminal frame has been written.
func (s *Writer) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Reader decodes SSE frames with a hard per-frame size ceiling.
type Reader struct {
	br       *bufio.Reader
	maxBytes int
}

// NewReader wraps r. maxBytes bounds the accumulated frame size before
// the terminating blank line; frames beyond it abort the stream.
func NewReader(r io.Reader, maxBytes int) *Reader {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Reader{br: bufio.NewReader(r), maxBytes: maxBytes}
}

// Next returns the next frame, io.EOF at end of stream, or
// ErrFrameTooLarge when a frame exceeds the ceiling.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var data strings.Builder
	total := 0

	for {
		line, err := r.readLine(&total)
		if err != nil {
			if err == io.EOF && (ev.Kind != "" || data.Len() > 0) {
				ev.Data = []byte(data.String())
				return ev, nil
			}
			return Event{}, err
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ev.Kind == "" && data.Len() == 0 {
				continue // leading blank line
			}
			ev.Data = []byte(data.String())
			return ev, nil
		case strings.HasPrefix(line, "event:"):
			ev.Kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment/keep-alive
		}
	}
}

// readLine reads one line in buffer-sized chunks, charging each chunk
// against the frame ceiling as it arrives. A source that never sends a
// newline trips ErrFrameTooLarge instead of buffering without bound.
func (r *Reader) readLine(total *int) (string, error) {
	var b strings.Builder
	for {
		chunk, err := r.br.ReadSlice('\n')
		*total += len(chunk)
		if *total > r.maxBytes {
			return "", ErrFrameTooLarge
		}
		b.Write(chunk)
		if err == bufio.ErrBufferFull {
			continue
		}
		return b.String(), err
	}
}
