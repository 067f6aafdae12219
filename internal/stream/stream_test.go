package stream_test

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/stream"
	"github.com/toolgate/toolgate/pkg/models"
)

func TestWriter_ProgressThenComplete(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := stream.NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	if err := w.Progress(models.ProgressPayload{Stage: "validating", RequestID: "r1"}); err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if err := w.Complete(models.CompletePayload{RequestID: "r1"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	r := stream.NewReader(rec.Body, 1<<20)
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Kind != models.EventProgress {
		t.Errorf("first frame kind = %q, want progress", ev.Kind)
	}
	var p models.ProgressPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		t.Fatalf("unmarshal progress: %v", err)
	}
	if p.Stage != "validating" {
		t.Errorf("Stage = %q, want validating", p.Stage)
	}

	ev, err = r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Kind != models.EventComplete {
		t.Errorf("second frame kind = %q, want complete", ev.Kind)
	}
	var c models.CompletePayload
	if err := json.Unmarshal(ev.Data, &c); err != nil {
		t.Fatalf("unmarshal complete: %v", err)
	}
	if !c.Success {
		t.Error("complete frame Success = false")
	}
}

func TestWriter_TerminalLatch(t *testing.T) {
	rec := httptest.NewRecorder()
	w, _ := stream.NewWriter(rec)

	if err := w.Error(models.ErrorPayload{Error: "rate_limit", RequestID: "r2"}); err != nil {
		t.Fatalf("Error() error = %v", err)
	}

	if err := w.Progress(models.ProgressPayload{Stage: "late"}); !errors.Is(err, stream.ErrStreamClosed) {
		t.Errorf("Progress() after terminal = %v, want ErrStreamClosed", err)
	}
	if err := w.Complete(models.CompletePayload{}); !errors.Is(err, stream.ErrStreamClosed) {
		t.Errorf("Complete() after terminal = %v, want ErrStreamClosed", err)
	}

	// Exactly one frame on the wire.
	if got := strings.Count(rec.Body.String(), "event:"); got != 1 {
		t.Errorf("frames on wire = %d, want 1", got)
	}
}

func TestWriter_ErrorFrameCarriesSafeFields(t *testing.T) {
	rec := httptest.NewRecorder()
	w, _ := stream.NewWriter(rec)

	if err := w.Error(models.ErrorPayload{
		Error:     "user_limit",
		Details:   "Too many requests. Please try again later.",
		Retryable: true,
		RequestID: "r3",
	}); err != nil {
		t.Fatalf("Error() error = %v", err)
	}

	ev, err := stream.NewReader(rec.Body, 1<<20).Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	var p models.ErrorPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if p.Success {
		t.Error("error frame Success = true")
	}
	if p.Error != "user_limit" || !p.Retryable {
		t.Errorf("error frame = %+v, want retryable user_limit", p)
	}
}

func TestWriter_CloseIdempotent(t *testing.T) {
	rec := httptest.NewRecorder()
	w, _ := stream.NewWriter(rec)

	w.Close()
	w.Close()
	if !w.Terminated() {
		t.Error("Terminated() = false after Close")
	}
	if err := w.Progress(models.ProgressPayload{}); !errors.Is(err, stream.ErrStreamClosed) {
		t.Errorf("Progress() after Close = %v, want ErrStreamClosed", err)
	}
}

func TestReader_FrameTooLarge(t *testing.T) {
	huge := "event: progress\ndata: " + strings.Repeat("x", 4096) + "\n\n"
	r := stream.NewReader(strings.NewReader(huge), 1024)

	if _, err := r.Next(); !errors.Is(err, stream.ErrFrameTooLarge) {
		t.Errorf("Next() error = %v, want ErrFrameTooLarge", err)
	}
}

// drip serves an endless run of one byte and never sends a newline.
type drip struct{ b byte }

func (d drip) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = d.b
	}
	return len(p), nil
}

func TestReader_NewlineFreeStreamStaysBounded(t *testing.T) {
	r := stream.NewReader(drip{'a'}, 1024)

	done := make(chan error, 1)
	go func() {
		_, err := r.Next()
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, stream.ErrFrameTooLarge) {
			t.Errorf("Next() error = %v, want ErrFrameTooLarge", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next() did not return on a newline-free stream")
	}
}

func TestReader_SkipsCommentsAndBlankLines(t *testing.T) {
	raw := ": keep-alive\n\nevent: progress\ndata: {\"stage\":\"bundling\"}\n\n"
	r := stream.NewReader(strings.NewReader(raw), 1<<20)

	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Kind != "progress" {
		t.Errorf("Kind = %q, want progress", ev.Kind)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next() at end = %v, want io.EOF", err)
	}
}

func TestReader_MultiLineData(t *testing.T) {
	raw := "event: complete\ndata: line1\ndata: line2\n\n"
	ev, err := stream.NewReader(strings.NewReader(raw), 1<<20).Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if string(ev.Data) != "line1\nline2" {
		t.Errorf("Data = %q, want joined lines", ev.Data)
	}
}
