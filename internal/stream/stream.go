// Package stream encodes query events as newline-delimited JSON records.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const ContentType = "application/x-ndjson"

type EventType string

const (
	EventRunningQuestion EventType = "runningQuestion"
	EventToken           EventType = "token"
	EventPageNumber      EventType = "pageNumber"
	EventError           EventType = "error"
)

// Event is one record. Only the field matching Event is set.
type Event struct {
	Event           EventType `json:"event"`
	RunningQuestion string    `json:"runningQuestion,omitempty"`
	Token           string    `json:"token,omitempty"`
	PageNumbers     []int     `json:"pageNumbers,omitempty"`
	Message         string    `json:"message,omitempty"`
}

func RunningQuestion(q string) Event { return Event{Event: EventRunningQuestion, RunningQuestion: q} }
func Token(tok string) Event         { return Event{Event: EventToken, Token: tok} }
func Error(msg string) Event         { return Event{Event: EventError, Message: msg} }

// PageNumbers always encodes the array, even when empty.
func PageNumbers(pages []int) Event {
	if pages == nil {
		pages = []int{}
	}
	return Event{Event: EventPageNumber, PageNumbers: pages}
}

func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Event != EventPageNumber {
		return json.Marshal(plain(e))
	}
	return json.Marshal(struct {
		Event       EventType `json:"event"`
		PageNumbers []int     `json:"pageNumbers"`
	}{e.Event, e.PageNumbers})
}

// Writer emits each event as one write of a complete line followed by a flush.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	started bool
}

func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// Started reports whether any record has been written.
func (w *Writer) Started() bool {
	return w.started
}

func (w *Writer) Emit(e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal stream event failed: %w", err)
	}
	line = append(line, '\n')

	w.started = true
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("write stream event failed: %w", err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Reader splits a byte stream on newlines and decodes each record, however
// the underlying reads were chunked.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns io.EOF after the last complete record. A trailing partial
// record yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (Event, error) {
	for {
		line, err := r.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(bytes.TrimSpace(line)) == 0 {
					return Event{}, io.EOF
				}
				return Event{}, io.ErrUnexpectedEOF
			}
			return Event{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return Event{}, fmt.Errorf("decode stream event failed: %w", err)
		}
		return e, nil
	}
}

// Collect reads every record until EOF.
func Collect(r io.Reader) ([]Event, error) {
	reader := NewReader(r)
	var events []Event
	for {
		e, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
}
