package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Citation is one source link attached to an answer.
type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Event is a partial event emitted by a provider chat stream.
// The set of implementations is closed: TextDelta and CitationBatch.
type Event interface {
	isEvent()
}

// TextDelta carries the next fragment of answer text.
type TextDelta struct {
	Text string
}

// CitationBatch carries source links in provider emission order.
type CitationBatch struct {
	Citations []Citation
}

func (TextDelta) isEvent()     {}
func (CitationBatch) isEvent() {}

// Stream is an ordered sequence of events. Recv returns io.EOF once the
// provider signals end-of-stream.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Result is the assembled answer of one stream.
type Result struct {
	Answer    string
	Citations []Citation
}

// ErrInterrupted matches any *InterruptedError via errors.Is.
var ErrInterrupted = errors.New("stream interrupted")

// InterruptedError reports a stream that failed before end-of-stream.
// Partial holds whatever was accumulated up to the failure.
type InterruptedError struct {
	Partial Result
	Err     error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("stream interrupted after %d chars: %v", len(e.Partial.Answer), e.Err)
}

func (e *InterruptedError) Unwrap() error { return e.Err }

func (e *InterruptedError) Is(target error) bool { return target == ErrInterrupted }

// Aggregate drains s in arrival order. Text fragments are concatenated and
// citation batches appended as received; duplicates are kept.
func Aggregate(ctx context.Context, s Stream) (Result, error) {
	defer s.Close()

	var answer strings.Builder
	var citations []Citation
	partial := func() Result {
		return Result{Answer: answer.String(), Citations: citations}
	}

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, &InterruptedError{Partial: partial(), Err: err}
		}
		ev, err := s.Recv()
		if err == io.EOF {
			return partial(), nil
		}
		if err != nil {
			return Result{}, &InterruptedError{Partial: partial(), Err: err}
		}
		switch e := ev.(type) {
		case TextDelta:
			answer.WriteString(e.Text)
		case *TextDelta:
			answer.WriteString(e.Text)
		case CitationBatch:
			citations = append(citations, e.Citations...)
		case *CitationBatch:
			citations = append(citations, e.Citations...)
		}
	}
}

// Slice is an in-memory Stream over a fixed event list, optionally failing
// with Err once the events are exhausted.
type Slice struct {
	Events []Event
	Err    error

	pos    int
	closed bool
}

// Recv returns the next event.
func (s *Slice) Recv() (Event, error) {
	if s.pos >= len(s.Events) {
		if s.Err != nil {
			return nil, s.Err
		}
		return nil, io.EOF
	}
	ev := s.Events[s.pos]
	s.pos++
	return ev, nil
}

// Close marks the stream closed.
func (s *Slice) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Slice) Closed() bool { return s.closed }
