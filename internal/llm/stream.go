package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// Producer feeds deltas to emit until its source is exhausted. emit returns
// false once the stream has been closed or its context ended, after which
// the producer should stop. clean reports a successful end of the source;
// err is reserved for read failures and cancellation.
type Producer func(ctx context.Context, emit func(string) bool) (clean bool, err error)

// Stream is a forward-only sequence of text deltas from one inference run.
// It cannot be restarted.
type Stream struct {
	deltas chan string
	done   chan struct{}
	cancel context.CancelFunc
	text   string

	clean bool
	err   error

	closeOnce sync.Once
	cleanup   func() error
	closeErr  error
}

// NewStream runs produce in the background under a child of ctx. cleanup,
// if non-nil, runs once after the producer finishes and the stream is closed.
func NewStream(ctx context.Context, produce Producer, cleanup func() error) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	return newStream(ctx, cancel, produce, cleanup)
}

func newStream(ctx context.Context, cancel context.CancelFunc, produce Producer, cleanup func() error) *Stream {
	s := &Stream{
		deltas:  make(chan string),
		done:    make(chan struct{}),
		cancel:  cancel,
		cleanup: cleanup,
	}

	emit := func(text string) bool {
		select {
		case s.deltas <- text:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		clean, err := produce(ctx, emit)
		if err == nil && ctx.Err() != nil {
			clean, err = false, ctx.Err()
		}
		s.clean, s.err = clean, err
		close(s.done)
		close(s.deltas)
	}()
	return s
}

// Next advances to the next delta. It returns false when the run has ended.
func (s *Stream) Next() bool {
	text, ok := <-s.deltas
	if !ok {
		return false
	}
	s.text = text
	return true
}

// Text returns the current delta.
func (s *Stream) Text() string {
	return s.text
}

// Err returns the read or cancellation error that ended the stream, if any.
// A backend failing on its own is reported by Clean, not Err.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Clean reports whether the run finished and exited successfully.
func (s *Stream) Clean() bool {
	select {
	case <-s.done:
		return s.clean && s.err == nil
	default:
		return false
	}
}

// Close stops the run if still active, waits for it, and releases its
// resources. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		if s.cleanup != nil {
			s.closeErr = s.cleanup()
		}
	})
	return s.closeErr
}

// Collect drains s and returns the concatenated text. It does not close s.
func Collect(s *Stream) string {
	var out []byte
	for s.Next() {
		out = append(out, s.Text()...)
	}
	return string(out)
}

// streamLine is one line of the CLI's stream-json output.
type streamLine struct {
	Type  string `json:"type"`
	Event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
}

// ParseStreamLine extracts the text of a stream_event/content_block_delta/
// text_delta line. Other and malformed lines report false.
func ParseStreamLine(line []byte) (string, bool) {
	var l streamLine
	if err := json.Unmarshal(line, &l); err != nil {
		return "", false
	}
	if l.Type != "stream_event" || l.Event.Type != "content_block_delta" || l.Event.Delta.Type != "text_delta" {
		return "", false
	}
	return l.Event.Delta.Text, true
}
