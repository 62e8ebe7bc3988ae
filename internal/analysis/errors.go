package analysis

import (
	"context"
	"errors"

	"github.com/TobiSchelling/sessionscope/internal/llm"
	"github.com/TobiSchelling/sessionscope/internal/store"
	"github.com/TobiSchelling/sessionscope/internal/transcript"
)

// Kind classifies a failure for the transport boundaries.
type Kind int

const (
	// Internal is anything not otherwise classified.
	Internal Kind = iota
	EmptyCorpus
	InferenceProcess
	Persistence
	Transport
	NotFound
	Invalid
)

func (k Kind) String() string {
	switch k {
	case EmptyCorpus:
		return "empty_corpus"
	case InferenceProcess:
		return "inference_process"
	case Persistence:
		return "persistence"
	case Transport:
		return "transport"
	case NotFound:
		return "not_found"
	case Invalid:
		return "invalid"
	}
	return "internal"
}

// Error is a classified failure. Msg is safe to show to the user.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, transcript.ErrEmptyCorpus):
		return EmptyCorpus
	case errors.Is(err, transcript.ErrInvalidScope):
		return Invalid
	case errors.Is(err, store.ErrNotFound):
		return NotFound
	case errors.Is(err, llm.ErrBinaryNotFound), errors.Is(err, llm.ErrUnavailable):
		return InferenceProcess
	case errors.Is(err, context.Canceled):
		return Transport
	}
	return Internal
}

// Message returns the user-visible text for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != Internal {
		return e.Msg
	}
	switch KindOf(err) {
	case EmptyCorpus:
		return transcript.ErrEmptyCorpus.Error()
	case Internal:
		return "internal error"
	}
	return err.Error()
}

// Report translates a failed run into the terminal event sent to an
// observer. Transport failures report false: nobody is listening.
func Report(err error) (ErrorEvent, bool) {
	if KindOf(err) == Transport {
		return ErrorEvent{}, false
	}
	return ErrorEvent{Message: Message(err)}, true
}

// Invalidf builds a validation error.
func Invalidf(msg string) error {
	return &Error{Kind: Invalid, Msg: msg}
}
