// Package llm runs inference backends and exposes their output as a stream
// of text deltas.
package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// ErrBinaryNotFound means the inference executable is not on PATH.
var ErrBinaryNotFound = errors.New("inference binary not found")

// ErrUnavailable means a backend could not be reached.
var ErrUnavailable = errors.New("inference backend unavailable")

// Request is one prompt to run. Label names the scratch file and log lines.
type Request struct {
	Prompt string
	Model  string
	Label  string
}

// Invoker starts inference runs.
type Invoker interface {
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// Checker reports whether a backend is ready to accept requests.
type Checker interface {
	Check(ctx context.Context) error
}

// Settings selects and configures a backend.
type Settings struct {
	Provider   string
	Binary     string
	ExtraArgs  []string
	ScratchDir string
	OllamaURL  string
}

// CreateInvoker builds the invoker named by s.Provider. Anything other than
// "ollama" selects the local CLI.
func CreateInvoker(s Settings, logger *slog.Logger) Invoker {
	if strings.ToLower(s.Provider) == "ollama" {
		logger.Info("using ollama", "url", s.OllamaURL)
		return NewOllamaInvoker(s.OllamaURL, logger)
	}
	logger.Info("using inference cli", "binary", s.Binary)
	return NewCLIInvoker(s.Binary, s.ScratchDir, logger, WithExtraArgs(s.ExtraArgs...))
}
