package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// OllamaInvoker streams chat completions from a local Ollama server.
type OllamaInvoker struct {
	BaseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOllamaInvoker creates a new Ollama invoker. Requests carry no client
// timeout; deadlines come from the caller's context.
func NewOllamaInvoker(baseURL string, logger *slog.Logger) *OllamaInvoker {
	return &OllamaInvoker{
		BaseURL: baseURL,
		client:  &http.Client{},
		logger:  logger.With("component", "llm", "provider", "ollama"),
	}
}

// Check verifies the server answers /api/tags.
func (o *OllamaInvoker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ollama returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// Stream posts req to /api/chat with streaming enabled. A non-200 response
// yields an unclean stream rather than an error.
func (o *OllamaInvoker) Stream(ctx context.Context, req Request) (*Stream, error) {
	body := map[string]any{
		"model": req.Model,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
		"stream": true,
		"options": map[string]any{
			"temperature": 0.3,
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(runCtx, http.MethodPost, o.BaseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	o.logger.Info("inference started", "label", req.Label, "model", req.Model, "bytes", len(req.Prompt))
	resp, err := o.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	produce := func(ctx context.Context, emit func(string) bool) (bool, error) {
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, stderrLogBytes))
			o.logger.Error("ollama request failed",
				"label", req.Label,
				"status", resp.StatusCode,
				"body", string(respBody),
			)
			return false, nil
		}

		dec := json.NewDecoder(resp.Body)
		for {
			var chunk struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
				Done  bool   `json:"done"`
				Error string `json:"error"`
			}
			if err := dec.Decode(&chunk); err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				if errors.Is(err, io.EOF) {
					// Ended without a done marker.
					return false, nil
				}
				return false, fmt.Errorf("decoding ollama stream: %w", err)
			}
			if chunk.Error != "" {
				o.logger.Error("ollama stream error", "label", req.Label, "error", chunk.Error)
				return false, nil
			}
			if chunk.Message.Content != "" && !emit(chunk.Message.Content) {
				return false, ctx.Err()
			}
			if chunk.Done {
				return true, nil
			}
		}
	}

	return newStream(runCtx, cancel, produce, resp.Body.Close), nil
}
