package llm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxStreamLine  = 16 << 20
	stderrCapture  = 4096
	stderrLogBytes = 200
	waitDelay      = 5 * time.Second
)

// CLIInvoker runs the local inference CLI once per request, feeding the
// prompt through a scratch file on standard input.
type CLIInvoker struct {
	binary     string
	scratchDir string
	extraArgs  []string
	logger     *slog.Logger
}

// CLIOption configures a CLIInvoker.
type CLIOption func(*CLIInvoker)

// WithExtraArgs appends arguments after the fixed streaming flags.
func WithExtraArgs(args ...string) CLIOption {
	return func(c *CLIInvoker) {
		c.extraArgs = append(c.extraArgs, args...)
	}
}

// NewCLIInvoker creates an invoker for binary, writing scratch files under
// scratchDir.
func NewCLIInvoker(binary, scratchDir string, logger *slog.Logger, opts ...CLIOption) *CLIInvoker {
	c := &CLIInvoker{
		binary:     binary,
		scratchDir: scratchDir,
		logger:     logger.With("component", "llm", "provider", "cli"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check verifies the binary is on PATH.
func (c *CLIInvoker) Check(ctx context.Context) error {
	if _, err := exec.LookPath(c.binary); err != nil {
		return fmt.Errorf("%w: %s", ErrBinaryNotFound, c.binary)
	}
	return nil
}

// Args returns the command line arguments for model.
func (c *CLIInvoker) Args(model string) []string {
	var args []string
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"-p",
	)
	return append(args, c.extraArgs...)
}

// Stream starts the CLI for req. A non-zero exit does not surface as an
// error; the returned stream reports it through Clean.
func (c *CLIInvoker) Stream(ctx context.Context, req Request) (*Stream, error) {
	path, err := exec.LookPath(c.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, c.binary)
	}

	scratch, err := c.writeScratch(req)
	if err != nil {
		return nil, err
	}
	removeScratch := func() error {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing scratch file: %w", err)
		}
		return nil
	}

	stdin, err := os.Open(scratch)
	if err != nil {
		removeScratch()
		return nil, fmt.Errorf("opening scratch file: %w", err)
	}
	defer stdin.Close()

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, path, c.Args(req.Model)...)
	cmd.Stdin = stdin
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	// exec copies output through its own goroutines and Wait waits for them,
	// bounded by WaitDelay when a descendant keeps the pipes open.
	stdout, stdoutW := io.Pipe()
	errOut := &headBuffer{}
	cmd.Stdout = stdoutW
	cmd.Stderr = errOut

	if err := cmd.Start(); err != nil {
		cancel()
		stdoutW.Close()
		removeScratch()
		return nil, fmt.Errorf("starting %s: %w", c.binary, err)
	}

	c.logger.Info("inference started",
		"label", req.Label,
		"model", req.Model,
		"bytes", len(req.Prompt),
		"pid", cmd.Process.Pid,
	)
	started := time.Now()

	produce := func(ctx context.Context, emit func(string) bool) (bool, error) {
		exited := make(chan error, 1)
		go func() {
			err := cmd.Wait()
			stdoutW.Close()
			exited <- err
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
		for scanner.Scan() {
			text, ok := ParseStreamLine(scanner.Bytes())
			if !ok || text == "" {
				continue
			}
			if !emit(text) {
				break
			}
		}
		readErr := scanner.Err()
		// Keep the pipe drained so the process can exit on its own.
		io.Copy(io.Discard, stdout)
		waitErr := <-exited

		if err := ctx.Err(); err != nil {
			c.logger.Info("inference cancelled", "label", req.Label, "elapsed", time.Since(started).Round(time.Millisecond))
			return false, err
		}
		if readErr != nil {
			return false, fmt.Errorf("reading inference output: %w", readErr)
		}
		if waitErr != nil {
			c.logger.Error("inference process failed",
				"label", req.Label,
				"error", waitErr,
				"stderr", errOut.Head(stderrLogBytes),
			)
			return false, nil
		}
		c.logger.Info("inference finished", "label", req.Label, "elapsed", time.Since(started).Round(time.Millisecond))
		return true, nil
	}

	return newStream(runCtx, cancel, produce, removeScratch), nil
}

// writeScratch renders the prompt to <scratchDir>/<label>_<8 hex>.txt.
func (c *CLIInvoker) writeScratch(req Request) (string, error) {
	if err := os.MkdirAll(c.scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("creating scratch dir: %w", err)
	}
	label := sanitizeLabel(req.Label)
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	path := filepath.Join(c.scratchDir, label+"_"+id+".txt")
	if err := os.WriteFile(path, []byte(req.Prompt), 0o600); err != nil {
		return "", fmt.Errorf("writing scratch file: %w", err)
	}
	c.logger.Debug("saved prompt", "path", path, "bytes", len(req.Prompt))
	return path, nil
}

func sanitizeLabel(label string) string {
	if label == "" {
		return "prompt"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, label)
}

// headBuffer keeps the first stderrCapture bytes written to it and discards
// the rest.
type headBuffer struct {
	buf []byte
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := stderrCapture - len(h.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf = append(h.buf, p[:room]...)
	}
	return len(p), nil
}

// Head returns at most n leading bytes as a trimmed string.
func (h *headBuffer) Head(n int) string {
	b := h.buf
	if len(b) > n {
		b = b[:n]
	}
	return strings.TrimSpace(string(b))
}
