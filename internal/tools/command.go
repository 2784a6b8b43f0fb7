// ABOUTME: execute_command tool running shell commands in the workspace with a bounded timeout
// ABOUTME: Combined output is truncated; non-zero exits are reported as results, not errors

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
)

const (
	// defaultCommandTimeout applies when no timeout is configured.
	defaultCommandTimeout = 30 * time.Second

	// maxCommandOutput caps the combined stdout and stderr returned to a worker.
	maxCommandOutput = 64 << 10
)

// cappedBuffer keeps the first limit bytes written and drops the rest.
// os/exec serializes writes when Stdout and Stderr share one writer.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

type commandTools struct {
	root    string
	timeout time.Duration
}

func (c *commandTools) tools() []*Tool {
	return []*Tool{
		{
			Name:        "execute_command",
			Description: "Run a shell command in the workspace and return its exit code and output",
			InputSchema: `{"type":"object","properties":{"command":{"type":"string"},"cwd":{"type":"string"},"timeoutMs":{"type":"integer"}},"required":["command"]}`,
			Handler:     c.Execute,
		},
	}
}

type commandInput struct {
	Command   string `json:"command"`
	Cwd       string `json:"cwd"`
	TimeoutMs int64  `json:"timeoutMs"`
}

type commandResult struct {
	ExitCode   int    `json:"exitCode"`
	Output     string `json:"output"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

func (c *commandTools) limit(requestedMs int64) time.Duration {
	ceiling := c.timeout
	if ceiling <= 0 {
		ceiling = defaultCommandTimeout
	}
	if requestedMs <= 0 {
		return ceiling
	}
	requested := time.Duration(requestedMs) * time.Millisecond
	if requested < ceiling {
		return requested
	}
	return ceiling
}

func (c *commandTools) Execute(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in commandInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if in.Command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidInput)
	}

	dir := c.root
	if in.Cwd != "" {
		resolved, err := newSandbox(c.root, nil).resolve(in.Cwd)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	timeout := c.limit(in.TimeoutMs)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := &cappedBuffer{limit: maxCommandOutput}
	cmd := exec.CommandContext(ctx, "sh", "-c", in.Command)
	cmd.Dir = filepath.Clean(dir)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := commandResult{
		Output:     out.buf.String(),
		Truncated:  out.truncated,
		DurationMs: time.Since(start).Milliseconds(),
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running command: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return json.Marshal(res)
}
