// ABOUTME: Worker subprocess launching behind a Launcher interface
// ABOUTME: ExecLauncher spawns real processes with stdio pipes; tests substitute in-memory pipes

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// WorkerSpec describes how to spawn one agent's worker.
type WorkerSpec struct {
	AgentID string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// Process is a running worker. Stdout and Stderr must be read to EOF.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed.
	Err() error
	Kill() error
	Pid() int
}

// Launcher spawns worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec WorkerSpec) (Process, error)
}

// waitDelay bounds how long Wait blocks on output held open by grandchildren.
const waitDelay = 2 * time.Second

// ExecLauncher launches workers with os/exec.
type ExecLauncher struct{}

// Launch resolves the command on PATH and starts it with piped stdio.
// The process is not tied to ctx; use Kill to stop it.
func (ExecLauncher) Launch(ctx context.Context, spec WorkerSpec) (Process, error) {
	resolved, err := resolveExecutable(spec.Command)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(resolved, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "HIVE_AGENT_ID="+spec.AgentID)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	// io.Pipe writers make Wait copy all output before returning.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return nil, fmt.Errorf("starting process: %w", err)
	}

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		outW.Close()
		errW.Close()
		close(p.done)
	}()
	return p, nil
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", errors.New("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", errors.New("command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}
	return resolved, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	done   chan struct{}
	err    error
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Err() error {
	<-p.done
	return p.err
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process: %w", err)
	}
	return nil
}
