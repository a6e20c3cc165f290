package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

//go:generate mockgen -destination=mocks/mock_spawner.go -package=mocks github.com/mattjoyce/forkpool/internal/dispatch Spawner,Process

// Spawner creates worker processes.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// Process is one running worker as seen by the pool.
type Process interface {
	PID() int
	// Stdin is the coordinator -> worker half of the channel.
	Stdin() io.WriteCloser
	// Stdout is the worker -> coordinator half of the channel.
	Stdout() io.Reader
	// Wait blocks until the process exits. It must only be called after
	// Stdout has been read to EOF.
	Wait() (ExitStatus, error)
	Kill() error
}

// ExitStatus describes how a worker process ended. Code is -1 when the
// process was killed by a signal.
type ExitStatus struct {
	Code   int    `json:"exit_code"`
	Signal string `json:"signal,omitempty"`
}

// Graceful reports whether the process exited on its own with code 0.
func (s ExitStatus) Graceful() bool {
	return s.Code == 0 && s.Signal == ""
}

// ExecSpawner starts workers as child processes of the current process.
type ExecSpawner struct {
	Path string
	Args []string
	// Env is appended to the current environment.
	Env []string
	// Stderr receives worker logs. Defaults to os.Stderr.
	Stderr io.Writer
}

// Spawn starts one worker process with piped stdin and stdout.
func (s ExecSpawner) Spawn(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Path == "" {
		return nil, fmt.Errorf("worker command is empty")
	}

	// Not CommandContext: the pool decides when a worker dies.
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *execProcess) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()

	status := ExitStatus{Code: -1}
	if ps := p.cmd.ProcessState; ps != nil {
		status.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return status, fmt.Errorf("wait for process: %w", err)
	}
	return status, nil
}
