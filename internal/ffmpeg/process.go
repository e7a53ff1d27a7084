package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// waitDelay bounds how long Wait blocks on inherited pipes after a kill.
const waitDelay = 5 * time.Second

// StartOptions controls how a Command is spawned.
type StartOptions struct {
	// Stdin attaches a pipe to the subprocess stdin. Without it stdin is /dev/null.
	Stdin bool
	// Dir is the working directory; empty inherits the current one.
	Dir string
}

// Process is a running ffmpeg subprocess. Stderr must be drained until EOF
// for Wait to return.
type Process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	started time.Time
	ended   time.Time

	exited   atomic.Bool
	waitOnce sync.Once
	waitErr  error
}

// Start spawns the command. Cancelling ctx kills the process with SIGKILL.
func (c *Command) Start(ctx context.Context, opts StartOptions) (*Process, error) {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	cmd.Dir = opts.Dir
	cmd.WaitDelay = waitDelay

	pr, pw := io.Pipe()
	cmd.Stderr = pw

	p := &Process{cmd: cmd, stderrR: pr, stderrW: pw}

	if opts.Stdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("getting stdin pipe: %w", err)
		}
		p.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("starting %s: %w", c.Name, err)
	}
	p.started = time.Now()

	return p, nil
}

// Stdin returns the subprocess stdin, or nil if it was not requested.
func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

// Stderr returns the subprocess stderr stream.
func (p *Process) Stderr() io.Reader {
	return p.stderrR
}

// PID returns the operating system process ID.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait waits for the process to exit and closes the stderr stream.
// It is safe to call more than once.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.ended = time.Now()
		p.exited.Store(true)
		_ = p.stderrW.Close()
	})
	return p.waitErr
}

// Exited reports whether Wait has observed the process exit.
func (p *Process) Exited() bool {
	return p.exited.Load()
}

// Kill sends SIGKILL. Killing an exited process is not an error.
func (p *Process) Kill() error {
	if p.cmd.Process == nil || p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Runtime returns how long the process has been running, or how long it
// ran once Wait has returned.
func (p *Process) Runtime() time.Duration {
	if p.started.IsZero() {
		return 0
	}
	if p.Exited() {
		return p.ended.Sub(p.started)
	}
	return time.Since(p.started)
}

// ExitCode extracts the subprocess exit code from a Wait error.
// It returns 0 for nil and -1 when the process did not exit normally.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
