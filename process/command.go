package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/guseggert/workerrpc/rpc"
	"go.uber.org/zap"
)

// DefaultWaitDelay is how long output pipes are kept open after the process exits.
const DefaultWaitDelay = 500 * time.Millisecond

// Command describes how to start a worker process.
type Command struct {
	Path string
	Args []string
	// Env is appended to the current process's environment.
	Env []string
	Dir string

	// WaitDelay bounds how long stdout and stderr stay open after the process exits,
	// for when processes it started inherited them. Defaults to DefaultWaitDelay.
	WaitDelay time.Duration

	Log *zap.SugaredLogger
}

// Proc is a running child process.
type Proc struct {
	cmd *exec.Cmd
	log *zap.SugaredLogger

	stdin   io.WriteCloser
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exited  chan struct{}
	code    int
	waitErr error
}

// Launch starts the process.
func (c *Command) Launch(ctx context.Context) (rpc.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := c.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	cmd := exec.Command(c.Path, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Dir = c.Dir
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	p := &Proc{
		cmd:    cmd,
		log:    log,
		stdin:  stdin,
		exited: make(chan struct{}),
	}
	// Output is copied by exec's own goroutines so that WaitDelay can cut it off.
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	cmd.Stdout = p.stdoutW
	cmd.Stderr = p.stderrW

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Path, err)
	}
	log.Debugw("started worker process", "PID", cmd.Process.Pid, "Path", c.Path, "Args", c.Args)

	go p.wait()
	return p, nil
}

func (p *Proc) wait() {
	err := p.cmd.Wait()
	p.code = -1
	if p.cmd.ProcessState != nil {
		p.code = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.As(err, &exitErr):
	case errors.Is(err, exec.ErrWaitDelay):
		p.log.Debugw("worker process output still open after exit, closed it", "PID", p.cmd.Process.Pid)
	default:
		p.waitErr = err
	}
	p.stdoutW.Close()
	p.stderrW.Close()
	p.log.Debugw("worker process exited", "PID", p.cmd.Process.Pid, "Code", p.code)
	close(p.exited)
}

func (p *Proc) Stdin() io.Writer  { return p.stdin }
func (p *Proc) Stdout() io.Reader { return p.stdoutR }
func (p *Proc) Stderr() io.Reader { return p.stderrR }

// PID returns the process ID of the child.
func (p *Proc) PID() int { return p.cmd.Process.Pid }

// Wait waits for the process to exit and returns its exit code, which is -1 if it was killed by a signal.
// Stdout and Stderr reach EOF no later than WaitDelay after the process exits.
func (p *Proc) Wait() (int, error) {
	<-p.exited
	return p.code, p.waitErr
}

// Kill closes the child's stdin and kills it.
func (p *Proc) Kill() error {
	_ = p.stdin.Close()
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
