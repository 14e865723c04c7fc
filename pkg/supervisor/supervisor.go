// Package supervisor implements C8: running one subprocess per pod and
// tearing it down gracefully. The teardown sequence (SIGTERM, grace
// window, SIGKILL escalation) and the exec.Cmd usage idiom mirror a
// Popen-based supervisor's reset()/wait_for_termination() handling.
package supervisor

import (
	"context"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/podkeeper/pkg/log"
)

// Exit reports how a supervised process ended.
type Exit struct {
	Code int
	Err  error
}

// Process wraps one running subprocess and its exit notification. done
// closes exactly once, after exit has been written, so any number of
// goroutines (lifecycle's watchChild, TearDown) can observe the same exit
// without racing each other over a single-value channel.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
	exit Exit
}

// Start forks command (joined with a shell if shell is true) in cwd with
// the given environment, matching piped.py's on(): tokens = command if
// shell else command.split(' ').
func Start(command []string, env []string, cwd string, shell bool) (*Process, error) {
	var cmd *exec.Cmd
	if shell {
		cmd = exec.Command("sh", "-c", strings.Join(command, " "))
	} else {
		cmd = exec.Command(command[0], command[1:]...)
	}
	cmd.Env = env
	cmd.Dir = cwd

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		p.exit = Exit{Code: code, Err: err}
		close(p.done)
	}()

	return p, nil
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited returns a channel that closes once, when the child has
// terminated. Any number of callers may select on it concurrently; call
// Result afterward to read how it exited.
func (p *Process) Exited() <-chan struct{} {
	return p.done
}

// Result returns how the child exited. Only meaningful after Exited has
// closed.
func (p *Process) Result() Exit {
	return p.exit
}

// TearDown sends SIGTERM, waits up to grace for a clean exit, then
// escalates to SIGKILL. It returns once the process has actually exited.
func (p *Process) TearDown(ctx context.Context, grace time.Duration) Exit {
	logger := log.WithComponent("supervisor")

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.done:
		return p.exit
	case <-time.After(grace):
	case <-ctx.Done():
	}

	logger.Info().Int("pid", p.Pid()).Msg("pid not terminating, killing it")
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
	return p.exit
}
