package nanny

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/worker"
)

// process is one worker subprocess
type process struct {
	cmd     *exec.Cmd
	dir     string
	address string
	pid     int

	// exited is closed once Wait has returned
	exited  chan struct{}
	waitErr error
	// expected marks an exit the nanny asked for
	expected atomic.Bool

	probeCancel context.CancelFunc
}

func (p *process) stopProbe() {
	if p.probeCancel != nil {
		p.probeCancel()
	}
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// exitCode returns the exit status, or -1 when killed by a signal
func (p *process) exitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// spawn starts argv in dir and waits for the worker handshake on its
// stdout. The process is killed if no handshake arrives before ctx is done.
func spawn(ctx context.Context, argv []string, dir string, env []string) (*process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: no worker command", types.ErrConfiguration)
	}

	// A pipe of our own: Wait must not close stdout under the reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to launch worker: %w", err)
	}
	stdoutW.Close()

	p := &process{
		cmd:    cmd,
		dir:    dir,
		pid:    cmd.Process.Pid,
		exited: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	type result struct {
		h   worker.Handshake
		err error
	}
	handshake := make(chan result, 1)
	go func() {
		r := bufio.NewReader(stdoutR)
		h, err := worker.ReadHandshake(r)
		handshake <- result{h, err}
		// keep draining so the worker never blocks on a full pipe
		_, _ = io.Copy(os.Stdout, r)
		stdoutR.Close()
	}()

	select {
	case res := <-handshake:
		if res.err != nil {
			p.expected.Store(true)
			_ = cmd.Process.Kill()
			<-p.exited
			return nil, res.err
		}
		p.address = res.h.Address
		return p, nil
	case <-ctx.Done():
		p.expected.Store(true)
		_ = cmd.Process.Kill()
		<-p.exited
		return nil, ctx.Err()
	}
}

// stop ends the process: it waits up to grace for a voluntary exit, then
// kills it
func (p *process) stop(grace time.Duration) error {
	p.expected.Store(true)
	if !p.alive() {
		return nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.exited
	return nil
}
