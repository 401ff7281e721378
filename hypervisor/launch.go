package hypervisor

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/cradle/utils"
)

// vmmProcess owns the spawned VMM child. The process is either running or
// has been reaped - there is no third state: the log forwarder goroutine is
// the single place that kills and reaps, and doneCh closes only after the
// reap.
type vmmProcess struct {
	cmd *exec.Cmd
	pid int

	stopOnce sync.Once
	stopCh   chan struct{} // closed to ask the forwarder to kill+reap
	doneCh   chan struct{} // closed once the child has been reaped
}

func (p *vmmProcess) signalStop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// launch spawns the VMM binary with a clean working directory, piped
// stdout/stderr and backtrace verbosity enabled, then starts the forwarder
// that drains its output. Spawn failure is returned as-is - a missing binary
// or bad permissions will not resolve on retry.
func (s *Supervisor) launch(ctx context.Context, socketPath, netns string) (*vmmProcess, error) {
	name := s.conf.VMMBinary
	args := []string{"--api-socket", socketPath}
	if netns != "" {
		// Enter the sandbox network namespace before exec.
		args = append([]string{"--net=" + netns, "--", name}, args...)
		name = "nsenter"
	}

	cmd := exec.Command(name, args...) //nolint:gosec
	cmd.Dir = "/"
	cmd.Env = append(os.Environ(), "RUST_BACKTRACE=full")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	proc := &vmmProcess{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := utils.WritePIDFile(s.conf.SandboxPIDFile(s.id), proc.pid); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	go s.forwardOutput(context.WithoutCancel(ctx), proc, stdout, stderr)
	return proc, nil
}

// forwardOutput drains the VMM's stdout/stderr line by line into the logger
// until the process exits or a stop is signalled, then force-kills and reaps
// the child as a final safety net. Killing an already-exited process is not
// an error.
func (s *Supervisor) forwardOutput(ctx context.Context, proc *vmmProcess, stdout, stderr io.Reader) {
	logger := log.WithFunc("hypervisor.vmm")

	var wg sync.WaitGroup
	forward := func(r io.Reader, warn bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if warn {
				logger.Warnf(ctx, "[%s] %s", s.id, scanner.Text())
			} else {
				logger.Infof(ctx, "[%s] %s", s.id, scanner.Text())
			}
		}
	}
	wg.Add(2)
	go forward(stdout, false)
	go forward(stderr, true)

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-proc.stopCh:
	case <-drained:
		// Process closed its pipes (exited on its own or crashed).
	}

	_ = proc.cmd.Process.Kill()
	_ = proc.cmd.Wait()
	close(proc.doneCh)
}

// teardownProcess stops the forwarder, waits for the child to be reaped and
// removes the runtime files. Safe to call when nothing was spawned.
func (s *Supervisor) teardownProcess(ctx context.Context) {
	proc := s.proc
	if proc == nil {
		return
	}
	proc.signalStop()

	grace := time.Duration(s.conf.StopTimeoutSeconds) * time.Second
	select {
	case <-proc.doneCh:
	case <-time.After(grace):
		log.WithFunc("hypervisor.teardownProcess").Warnf(ctx, "sandbox %s: VMM reap timed out after %s", s.id, grace)
	}

	_ = os.Remove(s.conf.SandboxSocketPath(s.id))
	_ = os.Remove(s.conf.SandboxPIDFile(s.id))
	s.proc = nil
}
