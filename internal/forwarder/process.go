package forwarder

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"

	"kpf/pkg/logging"
)

// kubectlChild wraps a running kubectl port-forward process.
type kubectlChild struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func (c *kubectlChild) Done() <-chan struct{} { return c.done }

func (c *kubectlChild) Terminate() error {
	if c.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return c.cmd.Process.Signal(syscall.SIGTERM)
}

func (c *kubectlChild) Kill() error {
	if c.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return c.cmd.Process.Kill()
}

// launchKubectl starts the kubectl port-forward child with the pass-through
// arguments from the command line. Its stdout and stderr are streamed into
// the debug log line by line.
func (f *Forwarder) launchKubectl() (Child, error) {
	args := append([]string{"port-forward"}, f.tgt.Args...)
	cmd := exec.Command("kubectl", args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start kubectl: %w", err)
	}
	logging.Debug(subsystem, "Started kubectl port-forward (pid %d): kubectl %s",
		cmd.Process.Pid, strings.Join(args, " "))

	go streamToLog("kubectl stdout", stdoutPipe)
	go streamToLog("kubectl stderr", stderrPipe)

	c := &kubectlChild{cmd: cmd, done: make(chan struct{})}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

func streamToLog(label string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logging.Debug(subsystem, "%s: %s", label, strings.TrimSpace(scanner.Text()))
	}
}
