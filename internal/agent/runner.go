package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Mount is one host directory mapped into the agent container.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

// RunSpec describes one container invocation.
type RunSpec struct {
	Image   string
	Name    string
	Mounts  []Mount
	Input   []byte // JSON document written to stdin
	Timeout time.Duration

	// OnStdoutLine and OnStderrLine receive output lines as they arrive.
	OnStdoutLine func(line string)
	OnStderrLine func(line string)

	// OnStart receives the child process handle once the container launches,
	// so the queue can terminate it on shutdown.
	OnStart func(proc *os.Process)
}

// ContainerRunner launches agent containers. The default implementation
// shells out to the docker CLI.
type ContainerRunner interface {
	Run(ctx context.Context, spec RunSpec) error
	VerifyRuntime(ctx context.Context) error
}

// DockerRunner runs agents via `docker run -i --rm`.
type DockerRunner struct{}

// VerifyRuntime pings the docker daemon. A failure here is fatal at startup.
func (DockerRunner) VerifyRuntime(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		return fmt.Errorf("docker runtime unavailable: %w", err)
	}
	return nil
}

// Run launches the container, feeds spec.Input on stdin, and streams output
// lines to the callbacks until the container exits or the timeout fires.
func (DockerRunner) Run(ctx context.Context, spec RunSpec) error {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	args := []string{"run", "-i", "--rm", "--name", spec.Name}
	for _, m := range spec.Mounts {
		vol := m.Host + ":" + m.Container
		if m.ReadOnly {
			vol += ":ro"
		}
		args = append(args, "-v", vol)
	}
	args = append(args, spec.Image)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdin = bytes.NewReader(spec.Input)
	// SIGTERM first so the agent can flush its payload; SIGKILL after the
	// grace window.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	if spec.OnStart != nil {
		spec.OnStart(cmd.Process)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, spec.OnStdoutLine)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, spec.OnStderrLine)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("container %s timed out after %s", spec.Name, spec.Timeout)
		}
		return fmt.Errorf("container %s: %w", spec.Name, err)
	}
	return nil
}

func scanLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if fn != nil {
			fn(sc.Text())
		}
	}
}
