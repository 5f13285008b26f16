package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sallandpioneers/autoforge/internal/config"
)

// childProcess manages the worker subprocess
type childProcess struct {
	cfg    config.SupervisorConfig
	logger *log.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

func newChildProcess(cfg config.SupervisorConfig, logger *log.Logger) *childProcess {
	return &childProcess{cfg: cfg, logger: logger}
}

// RunOnce spawns the worker and waits for it to exit. Returns
// graceful=true when the exit was caused by SIGTERM or SIGINT.
func (c *childProcess) RunOnce(ctx context.Context) (graceful bool, err error) {
	self, err := os.Executable()
	if err != nil {
		return false, err
	}

	cmd := exec.CommandContext(ctx, self, "worker")
	cmd.Env = os.Environ()
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = c.cfg.ChildGracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, err
	}

	if err := cmd.Start(); err != nil {
		return false, err
	}
	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()
	c.logger.Printf("Worker child started (pid %d)", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.streamOutput(stdout, "stdout") }()
	go func() { defer wg.Done(); c.streamOutput(stderr, "stderr") }()

	waitErr := cmd.Wait()
	wg.Wait()

	c.mu.Lock()
	c.cmd = nil
	c.mu.Unlock()

	if ctx.Err() != nil {
		return true, waitErr
	}
	if waitErr == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			sig := status.Signal()
			if sig == syscall.SIGTERM || sig == syscall.SIGINT {
				return true, waitErr
			}
		}
	}
	return false, waitErr
}

// Stop signals the child and waits out the grace period
func (c *childProcess) Stop() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}
	deadline := time.After(c.cfg.ChildGracePeriod)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			cmd.Process.Kill()
			return
		case <-tick.C:
			if !c.Alive() {
				return
			}
		}
	}
}

// Alive reports whether the child is currently running
func (c *childProcess) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil && c.cmd.Process != nil && c.cmd.ProcessState == nil
}

// streamOutput relays child output, categorizing lines for local
// telemetry
func (c *childProcess) streamOutput(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch categorizeLine(line) {
		case lineStage:
			c.logger.Printf("[worker:stage] %s", line)
		case lineError:
			c.logger.Printf("[worker:error] %s", line)
		default:
			c.logger.Printf("[worker] %s", line)
		}
	}
}

type lineKind int

const (
	lineProgress lineKind = iota
	lineStage
	lineError
)

// categorizeLine buckets worker output for telemetry
func categorizeLine(line string) lineKind {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "processing ") && strings.Contains(lower, " job "):
		return lineStage
	case strings.Contains(lower, "error") || strings.Contains(lower, "failed"):
		return lineError
	default:
		return lineProgress
	}
}
