// Package sandbox manages per-job scratch workspaces. A workspace is
// exclusively owned by the stage that acquired it and is deleted on
// every exit path, success or failure.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Workspace is an isolated working directory for one job
type Workspace struct {
	Root    string
	RepoDir string
	JobID   string
}

// Manager handles workspace lifecycle under one base directory
type Manager struct {
	baseDir string
}

// NewManager creates a workspace manager. An empty baseDir falls back
// to the system temp directory.
func NewManager(baseDir string) *Manager {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Manager{baseDir: filepath.Join(baseDir, "autoforge-workspaces")}
}

// Acquire creates a fresh workspace for a job. Any leftover directory
// from a previous attempt of the same job is removed first.
func (m *Manager) Acquire(jobID string) (*Workspace, error) {
	root := filepath.Join(m.baseDir, fmt.Sprintf("job-%s", jobID))
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("failed to clear old workspace: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	return &Workspace{
		Root:    root,
		RepoDir: filepath.Join(root, "repo"),
		JobID:   jobID,
	}, nil
}

// CleanupAll removes every workspace under the base directory
func (m *Manager) CleanupAll() error {
	return os.RemoveAll(m.baseDir)
}

// Release removes the workspace directory
func (w *Workspace) Release() error {
	return os.RemoveAll(w.Root)
}

// Clone clones the repository into the workspace
func (w *Workspace) Clone(ctx context.Context, cloneURL string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", cloneURL, w.RepoDir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to clone repository: %w: %s", err, string(output))
	}
	return nil
}

// Checkout creates and checks out a branch, or checks out an existing
// one
func (w *Workspace) Checkout(ctx context.Context, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "checkout", "-b", branch)
	cmd.Dir = w.RepoDir
	if _, err := cmd.CombinedOutput(); err != nil {
		cmd2 := exec.CommandContext(ctx, "git", "checkout", branch)
		cmd2.Dir = w.RepoDir
		if output, err := cmd2.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to checkout branch: %w: %s", err, string(output))
		}
	}
	return nil
}

// HasChanges checks for uncommitted changes in the repo
func (w *Workspace) HasChanges(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = w.RepoDir
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("failed to check status: %w", err)
	}
	return len(output) > 0, nil
}

// HeadSHA returns the current HEAD commit of the repo
func (w *Workspace) HeadSHA(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = w.RepoDir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// RunResult is the outcome of one subprocess run
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Run executes a command inside the workspace with a wall-clock
// timeout. On timeout the process gets SIGTERM, then SIGKILL after a
// 10 second drain.
func (w *Workspace) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*RunResult, error) {
	return w.RunWithEnv(ctx, timeout, nil, name, args...)
}

// RunWithEnv is Run with an explicit environment; nil env inherits the
// parent process environment
func (w *Workspace) RunWithEnv(ctx context.Context, timeout time.Duration, env []string, name string, args ...string) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Env = env
	cmd.Dir = w.Root
	if _, err := os.Stat(w.RepoDir); err == nil {
		cmd.Dir = w.RepoDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	err := cmd.Run()
	res := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: runCtx.Err() == context.DeadlineExceeded,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if res.TimedOut {
		return res, fmt.Errorf("command %s timed out after %s", name, timeout)
	}
	if err != nil {
		return res, fmt.Errorf("command %s failed: %w", name, err)
	}
	return res, nil
}

// Env returns the workspace-scoped environment for stage subprocesses
func (w *Workspace) Env(extra ...string) []string {
	env := append(os.Environ(),
		"AUTOFORGE_WORKSPACE="+w.Root,
		"AUTOFORGE_JOB_ID="+w.JobID,
	)
	return append(env, extra...)
}
