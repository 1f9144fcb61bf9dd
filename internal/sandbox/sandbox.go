// Package sandbox runs shell commands for a job inside an isolated
// environment bound to the job's workspace directory.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is the default time limit of a single command.
const DefaultTimeout = 30 * time.Second

// WorkDir is where the workspace appears inside container-style environments.
const WorkDir = "/app"

// Handle identifies a mounted environment. A handle belongs to exactly one job.
type Handle struct {
	ID     string
	JobID  string
	Dir    string
	Driver string
}

// Driver creates and destroys environments and builds commands inside them.
type Driver interface {
	Name() string
	Start(ctx context.Context, h *Handle) error
	Command(ctx context.Context, h *Handle, command string) (*exec.Cmd, error)
	Stop(ctx context.Context, h *Handle) error
}

// Manager mounts job workspaces into environments provided by a Driver.
type Manager struct {
	root    string
	driver  Driver
	timeout time.Duration
}

// NewManager creates a manager for workspaces under root.
func NewManager(root string, driver Driver, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{root: root, driver: driver, timeout: timeout}
}

// Mount binds the job's workspace directory into a fresh environment.
func (m *Manager) Mount(ctx context.Context, jobID string) (*Handle, error) {
	dir := filepath.Join(m.root, jobID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &MountError{JobID: jobID, Message: "workspace directory missing", Cause: err}
	}

	h := &Handle{
		ID:     "codee-" + uuid.NewString(),
		JobID:  jobID,
		Dir:    dir,
		Driver: m.driver.Name(),
	}
	if err := m.driver.Start(ctx, h); err != nil {
		return nil, &MountError{JobID: jobID, Message: "failed to start " + m.driver.Name() + " environment", Cause: err}
	}
	log.Printf("[sandbox] mounted %s for job %s (%s)", h.ID, jobID, h.Driver)
	return h, nil
}

// Exec runs command inside the environment and returns its combined output.
// A zero timeout uses the manager default.
func (m *Manager) Exec(ctx context.Context, h *Handle, command string, timeout time.Duration) (string, error) {
	if h == nil {
		return "", fmt.Errorf("sandbox not mounted")
	}
	if timeout <= 0 {
		timeout = m.timeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := m.driver.Command(runCtx, h, command)
	if err != nil {
		return "", fmt.Errorf("failed to build command: %w", err)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Children that keep the pipes open must not outlive the deadline.
	cmd.WaitDelay = 2 * time.Second

	err = cmd.Run()
	output := out.String()
	if runCtx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("%w after %s: %s", ErrCommandTimeout, timeout, command)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, &CommandError{Command: command, ExitCode: exitErr.ExitCode(), Output: output}
		}
		return output, fmt.Errorf("failed to run command: %w", err)
	}
	return output, nil
}

// Unmount destroys the environment. Errors are logged, never returned.
func (m *Manager) Unmount(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	if err := m.driver.Stop(ctx, h); err != nil {
		log.Printf("[sandbox] failed to unmount %s for job %s: %v", h.ID, h.JobID, err)
		return
	}
	log.Printf("[sandbox] unmounted %s for job %s", h.ID, h.JobID)
}

// NewDriver returns the driver registered under name.
func NewDriver(name, image, profilePath string) (Driver, error) {
	switch name {
	case "", DriverDocker:
		return NewDockerDriver(image), nil
	case DriverBwrap:
		profile := DefaultProfile()
		if profilePath != "" {
			var err error
			profile, err = LoadProfile(profilePath)
			if err != nil {
				return nil, err
			}
		}
		return NewBwrapDriver(profile), nil
	case DriverLocal:
		return NewLocalDriver(), nil
	default:
		return nil, fmt.Errorf("unknown sandbox driver %q", name)
	}
}
