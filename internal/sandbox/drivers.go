package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Driver names.
const (
	DriverDocker = "docker"
	DriverBwrap  = "bwrap"
	DriverLocal  = "local"
)

// DefaultImage is the container image used by the docker driver.
const DefaultImage = "python:3.12-slim"

// DockerDriver keeps one long-lived container per job with the workspace
// bind-mounted at /app.
type DockerDriver struct {
	binary string
	image  string
}

// NewDockerDriver creates a docker driver.
func NewDockerDriver(image string) *DockerDriver {
	if image == "" {
		image = DefaultImage
	}
	return &DockerDriver{binary: "docker", image: image}
}

// Name implements Driver.
func (d *DockerDriver) Name() string { return DriverDocker }

// Start implements Driver.
func (d *DockerDriver) Start(ctx context.Context, h *Handle) error {
	return run(ctx, d.binary, "run", "-d",
		"--name", h.ID,
		"-v", h.Dir+":"+WorkDir,
		"-w", WorkDir,
		d.image, "sleep", "infinity")
}

// Command implements Driver.
func (d *DockerDriver) Command(ctx context.Context, h *Handle, command string) (*exec.Cmd, error) {
	return exec.CommandContext(ctx, d.binary, "exec", "-w", WorkDir, h.ID, "sh", "-c", command), nil
}

// Stop implements Driver.
func (d *DockerDriver) Stop(ctx context.Context, h *Handle) error {
	return run(ctx, d.binary, "rm", "-f", h.ID)
}

// LocalDriver runs commands directly on the host with the workspace as the
// working directory. It provides no isolation.
type LocalDriver struct{}

// NewLocalDriver creates a local driver.
func NewLocalDriver() *LocalDriver { return &LocalDriver{} }

// Name implements Driver.
func (d *LocalDriver) Name() string { return DriverLocal }

// Start implements Driver.
func (d *LocalDriver) Start(context.Context, *Handle) error { return nil }

// Command implements Driver.
func (d *LocalDriver) Command(ctx context.Context, h *Handle, command string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = h.Dir
	return cmd, nil
}

// Stop implements Driver.
func (d *LocalDriver) Stop(context.Context, *Handle) error { return nil }

func run(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w (stderr: %s)", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
