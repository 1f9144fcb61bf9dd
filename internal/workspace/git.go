package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// repository runs git commands against a working tree.
type repository struct {
	dir string
	// secret is scrubbed from error messages.
	secret string
}

func (r *repository) run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", r.dir}, args...)
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.Env = append(command.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			r.scrub(strings.Join(args, " ")), r.dir, err, r.scrub(strings.TrimSpace(stderr.String())))
	}
	return stdout.String(), nil
}

func (r *repository) scrub(s string) string {
	if r.secret == "" {
		return s
	}
	return strings.ReplaceAll(s, r.secret, "***")
}
