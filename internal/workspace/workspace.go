// Package workspace manages the git working tree each job edits. A job's
// tree lives at <root>/<jobID> and is checked out on a dedicated branch
// that is created once and reused by follow-up jobs.
package workspace

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Defaults for Config.
const (
	DefaultRemoteBase  = "https://github.com"
	DefaultAuthorName  = "Codee Agent"
	DefaultAuthorEmail = "agent@codee.dev"
	BranchPrefix       = "codee/"

	branchConfigKey = "codee.branch"
	sandboxPrefix   = "/app/"
)

var (
	repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	jobIDPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
)

// CredentialProvider hands out short-lived push credentials for a job.
// Token sources must not cache: every call to Token fetches a fresh value.
type CredentialProvider interface {
	TokenSource(jobID string) oauth2.TokenSource
}

// Config configures a Manager.
type Config struct {
	Root        string
	RemoteBase  string
	AuthorName  string
	AuthorEmail string
}

// Manager creates and loads job workspaces.
type Manager struct {
	cfg   Config
	creds CredentialProvider
}

// PushResult describes a successful CommitAndPush.
type PushResult struct {
	Branch    string
	Committed bool
}

// NewManager creates a workspace manager. creds may be nil for remotes that
// need no authentication.
func NewManager(cfg Config, creds CredentialProvider) *Manager {
	if cfg.RemoteBase == "" {
		cfg.RemoteBase = DefaultRemoteBase
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = DefaultAuthorName
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = DefaultAuthorEmail
	}
	return &Manager{cfg: cfg, creds: creds}
}

// Dir returns the deterministic workspace path of a job.
func (m *Manager) Dir(jobID string) string {
	return filepath.Join(m.cfg.Root, jobID)
}

// PrepareNew clones repoFullName into the job's workspace and checks out a
// freshly generated branch. The branch name is persisted in the working
// tree's git config and returned.
func (m *Manager) PrepareNew(ctx context.Context, jobID, repoFullName string) (string, error) {
	if !jobIDPattern.MatchString(jobID) {
		return "", &Error{Op: "prepare", JobID: jobID, Kind: ErrPathOutsideWorkspace}
	}
	if !repoNamePattern.MatchString(repoFullName) {
		return "", &Error{Op: "clone", JobID: jobID, Kind: ErrRepositoryNotFound,
			Cause: fmt.Errorf("invalid repository name %q", repoFullName)}
	}

	token, err := m.token(jobID)
	if err != nil {
		return "", &Error{Op: "clone", JobID: jobID, Kind: ErrRepositoryNotFound, Cause: err}
	}
	cloneURL, err := m.remoteURL(repoFullName, token)
	if err != nil {
		return "", &Error{Op: "clone", JobID: jobID, Kind: ErrRepositoryNotFound, Cause: err}
	}
	plainURL, _ := m.remoteURL(repoFullName, "")

	if err := os.MkdirAll(m.cfg.Root, 0o755); err != nil {
		return "", &Error{Op: "clone", JobID: jobID, Kind: ErrRepositoryNotFound, Cause: err}
	}
	dir := m.Dir(jobID)
	// A new job always starts from a fresh clone.
	if err := os.RemoveAll(dir); err != nil {
		return "", &Error{Op: "clone", JobID: jobID, Kind: ErrRepositoryNotFound, Cause: err}
	}

	root := &repository{dir: m.cfg.Root, secret: token}
	if _, err := root.run(ctx, "clone", "--quiet", cloneURL, jobID); err != nil {
		_ = os.RemoveAll(dir)
		return "", &Error{Op: "clone", JobID: jobID, Kind: ErrRepositoryNotFound, Cause: err}
	}

	repo := &repository{dir: dir, secret: token}
	// Credentials never stay on disk.
	if _, err := repo.run(ctx, "remote", "set-url", "origin", plainURL); err != nil {
		return "", &Error{Op: "clone", JobID: jobID, Kind: ErrRepositoryNotFound, Cause: err}
	}

	branch := newBranchName("new", jobID)
	if _, err := repo.run(ctx, "checkout", "-b", branch); err != nil {
		return "", &Error{Op: "branch", JobID: jobID, Kind: ErrBranchCreationFailed, Cause: err}
	}
	if _, err := repo.run(ctx, "config", branchConfigKey, branch); err != nil {
		return "", &Error{Op: "branch", JobID: jobID, Kind: ErrBranchCreationFailed, Cause: err}
	}

	log.Printf("[workspace] cloned %s for job %s on branch %s", repoFullName, jobID, branch)
	return branch, nil
}

// LoadExisting returns the path of an already prepared workspace. It has no
// side effects.
func (m *Manager) LoadExisting(jobID string) (string, error) {
	if !jobIDPattern.MatchString(jobID) {
		return "", &Error{Op: "load", JobID: jobID, Kind: ErrWorkspaceNotInitialized}
	}
	dir := m.Dir(jobID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", &Error{Op: "load", JobID: jobID, Kind: ErrWorkspaceNotInitialized, Cause: err}
	}
	return dir, nil
}

// Branch returns the branch persisted for the job.
func (m *Manager) Branch(ctx context.Context, jobID string) (string, error) {
	dir, err := m.LoadExisting(jobID)
	if err != nil {
		return "", err
	}
	out, err := (&repository{dir: dir}).run(ctx, "config", "--get", branchConfigKey)
	if err != nil {
		return "", &Error{Op: "branch", JobID: jobID, Kind: ErrWorkspaceNotInitialized, Cause: err}
	}
	return strings.TrimSpace(out), nil
}

// WriteFile writes content to relPath inside the workspace, creating parent
// directories, and stages the file. It does not commit.
func (m *Manager) WriteFile(ctx context.Context, jobID, relPath string, content []byte) error {
	dir, err := m.LoadExisting(jobID)
	if err != nil {
		return err
	}
	rel, err := CleanPath(relPath)
	if err != nil {
		return &Error{Op: "write", JobID: jobID, Kind: ErrPathOutsideWorkspace, Cause: err}
	}

	target := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directories for %s: %w", rel, err)
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if _, err := (&repository{dir: dir}).run(ctx, "add", "--", rel); err != nil {
		return fmt.Errorf("failed to stage %s: %w", rel, err)
	}
	return nil
}

// CommitAndPush stages everything, commits if the tree changed and
// force-pushes the job branch with a freshly fetched credential.
func (m *Manager) CommitAndPush(ctx context.Context, jobID, message string) (*PushResult, error) {
	branch, err := m.Branch(ctx, jobID)
	if err != nil {
		return nil, err
	}
	repo := &repository{dir: m.Dir(jobID)}

	if _, err := repo.run(ctx, "add", "-A"); err != nil {
		return nil, fmt.Errorf("failed to stage changes: %w", err)
	}
	status, err := repo.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}

	result := &PushResult{Branch: branch}
	if strings.TrimSpace(status) != "" {
		if _, err := repo.run(ctx,
			"-c", "user.name="+m.cfg.AuthorName,
			"-c", "user.email="+m.cfg.AuthorEmail,
			"commit", "--quiet", "-m", message,
		); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		result.Committed = true
	}

	token, err := m.token(jobID)
	if err != nil {
		return nil, &Error{Op: "push", JobID: jobID, Kind: ErrTokenUnavailable, Cause: err}
	}
	origin, err := repo.run(ctx, "remote", "get-url", "origin")
	if err != nil {
		return nil, &Error{Op: "push", JobID: jobID, Kind: ErrPushRejected, Cause: err}
	}
	pushURL, err := withToken(strings.TrimSpace(origin), token)
	if err != nil {
		return nil, &Error{Op: "push", JobID: jobID, Kind: ErrPushRejected, Cause: err}
	}

	repo.secret = token
	if _, err := repo.run(ctx, "push", "--force", "--quiet", pushURL, "HEAD:refs/heads/"+branch); err != nil {
		return nil, &Error{Op: "push", JobID: jobID, Kind: ErrPushRejected, Cause: err}
	}

	log.Printf("[workspace] pushed %s for job %s (committed=%t)", branch, jobID, result.Committed)
	return result, nil
}

func (m *Manager) token(jobID string) (string, error) {
	if m.creds == nil {
		return "", nil
	}
	tok, err := m.creds.TokenSource(jobID).Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	if tok == nil || tok.AccessToken == "" {
		return "", ErrTokenUnavailable
	}
	return tok.AccessToken, nil
}

func (m *Manager) remoteURL(repoFullName, token string) (string, error) {
	u, err := url.Parse(m.cfg.RemoteBase)
	if err != nil {
		return "", fmt.Errorf("invalid remote base %q: %w", m.cfg.RemoteBase, err)
	}
	u.Path = path.Join(u.Path, repoFullName+".git")
	return withToken(u.String(), token)
}

// withToken embeds token as x-access-token basic credentials for http remotes.
func withToken(remote, token string) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("invalid remote %q: %w", remote, err)
	}
	if token != "" && (u.Scheme == "https" || u.Scheme == "http") {
		u.User = url.UserPassword("x-access-token", token)
	}
	return u.String(), nil
}

func newBranchName(kind, jobID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%s-%s-%s", BranchPrefix, kind, jobID, suffix)
}

// CleanPath normalizes a path given relative to the workspace root. Paths
// under /app, where sandboxes mount the workspace, are accepted too.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(filepath.ToSlash(p))
	p = strings.TrimPrefix(p, sandboxPrefix)
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideWorkspace, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideWorkspace, p)
	}
	return clean, nil
}
