package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jonathan/codee/internal/sandbox"
	"github.com/jonathan/codee/internal/workspace"
)

// maxOutputBytes caps what a single tool hands back to the engine.
const maxOutputBytes = 32 * 1024

var (
	readFileSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string", "minLength": 1, "description": "File path relative to the repository root"}},
		"required": ["path"]
	}`)
	updateFileSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1, "description": "File path relative to the repository root"},
			"content": {"type": "string", "description": "Complete new file content"}
		},
		"required": ["path", "content"]
	}`)
	listFilesSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string", "description": "Directory relative to the repository root, defaults to the root"}}
	}`)
	grepSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "minLength": 1, "description": "Extended regular expression"},
			"path": {"type": "string", "description": "Directory or file to search, defaults to the root"}
		},
		"required": ["pattern"]
	}`)
)

// Builtins returns the file tools every job gets.
func Builtins(env *Env) []Tool {
	return []Tool{
		{
			Name:        "read_file",
			Description: "Read the contents of a file in the repository.",
			Schema:      readFileSchema,
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				p, err := filePath(args)
				if err != nil {
					return "", err
				}
				out, err := env.exec(ctx, "cat -- "+quote(p))
				return truncate(out, maxOutputBytes), err
			},
		},
		{
			Name:        "update_file",
			Description: "Create or overwrite a file in the repository with the given content.",
			Schema:      updateFileSchema,
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				p, err := filePath(args)
				if err != nil {
					return "", err
				}
				content, err := stringArg(args, "content", "")
				if err != nil {
					return "", err
				}
				if env.Files == nil {
					return "", fmt.Errorf("workspace is read-only")
				}
				if err := env.Files.WriteFile(ctx, env.JobID, p, []byte(content)); err != nil {
					return "", err
				}
				return fmt.Sprintf("updated %s (%d bytes)", p, len(content)), nil
			},
		},
		{
			Name:        "list_files",
			Description: "List the entries of a directory in the repository.",
			Schema:      listFilesSchema,
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				p, err := dirPath(args)
				if err != nil {
					return "", err
				}
				out, err := env.exec(ctx, "ls -la -- "+quote(p))
				return truncate(out, maxOutputBytes), err
			},
		},
		{
			Name:        "grep",
			Description: "Search files in the repository for lines matching a regular expression.",
			Schema:      grepSchema,
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				pattern, err := stringArg(args, "pattern", "")
				if err != nil {
					return "", err
				}
				p, err := dirPath(args)
				if err != nil {
					return "", err
				}
				cmd := fmt.Sprintf("grep -rnE --exclude-dir=.git -e %s -- %s", quote(pattern), quote(p))
				out, err := env.exec(ctx, cmd)
				var cmdErr *sandbox.CommandError
				if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
					return "no matches", nil
				}
				return truncate(out, maxOutputBytes), err
			},
		},
	}
}

func filePath(args map[string]any) (string, error) {
	p, err := stringArg(args, "path", "")
	if err != nil {
		return "", err
	}
	return workspace.CleanPath(p)
}

func dirPath(args map[string]any) (string, error) {
	p, err := stringArg(args, "path", ".")
	if err != nil {
		return "", err
	}
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/app" || p == "/app/" {
		return ".", nil
	}
	return workspace.CleanPath(p)
}
