package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
)

var (
	shaPattern = regexp.MustCompile(`^[0-9a-fA-F]{4,40}$`)

	listCommitsSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"n": {"type": "integer", "minimum": 1, "maximum": 10, "description": "Number of commits, default 5"}}
	}`)
	viewCommitSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"sha": {"type": "string", "pattern": "^[0-9a-fA-F]{4,40}$"}},
		"required": ["sha"]
	}`)
)

func githubCommits(_ context.Context, env *Env) ([]Tool, error) {
	return []Tool{
		{
			Name:        "list_commits",
			Description: "List the most recent commits of the current branch.",
			Schema:      listCommitsSchema,
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				n, err := intArg(args, "n", 5)
				if err != nil {
					return "", err
				}
				if n < 1 || n > 10 {
					return "", fmt.Errorf("n must be between 1 and 10")
				}
				cmd := fmt.Sprintf("git log -n %d --pretty=format:'%%H - %%an, %%ad : %%s' --date=iso", n)
				return env.exec(ctx, cmd)
			},
		},
		{
			Name:        "view_commit",
			Description: "Show the full diff and message of a commit.",
			Schema:      viewCommitSchema,
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				sha, err := stringArg(args, "sha", "")
				if err != nil {
					return "", err
				}
				if !shaPattern.MatchString(sha) {
					return "", fmt.Errorf("invalid commit sha %q", sha)
				}
				out, err := env.exec(ctx, "git show "+sha)
				return truncate(out, maxOutputBytes), err
			},
		},
	}, nil
}
