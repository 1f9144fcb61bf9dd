package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/codee/internal/fetch"
)

// PostHog defaults.
const (
	DefaultPostHogURL     = "https://us.posthog.com"
	DefaultPostHogDocsURL = "https://posthog.com"
	postHogProvider       = "posthog"
)

// PostHogConfig points the PostHog bundles at an instance.
type PostHogConfig struct {
	APIURL     string
	DocsURL    string
	HTTPClient *http.Client
}

func (c PostHogConfig) withDefaults() PostHogConfig {
	if c.APIURL == "" {
		c.APIURL = DefaultPostHogURL
	}
	if c.DocsURL == "" {
		c.DocsURL = DefaultPostHogDocsURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	c.DocsURL = strings.TrimRight(c.DocsURL, "/")
	return c
}

type postHogClient struct {
	cfg    PostHogConfig
	apiKey string
}

func (c *postHogClient) call(ctx context.Context, method, path string, body any) (string, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reader)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("posthog request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read posthog response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("posthog returned HTTP status %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(data)), 512))
	}
	if len(data) == 0 {
		return "ok", nil
	}
	return truncate(string(data), maxOutputBytes), nil
}

func schema(properties string, required ...string) json.RawMessage {
	req, _ := json.Marshal(required)
	if len(required) == 0 {
		req = []byte("[]")
	}
	return json.RawMessage(`{"type":"object","properties":{` + properties + `},"required":` + string(req) + `}`)
}

const projectPath = "/api/projects/@current"

// postHogCatalog builds every PostHog tool bound to one API key.
func postHogCatalog(c *postHogClient) map[string]Tool {
	id := func(args map[string]any, name string) (string, error) {
		v, err := stringArg(args, name, "")
		if err != nil {
			return "", err
		}
		if v == "" {
			return "", fmt.Errorf("%s is required", name)
		}
		return url.PathEscape(v), nil
	}

	tools := []Tool{
		{
			Name:        "query_run",
			Description: "Run a HogQL query against the project's analytics data and return the result rows.",
			Schema:      schema(`"query":{"type":"string","minLength":1,"description":"HogQL SELECT statement"}`, "query"),
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				q, err := stringArg(args, "query", "")
				if err != nil {
					return "", err
				}
				return c.call(ctx, http.MethodPost, projectPath+"/query/", map[string]any{
					"query": map[string]any{"kind": "HogQLQuery", "query": q},
				})
			},
		},
		{
			Name:        "insights_get_all",
			Description: "List saved insights, optionally filtered by a search term.",
			Schema:      schema(`"search":{"type":"string"},"limit":{"type":"integer","minimum":1,"maximum":100}`),
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				search, err := stringArg(args, "search", "")
				if err != nil {
					return "", err
				}
				limit, err := intArg(args, "limit", 20)
				if err != nil {
					return "", err
				}
				q := url.Values{"limit": {strconv.Itoa(limit)}}
				if search != "" {
					q.Set("search", search)
				}
				return c.call(ctx, http.MethodGet, projectPath+"/insights/?"+q.Encode(), nil)
			},
		},
		{
			Name:        "insight_get",
			Description: "Get a saved insight by id.",
			Schema:      schema(`"insight_id":{"type":"string","minLength":1}`, "insight_id"),
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				insight, err := id(args, "insight_id")
				if err != nil {
					return "", err
				}
				return c.call(ctx, http.MethodGet, projectPath+"/insights/"+insight+"/", nil)
			},
		},
		{
			Name:        "insight_query",
			Description: "Compute and return the current results of a saved insight.",
			Schema:      schema(`"insight_id":{"type":"string","minLength":1}`, "insight_id"),
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				insight, err := id(args, "insight_id")
				if err != nil {
					return "", err
				}
				return c.call(ctx, http.MethodGet, projectPath+"/insights/"+insight+"/?refresh=blocking", nil)
			},
		},
		{
			Name:        "insight_create_from_query",
			Description: "Save a new insight from a query definition.",
			Schema: schema(`"name":{"type":"string","minLength":1},"description":{"type":"string"},`+
				`"query":{"type":"object","description":"PostHog query node, for example a HogQLQuery"}`, "name", "query"),
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				name, err := stringArg(args, "name", "")
				if err != nil {
					return "", err
				}
				desc, err := stringArg(args, "description", "")
				if err != nil {
					return "", err
				}
				return c.call(ctx, http.MethodPost, projectPath+"/insights/", map[string]any{
					"name":        name,
					"description": desc,
					"query":       args["query"],
					"saved":       true,
				})
			},
		},
		{
			Name:        "insight_update",
			Description: "Update the name, description or query of a saved insight.",
			Schema: schema(`"insight_id":{"type":"string","minLength":1},"name":{"type":"string"},`+
				`"description":{"type":"string"},"query":{"type":"object"}`, "insight_id"),
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				insight, err := id(args, "insight_id")
				if err != nil {
					return "", err
				}
				patch := map[string]any{}
				for _, field := range []string{"name", "description", "query"} {
					if v, ok := args[field]; ok {
						patch[field] = v
					}
				}
				if len(patch) == 0 {
					return "", fmt.Errorf("nothing to update")
				}
				return c.call(ctx, http.MethodPatch, projectPath+"/insights/"+insight+"/", patch)
			},
		},
		{
			Name:        "insight_delete",
			Description: "Delete a saved insight.",
			Schema:      schema(`"insight_id":{"type":"string","minLength":1}`, "insight_id"),
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				insight, err := id(args, "insight_id")
				if err != nil {
					return "", err
				}
				return c.call(ctx, http.MethodPatch, projectPath+"/insights/"+insight+"/", map[string]any{"deleted": true})
			},
		},
		{
			Name:        "list_errors",
			Description: "List the most recent error tracking issues.",
			Schema:      schema(`"limit":{"type":"integer","minimum":1,"maximum":100}`),
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				limit, err := intArg(args, "limit", 20)
				if err != nil {
					return "", err
				}
				return c.call(ctx, http.MethodGet, projectPath+"/error_tracking/issues/?limit="+strconv.Itoa(limit), nil)
			},
		},
		{
			Name:        "error_details",
			Description: "Get the details and stack trace of an error tracking issue.",
			Schema:      schema(`"issue_id":{"type":"string","minLength":1}`, "issue_id"),
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				issue, err := id(args, "issue_id")
				if err != nil {
					return "", err
				}
				return c.call(ctx, http.MethodGet, projectPath+"/error_tracking/issues/"+issue+"/", nil)
			},
		},
	}

	catalog := make(map[string]Tool, len(tools))
	for _, t := range tools {
		catalog[t.Name] = t
	}
	return catalog
}

// docsSearch searches the public documentation site. It needs no key.
func docsSearch(cfg PostHogConfig) Tool {
	return Tool{
		Name:        "docs_search",
		Description: "Search the PostHog documentation and return the matching page text.",
		Schema:      schema(`"query":{"type":"string","minLength":1}`, "query"),
		Call: func(ctx context.Context, args map[string]any) (string, error) {
			q, err := stringArg(args, "query", "")
			if err != nil {
				return "", err
			}
			opts := fetch.DefaultOptions()
			opts.Client = cfg.HTTPClient
			res, err := fetch.URL(ctx, cfg.DocsURL+"/docs/search?q="+url.QueryEscape(q), opts)
			if err != nil {
				return "", err
			}
			text, err := fetch.ExtractMainText(res.HTML, fetch.DocsSelectors())
			if err != nil {
				return "", err
			}
			return truncate(text, maxOutputBytes), nil
		},
	}
}

// postHogBundle returns a factory for the named PostHog tools.
func postHogBundle(cfg PostHogConfig, slug string, names ...string) Factory {
	cfg = cfg.withDefaults()
	return func(ctx context.Context, env *Env) ([]Tool, error) {
		needsKey := false
		for _, n := range names {
			if n != "docs_search" {
				needsKey = true
			}
		}

		var catalog map[string]Tool
		if needsKey {
			if env.Keys == nil {
				return nil, &ToolCredentialMissingError{Slug: slug, Provider: postHogProvider, JobID: env.JobID}
			}
			key, err := env.Keys.FetchIntegrationKey(ctx, env.JobID, postHogProvider)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch %s key: %w", postHogProvider, err)
			}
			if key == "" {
				return nil, &ToolCredentialMissingError{Slug: slug, Provider: postHogProvider, JobID: env.JobID}
			}
			catalog = postHogCatalog(&postHogClient{cfg: cfg, apiKey: key})
		}

		out := make([]Tool, 0, len(names))
		for _, n := range names {
			if n == "docs_search" {
				out = append(out, docsSearch(cfg))
				continue
			}
			out = append(out, catalog[n])
		}
		return out, nil
	}
}
