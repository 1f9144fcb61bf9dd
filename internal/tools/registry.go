package tools

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/codee/internal/prompts"
)

const (
	promptFile  = "tools.json"
	builtinSlug = "builtin"
)

// RegistryConfig configures the integration bundles.
type RegistryConfig struct {
	PostHog PostHogConfig
}

// Registry maps slugs to tool descriptors.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	cache       *ToolkitCache
}

// NewRegistry creates a registry with every built-in bundle registered.
// A nil cache gets a private one.
func NewRegistry(cfg RegistryConfig, cache *ToolkitCache) *Registry {
	if cache == nil {
		cache = NewToolkitCache()
	}
	r := &Registry{
		descriptors: make(map[string]Descriptor),
		cache:       cache,
	}

	r.Register(Descriptor{Slug: "github/commits", Factory: githubCommits})
	r.Register(Descriptor{
		Slug:         "posthog/query_runner",
		Credentialed: true,
		Factory:      postHogBundle(cfg.PostHog, "posthog/query_runner", "query_run", "docs_search"),
	})
	r.Register(Descriptor{
		Slug:         "posthog/insights",
		Credentialed: true,
		Factory: postHogBundle(cfg.PostHog, "posthog/insights",
			"insights_get_all", "insight_get", "insight_query", "insight_create_from_query",
			"insight_update", "insight_delete", "query_run"),
	})
	r.Register(Descriptor{
		Slug:         "posthog/errors",
		Credentialed: true,
		Factory:      postHogBundle(cfg.PostHog, "posthog/errors", "list_errors", "error_details"),
	})
	r.Register(Descriptor{
		Slug:    "posthog/documentation",
		Factory: postHogBundle(cfg.PostHog, "posthog/documentation", "docs_search"),
	})
	return r
}

// Register adds or replaces a descriptor. An empty Prompt is filled from
// the embedded fragments.
func (r *Registry) Register(d Descriptor) {
	if d.Prompt == "" {
		if p, err := prompts.Get(promptFile, d.Slug); err == nil {
			d.Prompt = p
		}
	}
	r.mu.Lock()
	r.descriptors[d.Slug] = d
	r.mu.Unlock()
}

// Slugs returns the registered slugs in sorted order.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slugs := make([]string, 0, len(r.descriptors))
	for s := range r.descriptors {
		slugs = append(slugs, s)
	}
	sort.Strings(slugs)
	return slugs
}

// Cache returns the toolkit cache used for credentialed bundles.
func (r *Registry) Cache() *ToolkitCache {
	return r.cache
}

// Evict drops the cached toolkits of a job.
func (r *Registry) Evict(jobID string) {
	r.cache.Evict(jobID)
}

// Resolve builds the toolset for a job: the built-in file tools plus the
// tools of every requested slug, in request order. All slugs are checked
// before any factory runs.
func (r *Registry) Resolve(ctx context.Context, slugs []string, env *Env) (*Toolset, error) {
	r.mu.RLock()
	var descs []Descriptor
	seen := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		if seen[slug] {
			continue
		}
		seen[slug] = true
		d, ok := r.descriptors[slug]
		if !ok {
			r.mu.RUnlock()
			return nil, &UnknownToolSlugError{Slug: slug}
		}
		descs = append(descs, d)
	}
	r.mu.RUnlock()

	results := make([][]Tool, len(descs))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range descs {
		g.Go(func() error {
			var (
				tools []Tool
				err   error
			)
			if d.Credentialed {
				tools, err = r.cache.GetOrCreate(gctx, env.JobID, d.Slug, func(ctx context.Context) ([]Tool, error) {
					return d.Factory(ctx, env)
				})
			} else {
				tools, err = d.Factory(gctx, env)
			}
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", d.Slug, err)
			}
			results[i] = tools
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set := &Toolset{byName: make(map[string]Tool)}
	if p, err := prompts.Get(promptFile, builtinSlug); err == nil {
		set.Prompts = append(set.Prompts, p)
	}
	set.add(Builtins(env)...)
	for i, d := range descs {
		if d.Prompt != "" {
			set.Prompts = append(set.Prompts, d.Prompt)
		}
		set.add(results[i]...)
	}

	log.Printf("[tools] resolved %d tools from %d slugs for job %s", len(set.Tools), len(descs), env.JobID)
	return set, nil
}

// Toolset is the resolved tool surface of one session.
type Toolset struct {
	Tools   []Tool
	Prompts []string
	byName  map[string]Tool
}

// NewToolset builds a toolset from explicit tools.
func NewToolset(tools ...Tool) *Toolset {
	set := &Toolset{byName: make(map[string]Tool)}
	set.add(tools...)
	return set
}

// add appends tools, skipping names already present.
func (s *Toolset) add(tools ...Tool) {
	for _, t := range tools {
		if _, dup := s.byName[t.Name]; dup {
			continue
		}
		s.byName[t.Name] = t
		s.Tools = append(s.Tools, t)
	}
}

// Lookup finds a tool by name.
func (s *Toolset) Lookup(name string) (Tool, bool) {
	t, ok := s.byName[name]
	return t, ok
}
