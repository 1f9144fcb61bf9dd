package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/codee/internal/records"
)

// DefaultJulesURL is the Jules sessions API.
const DefaultJulesURL = "https://jules.googleapis.com/v1alpha"

// julesActivityPage is how many activities GetMessages reads.
const julesActivityPage = 30

type jules struct {
	base   string
	keys   KeyStore
	client *http.Client
}

func newJules(d Deps) *jules {
	base := d.JulesURL
	if base == "" {
		base = DefaultJulesURL
	}
	return &jules{base: strings.TrimRight(base, "/"), keys: d.Keys, client: d.HTTPClient}
}

func (p *jules) Kind() Kind { return KindJules }

func (p *jules) headers(ctx context.Context, jobID string) (map[string]string, error) {
	key, err := apiKey(ctx, p.keys, jobID, KindJules)
	if err != nil {
		return nil, err
	}
	return map[string]string{"X-Goog-Api-Key": key}, nil
}

func (p *jules) CreateAgent(ctx context.Context, req AgentRequest) (*Agent, error) {
	h, err := p.headers(ctx, req.JobID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"prompt": req.Prompt,
		"sourceContext": map[string]any{
			"source":            "sources/github/" + req.RepoFullName,
			"githubRepoContext": map[string]string{"startingBranch": req.BaseBranch},
		},
	}
	var resp struct {
		Name string `json:"name"`
		ID   string `json:"id"`
		URL  string `json:"url"`
	}
	if err := doJSON(ctx, p.client, KindJules, http.MethodPost, p.base+"/sessions", h, payload, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("jules response has no session id")
	}

	return &Agent{
		Kind:           KindJules,
		JobID:          req.JobID,
		ConversationID: resp.ID,
		URL:            resp.URL,
		Status:         records.StatusRunning,
	}, nil
}

type julesSession struct {
	Name       string `json:"name"`
	ID         string `json:"id"`
	CreateTime string `json:"createTime"`
	Prompt     string `json:"prompt"`
	State      string `json:"state"`
}

type julesActivity struct {
	ID            string `json:"id"`
	CreateTime    string `json:"createTime"`
	Originator    string `json:"originator"`
	AgentMessaged *struct {
		AgentMessage string `json:"agentMessage"`
	} `json:"agentMessaged"`
	UserMessaged *struct {
		UserMessage string `json:"userMessage"`
	} `json:"userMessaged"`
}

// GetMessages returns the session prompt followed by the user and agent
// messages among its recent activities. A completed session marks the agent
// COMPLETED.
func (p *jules) GetMessages(ctx context.Context, agent *Agent) ([]Message, error) {
	h, err := p.headers(ctx, agent.JobID)
	if err != nil {
		return nil, err
	}

	sessionURL := p.base + "/sessions/" + url.PathEscape(agent.ConversationID)
	var (
		session    julesSession
		activities struct {
			Activities []julesActivity `json:"activities"`
		}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return doJSON(gctx, p.client, KindJules, http.MethodGet, sessionURL, h, nil, &session)
	})
	g.Go(func() error {
		u := fmt.Sprintf("%s/activities?pageSize=%d", sessionURL, julesActivityPage)
		return doJSON(gctx, p.client, KindJules, http.MethodGet, u, h, nil, &activities)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if session.State == "COMPLETED" {
		agent.Status = records.StatusCompleted
	}

	out := []Message{{
		ID:        1,
		CreatedAt: parseTime(session.CreateTime),
		Content:   session.Prompt,
		Sender:    records.SenderUser,
	}}
	for _, a := range activities.Activities {
		var msg Message
		switch {
		case a.UserMessaged != nil:
			msg = Message{Content: a.UserMessaged.UserMessage, Sender: records.SenderUser}
		case a.AgentMessaged != nil:
			msg = Message{Content: a.AgentMessaged.AgentMessage, Sender: records.SenderAgent}
		default:
			continue
		}
		msg.ID = len(out) + 1
		msg.CreatedAt = parseTime(a.CreateTime)
		out = append(out, msg)
	}
	return out, nil
}

func (p *jules) SendMessage(ctx context.Context, agent *Agent, message string) error {
	h, err := p.headers(ctx, agent.JobID)
	if err != nil {
		return err
	}
	u := p.base + "/sessions/" + url.PathEscape(agent.ConversationID) + ":sendMessage"
	if err := doJSON(ctx, p.client, KindJules, http.MethodPost, u, h, map[string]string{"prompt": message}, nil); err != nil {
		return err
	}
	agent.Status = records.StatusRunning
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
