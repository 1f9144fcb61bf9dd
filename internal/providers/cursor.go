package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonathan/codee/internal/records"
)

// DefaultCursorURL is the Cursor background agents API.
const DefaultCursorURL = "https://api.cursor.com"

type cursor struct {
	base   string
	keys   KeyStore
	client *http.Client
}

func newCursor(d Deps) *cursor {
	base := d.CursorURL
	if base == "" {
		base = DefaultCursorURL
	}
	return &cursor{base: strings.TrimRight(base, "/"), keys: d.Keys, client: d.HTTPClient}
}

func (p *cursor) Kind() Kind { return KindCursor }

func (p *cursor) headers(ctx context.Context, jobID string) (map[string]string, error) {
	key, err := apiKey(ctx, p.keys, jobID, KindCursor)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(key+":")),
	}, nil
}

func (p *cursor) CreateAgent(ctx context.Context, req AgentRequest) (*Agent, error) {
	h, err := p.headers(ctx, req.JobID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"prompt": map[string]string{"text": req.Prompt},
		"source": map[string]string{"repository": "https://github.com/" + req.RepoFullName},
	}
	if req.Model != "" {
		payload["model"] = req.Model
	}

	var resp struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Target struct {
			BranchName string `json:"branchName"`
			URL        string `json:"url"`
		} `json:"target"`
	}
	if err := doJSON(ctx, p.client, KindCursor, http.MethodPost, p.base+"/v0/agents", h, payload, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("cursor response has no agent id")
	}

	return &Agent{
		Kind:           KindCursor,
		JobID:          req.JobID,
		ConversationID: resp.ID,
		URL:            resp.Target.URL,
		Branch:         resp.Target.BranchName,
		Status:         records.StatusRunning,
	}, nil
}

func (p *cursor) GetMessages(ctx context.Context, agent *Agent) ([]Message, error) {
	h, err := p.headers(ctx, agent.JobID)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Messages []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"messages"`
	}
	u := p.base + "/v0/agents/" + url.PathEscape(agent.ConversationID) + "/conversation"
	if err := doJSON(ctx, p.client, KindCursor, http.MethodGet, u, h, nil, &resp); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]Message, 0, len(resp.Messages))
	for i, m := range resp.Messages {
		sender := records.SenderAgent
		if m.Type == "user_message" {
			sender = records.SenderUser
		}
		out = append(out, Message{ID: i + 1, CreatedAt: now, Content: m.Text, Sender: sender})
	}
	return out, nil
}

func (p *cursor) SendMessage(ctx context.Context, agent *Agent, message string) error {
	h, err := p.headers(ctx, agent.JobID)
	if err != nil {
		return err
	}
	var resp struct {
		ID string `json:"id"`
	}
	u := p.base + "/v0/agents/" + url.PathEscape(agent.ConversationID) + "/followup"
	body := map[string]any{"prompt": map[string]string{"text": message}}
	if err := doJSON(ctx, p.client, KindCursor, http.MethodPost, u, h, body, &resp); err != nil {
		return err
	}
	if resp.ID == "" {
		return fmt.Errorf("cursor followup response has no id")
	}
	return nil
}
