package providers

import (
	"context"
	"fmt"

	"github.com/jonathan/codee/internal/llm"
	"github.com/jonathan/codee/internal/records"
)

// codee runs agents on the local job pipeline.
type codee struct {
	submit   Submitter
	messages MessageStore
}

func (p *codee) Kind() Kind { return KindCodee }

func (p *codee) CreateAgent(ctx context.Context, req AgentRequest) (*Agent, error) {
	if req.JobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if err := p.submit.SubmitNew(ctx, req.RepoFullName, req.Prompt, req.JobID, req.ToolSlugs); err != nil {
		return nil, err
	}
	return &Agent{
		Kind:           KindCodee,
		JobID:          req.JobID,
		ConversationID: req.JobID,
		Status:         records.StatusPending,
		ToolSlugs:      req.ToolSlugs,
	}, nil
}

func (p *codee) GetMessages(ctx context.Context, agent *Agent) ([]Message, error) {
	stored, err := p.messages.ListMessages(ctx, agent.JobID)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(stored))
	for i, m := range stored {
		out = append(out, Message{
			ID:        i + 1,
			CreatedAt: m.CreatedAt,
			Content:   m.Content,
			Sender:    m.Sender,
			ToolCalls: m.ToolCalls,
		})
	}
	return out, nil
}

// SendMessage starts a follow-up job carrying the stored conversation.
func (p *codee) SendMessage(ctx context.Context, agent *Agent, message string) error {
	stored, err := p.messages.ListMessages(ctx, agent.JobID)
	if err != nil {
		return err
	}
	return p.submit.SubmitFollowup(ctx, message, agent.JobID, Turns(stored), agent.ToolSlugs)
}

// Turns converts stored messages into engine turns.
func Turns(msgs []records.Message) []llm.Turn {
	turns := make([]llm.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		role := llm.RoleUser
		if m.Sender == records.SenderAgent {
			role = llm.RoleAssistant
		}
		turns = append(turns, llm.Turn{Role: role, Content: m.Content})
	}
	return turns
}
