// Package providers exposes the cloud agent backends a job can run on. The
// set is closed: the in-process codee agent and the hosted Cursor and Jules
// agents.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonathan/codee/internal/llm"
	"github.com/jonathan/codee/internal/records"
)

// Kind names a provider.
type Kind string

// Provider kinds.
const (
	KindCodee  Kind = "codee"
	KindCursor Kind = "cursor"
	KindJules  Kind = "jules"
)

// ParseKind accepts a provider name in any case.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCodee, KindCursor, KindJules:
		return k, nil
	case "":
		return KindCodee, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// ErrNotConnected is returned when the job owner has no API key for a
// hosted provider.
var ErrNotConnected = errors.New("provider not connected")

// AgentRequest asks a provider to start an agent.
type AgentRequest struct {
	JobID        string
	RepoFullName string
	Prompt       string
	ToolSlugs    []string
	BaseBranch   string
	Model        string
}

// Agent is a started agent and the handle for talking to it.
type Agent struct {
	Kind Kind
	// JobID is the local job the agent belongs to.
	JobID string
	// ConversationID is the provider's id for the agent.
	ConversationID string
	URL            string
	Branch         string
	Status         records.Status
	ToolSlugs      []string
}

// Message is one conversation entry, normalized across providers.
type Message struct {
	ID        int                `json:"id"`
	CreatedAt time.Time          `json:"created_at"`
	Content   string             `json:"content"`
	Sender    string             `json:"sender"`
	ToolCalls []records.ToolCall `json:"tool_calls"`
}

// Provider runs agents on one backend.
type Provider interface {
	Kind() Kind
	CreateAgent(ctx context.Context, req AgentRequest) (*Agent, error)
	GetMessages(ctx context.Context, agent *Agent) ([]Message, error)
	SendMessage(ctx context.Context, agent *Agent, message string) error
}

// Submitter starts local agent jobs.
type Submitter interface {
	SubmitNew(ctx context.Context, repoFullName, prompt, jobID string, toolSlugs []string) error
	SubmitFollowup(ctx context.Context, prompt, jobID string, priorTurns []llm.Turn, toolSlugs []string) error
}

// MessageStore lists stored job conversations.
type MessageStore interface {
	ListMessages(ctx context.Context, jobID string) ([]records.Message, error)
}

// KeyStore returns integration API keys.
type KeyStore interface {
	FetchIntegrationKey(ctx context.Context, jobID, provider string) (string, error)
}

// Deps are shared by every provider. Only the fields a kind needs must be set.
type Deps struct {
	Submitter  Submitter
	Messages   MessageStore
	Keys       KeyStore
	HTTPClient *http.Client
	CursorURL  string
	JulesURL   string
}

// New returns the provider for kind.
func New(kind Kind, d Deps) (Provider, error) {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	switch kind {
	case KindCodee:
		if d.Submitter == nil || d.Messages == nil {
			return nil, fmt.Errorf("codee provider needs a submitter and a message store")
		}
		return &codee{submit: d.Submitter, messages: d.Messages}, nil
	case KindCursor:
		if d.Keys == nil {
			return nil, fmt.Errorf("cursor provider needs a key store")
		}
		return newCursor(d), nil
	case KindJules:
		if d.Keys == nil {
			return nil, fmt.Errorf("jules provider needs a key store")
		}
		return newJules(d), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", kind)
	}
}

// apiKey fetches the owner's key for a hosted provider.
func apiKey(ctx context.Context, keys KeyStore, jobID string, kind Kind) (string, error) {
	key, err := keys.FetchIntegrationKey(ctx, jobID, string(kind))
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s key: %w", kind, err)
	}
	if key == "" {
		return "", fmt.Errorf("%s: %w", kind, ErrNotConnected)
	}
	return key, nil
}
