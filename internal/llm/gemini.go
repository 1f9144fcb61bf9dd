package llm

import (
	"context"
	"fmt"
	"log"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// chat is the part of genai.ChatSession the loop depends on.
type chat interface {
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiEngine runs sessions as Gemini function-calling chats.
type GeminiEngine struct {
	client   *genai.Client
	config   *Config
	maxSteps int
	newChat  func(s Session) (chat, error)
}

// NewGeminiEngine creates an engine backed by the Gemini API.
func NewGeminiEngine(ctx context.Context, config *Config, apiKey string) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if config == nil {
		config = DefaultConfig()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	e := &GeminiEngine{client: client, config: config, maxSteps: config.MaxSteps}
	if e.maxSteps <= 0 {
		e.maxSteps = DefaultMaxSteps
	}
	e.newChat = e.startChat
	return e, nil
}

func (e *GeminiEngine) startChat(s Session) (chat, error) {
	modelName := e.config.SessionModel()
	if modelName == "" {
		return nil, fmt.Errorf("no model configured for tier %s", e.config.Tier)
	}

	model := e.client.GenerativeModel(modelName)
	model.SetTemperature(0.2)
	if s.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(s.SystemPrompt)}}
	}

	if len(s.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(s.Tools))
		for _, t := range s.Tools {
			params, err := ConvertSchema(t.Schema)
			if err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			})
		}
		model.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	cs := model.StartChat()
	cs.History = history(s.PriorTurns)
	return cs, nil
}

// Run implements Engine.
func (e *GeminiEngine) Run(ctx context.Context, s Session) (*Transcript, error) {
	cs, err := e.newChat(s)
	if err != nil {
		return nil, err
	}

	tr := &Transcript{}
	parts := []genai.Part{genai.Text(s.Prompt)}
	for tr.Steps < e.maxSteps {
		resp, err := cs.SendMessage(ctx, parts...)
		if err != nil {
			return nil, fmt.Errorf("failed to generate content: %w", err)
		}
		tr.Steps++

		calls, text, err := splitResponse(resp)
		if err != nil {
			return nil, err
		}
		if len(calls) == 0 {
			tr.FinalMessage = text
			return tr, nil
		}

		parts = make([]genai.Part, 0, len(calls))
		for _, call := range calls {
			tr.ToolCalls++
			result := s.Invoke(ctx, call.Name, call.Args)
			parts = append(parts, genai.FunctionResponse{
				Name:     call.Name,
				Response: map[string]any{"result": result},
			})
		}
	}

	log.Printf("[llm] job %s stopped after %d steps", s.JobID, tr.Steps)
	return nil, fmt.Errorf("%w (%d)", ErrMaxSteps, e.maxSteps)
}

// Close releases resources held by the client
func (e *GeminiEngine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
