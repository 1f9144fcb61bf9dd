package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	responses []*genai.GenerateContentResponse
	sent      [][]genai.Part
	err       error
}

func (f *fakeChat) SendMessage(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.sent = append(f.sent, parts)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func respond(parts ...genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content:      &genai.Content{Role: "model", Parts: parts},
		FinishReason: genai.FinishReasonStop,
	}}}
}

func engineWith(c *fakeChat, maxSteps int) *GeminiEngine {
	return &GeminiEngine{
		config:   DefaultConfig(),
		maxSteps: maxSteps,
		newChat:  func(Session) (chat, error) { return c, nil },
	}
}

func TestGeminiEngine_ToolLoop(t *testing.T) {
	c := &fakeChat{responses: []*genai.GenerateContentResponse{
		respond(genai.FunctionCall{Name: "read_file", Args: map[string]any{"path": "a.go"}}),
		respond(
			genai.FunctionCall{Name: "update_file", Args: map[string]any{"path": "a.go", "content": "x"}},
			genai.FunctionCall{Name: "grep", Args: map[string]any{"pattern": "x"}},
		),
		respond(genai.Text("Updated a.go.")),
	}}

	var invoked []string
	tr, err := engineWith(c, 10).Run(context.Background(), Session{
		JobID:  "job-1",
		Prompt: "fix a.go",
		Invoke: func(_ context.Context, name string, _ map[string]any) string {
			invoked = append(invoked, name)
			return "ok " + name
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Updated a.go.", tr.FinalMessage)
	assert.Equal(t, 3, tr.Steps)
	assert.Equal(t, 3, tr.ToolCalls)
	assert.Equal(t, []string{"read_file", "update_file", "grep"}, invoked)

	require.Len(t, c.sent, 3)
	assert.Equal(t, []genai.Part{genai.Text("fix a.go")}, c.sent[0])
	require.Len(t, c.sent[2], 2)
	assert.Equal(t, genai.FunctionResponse{Name: "grep", Response: map[string]any{"result": "ok grep"}}, c.sent[2][1])
}

func TestGeminiEngine_MaxSteps(t *testing.T) {
	loop := respond(genai.FunctionCall{Name: "list_files", Args: map[string]any{}})
	c := &fakeChat{responses: []*genai.GenerateContentResponse{loop, loop, loop}}

	_, err := engineWith(c, 2).Run(context.Background(), Session{
		Prompt: "loop",
		Invoke: func(context.Context, string, map[string]any) string { return "" },
	})
	assert.ErrorIs(t, err, ErrMaxSteps)
	assert.Len(t, c.sent, 2)
}

func TestGeminiEngine_ModelError(t *testing.T) {
	c := &fakeChat{err: errors.New("quota exceeded")}

	_, err := engineWith(c, 5).Run(context.Background(), Session{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestSplitResponse(t *testing.T) {
	_, _, err := splitResponse(&genai.GenerateContentResponse{})
	assert.Error(t, err)

	_, _, err = splitResponse(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}})
	assert.Error(t, err)

	calls, text, err := splitResponse(respond(genai.Text("a"), genai.Text("b ")))
	require.NoError(t, err)
	assert.Empty(t, calls)
	assert.Equal(t, "ab", text)
}

func TestHistory(t *testing.T) {
	h := history([]Turn{
		{Role: RoleUser, Content: "add tests"},
		{Role: RoleAssistant, Content: "done"},
	})
	require.Len(t, h, 2)
	assert.Equal(t, "user", h[0].Role)
	assert.Equal(t, "model", h[1].Role)
	assert.Equal(t, []genai.Part{genai.Text("done")}, h[1].Parts)
}

func TestConvertSchema(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1, "description": "file"},
			"n": {"type": "integer", "minimum": 1},
			"mode": {"type": ["string", "null"], "enum": ["a", "b"]},
			"tags": {"type": "array", "items": {"type": "string"}},
			"query": {"type": "object"}
		},
		"required": ["path"]
	}`)

	s, err := ConvertSchema(raw)
	require.NoError(t, err)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"path"}, s.Required)
	assert.Equal(t, genai.TypeString, s.Properties["path"].Type)
	assert.Equal(t, "file", s.Properties["path"].Description)
	assert.Equal(t, genai.TypeInteger, s.Properties["n"].Type)
	assert.True(t, s.Properties["mode"].Nullable)
	assert.Equal(t, []string{"a", "b"}, s.Properties["mode"].Enum)
	assert.Equal(t, genai.TypeArray, s.Properties["tags"].Type)
	assert.Equal(t, genai.TypeString, s.Properties["tags"].Items.Type)
	assert.Equal(t, genai.TypeObject, s.Properties["query"].Type)
}

func TestConvertSchema_Errors(t *testing.T) {
	_, err := ConvertSchema(json.RawMessage(`{"type": 3}`))
	assert.Error(t, err)

	_, err = ConvertSchema(json.RawMessage(`{"type": "tuple"}`))
	assert.Error(t, err)

	s, err := ConvertSchema(nil)
	require.NoError(t, err)
	assert.Equal(t, genai.TypeObject, s.Type)
}

func TestScriptedEngine(t *testing.T) {
	e := &ScriptedEngine{
		Calls: []ScriptedCall{{Tool: "a"}, {Tool: "b", Args: map[string]any{"x": 1}}},
		Final: "done",
	}
	tr, err := e.Run(context.Background(), Session{
		Invoke: func(_ context.Context, name string, _ map[string]any) string { return name + "!" },
	})
	require.NoError(t, err)
	assert.Equal(t, "done", tr.FinalMessage)
	assert.Equal(t, 2, tr.ToolCalls)
	assert.Equal(t, []string{"a!", "b!"}, e.Results)

	e.Err = errors.New("model crashed")
	_, err = e.Run(context.Background(), Session{
		Invoke: func(context.Context, string, map[string]any) string { return "" },
	})
	assert.EqualError(t, err, "model crashed")
}
