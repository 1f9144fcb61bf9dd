package llm

import (
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
)

// splitResponse separates the function calls of the first candidate from
// its text.
func splitResponse(resp *genai.GenerateContentResponse) ([]genai.FunctionCall, string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, "", fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		if candidate.FinishReason != genai.FinishReasonStop && candidate.FinishReason != genai.FinishReasonUnspecified {
			return nil, "", fmt.Errorf("response stopped: %s", candidate.FinishReason)
		}
		return nil, "", nil
	}

	var (
		calls []genai.FunctionCall
		text  []string
	)
	for _, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text = append(text, string(p))
		case genai.FunctionCall:
			calls = append(calls, p)
		case *genai.FunctionCall:
			calls = append(calls, *p)
		}
	}
	return calls, strings.TrimSpace(strings.Join(text, "")), nil
}

// history maps prior turns onto chat contents.
func history(turns []Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(t.Content)}})
	}
	return out
}
