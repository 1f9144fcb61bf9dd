package llm

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/generative-ai-go/genai"
)

type jsonSchema struct {
	Type        any                    `json:"type"`
	Description string                 `json:"description"`
	Format      string                 `json:"format"`
	Enum        []any                  `json:"enum"`
	Items       *jsonSchema            `json:"items"`
	Properties  map[string]*jsonSchema `json:"properties"`
	Required    []string               `json:"required"`
}

// ConvertSchema turns a JSON Schema document into the subset Gemini
// function declarations accept. Keywords without an equivalent are dropped.
func ConvertSchema(raw json.RawMessage) (*genai.Schema, error) {
	if len(raw) == 0 {
		return &genai.Schema{Type: genai.TypeObject}, nil
	}
	var s jsonSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to parse tool schema: %w", err)
	}
	return convert(&s)
}

func convert(s *jsonSchema) (*genai.Schema, error) {
	name, nullable, err := schemaType(s.Type)
	if err != nil {
		return nil, err
	}
	if name == "" {
		switch {
		case s.Properties != nil:
			name = "object"
		case s.Items != nil:
			name = "array"
		default:
			name = "string"
		}
	}

	out := &genai.Schema{
		Description: s.Description,
		Nullable:    nullable,
	}
	switch name {
	case "string":
		out.Type = genai.TypeString
		out.Format = s.Format
		for _, v := range s.Enum {
			if str, ok := v.(string); ok {
				out.Enum = append(out.Enum, str)
			}
		}
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
		items := s.Items
		if items == nil {
			items = &jsonSchema{Type: "string"}
		}
		converted, err := convert(items)
		if err != nil {
			return nil, err
		}
		out.Items = converted
	case "object":
		out.Type = genai.TypeObject
		if len(s.Properties) > 0 {
			out.Properties = make(map[string]*genai.Schema, len(s.Properties))
			keys := make([]string, 0, len(s.Properties))
			for k := range s.Properties {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				converted, err := convert(s.Properties[k])
				if err != nil {
					return nil, fmt.Errorf("property %s: %w", k, err)
				}
				out.Properties[k] = converted
			}
		}
		out.Required = s.Required
	default:
		return nil, fmt.Errorf("unsupported schema type %q", name)
	}
	return out, nil
}

// schemaType reads "type" as either a string or a list with an optional
// "null" member.
func schemaType(v any) (string, bool, error) {
	switch t := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return t, false, nil
	case []any:
		var name string
		nullable := false
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return "", false, fmt.Errorf("invalid schema type %v", v)
			}
			if s == "null" {
				nullable = true
			} else if name == "" {
				name = s
			}
		}
		return name, nullable, nil
	default:
		return "", false, fmt.Errorf("invalid schema type %v", v)
	}
}
