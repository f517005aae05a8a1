package provider

import (
	"context"

	"google.golang.org/genai"

	"openclaw/pkg/config"
	"openclaw/pkg/oops"
	"openclaw/pkg/skills"
)

// Gemini adapts the Google GenAI API. The SDK client needs a context to
// construct, so it is created lazily on first use.
type Gemini struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewGemini builds a Gemini adapter.
func NewGemini(cfg config.ProviderCfg, apiKey string) *Gemini {
	return &Gemini{apiKey: apiKey, model: cfg.Model}
}

// ProviderName implements Client.
func (g *Gemini) ProviderName() string { return config.ProviderGemini }

// ModelName implements Client.
func (g *Gemini) ModelName() string { return g.model }

// Complete implements Client.
func (g *Gemini) Complete(ctx context.Context, req Request) (Response, error) {
	if g.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return Response{}, classify(config.ProviderGemini, err)
		}
		g.client = client
	}

	contents, system := geminiContents(req.Messages)
	if len(contents) == 0 {
		return Response{}, oops.New(oops.KindProvider, oops.CodeBadPrompt, "no user or assistant turns to send")
	}

	temperature := float32(req.Temperature)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(req.Tools) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: geminiDeclarations(req.Tools)}}
		mode := genai.FunctionCallingConfigModeAuto
		if req.ToolChoice == ToolChoiceAny {
			mode = genai.FunctionCallingConfigModeAny
		}
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: mode},
		}
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return Response{}, classify(config.ProviderGemini, err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return Response{}, oops.New(oops.KindProvider, oops.CodeEmptyResponse, "gemini returned no candidates")
	}

	resp := Response{Content: result.Text(), StopReason: "end_turn"}
	for _, call := range result.FunctionCalls() {
		// Gemini omits call IDs; fall back to the function name so results
		// can still be matched.
		id := call.ID
		if id == "" {
			id = call.Name
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: id, Name: call.Name, Parameters: call.Args})
	}
	if usage := result.UsageMetadata; usage != nil {
		resp.Usage = Usage{Input: int(usage.PromptTokenCount), Output: int(usage.CandidatesTokenCount)}
	}
	return resp, nil
}

// geminiContents converts the neutral history to Gemini Content values.
// System turns come back separately for the system_instruction parameter;
// assistants map to role "model".
func geminiContents(messages []Message) ([]*genai.Content, string) {
	var system string
	var contents []*genai.Content

	for i := range messages {
		msg := &messages[i]
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}

		role := genai.RoleUser
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		for j := range msg.ToolCalls {
			tc := &msg.ToolCalls[j]
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Parameters},
			})
		}
		for j := range msg.ToolResults {
			tr := &msg.ToolResults[j]
			if tr.ToolCallID == "" {
				continue
			}
			// ToolCallID carries the function name here because Gemini keys
			// responses by name, not ID.
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name: tr.ToolCallID,
					Response: map[string]any{
						"content":  tr.Content,
						"is_error": tr.IsError,
					},
				},
			})
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}
	return contents, system
}

func geminiDeclarations(defs []skills.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]*genai.Schema, len(def.InputSchema.Properties))
		for name := range def.InputSchema.Properties {
			prop := def.InputSchema.Properties[name]
			properties[name] = geminiSchema(&prop)
		}
		declarations[i] = &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   def.InputSchema.Required,
			},
		}
	}
	return declarations
}

func geminiSchema(prop *skills.Property) *genai.Schema {
	schema := &genai.Schema{Description: prop.Description}

	switch prop.Type {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = geminiSchema(prop.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if len(prop.Properties) > 0 {
			properties := make(map[string]*genai.Schema, len(prop.Properties))
			for name, child := range prop.Properties {
				if child != nil {
					properties[name] = geminiSchema(child)
				}
			}
			schema.Properties = properties
		}
	default:
		schema.Type = genai.TypeString
	}

	if len(prop.Enum) > 0 {
		schema.Enum = prop.Enum
	}
	return schema
}
