package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"openclaw/pkg/config"
	"openclaw/pkg/skills"
)

// defaultOllamaHost is the daemon's default listen address.
const defaultOllamaHost = "http://localhost:11434"

// Ollama adapts a local ollama daemon. It needs no API key, which makes it
// the zero-cost floor of the escalation chain.
type Ollama struct {
	client *api.Client
	model  string
}

// NewOllama builds an Ollama adapter against cfg.BaseURL, defaulting to the
// local daemon.
func NewOllama(cfg config.ProviderCfg) *Ollama {
	host := cfg.BaseURL
	if host == "" {
		host = defaultOllamaHost
	}
	parsed, err := url.Parse(host)
	if err != nil {
		parsed, _ = url.Parse(defaultOllamaHost)
	}
	return &Ollama{client: api.NewClient(parsed, http.DefaultClient), model: cfg.Model}
}

// ProviderName implements Client.
func (o *Ollama) ProviderName() string { return config.ProviderOllama }

// ModelName implements Client.
func (o *Ollama) ModelName() string { return o.model }

// Complete implements Client.
func (o *Ollama) Complete(ctx context.Context, req Request) (Response, error) {
	stream := false
	chatReq := &api.ChatRequest{
		Model:    o.model,
		Messages: ollamaMessages(req.Messages),
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = ollamaTools(req.Tools)
	}

	var last api.ChatResponse
	err := o.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		last = resp
		return nil
	})
	if err != nil {
		return Response{}, classify(config.ProviderOllama, err)
	}

	resp := Response{
		Content:    last.Message.Content,
		StopReason: ollamaStopReason(&last),
		Usage:      Usage{Input: last.PromptEvalCount, Output: last.EvalCount},
	}
	for i := range last.Message.ToolCalls {
		call := &last.Message.ToolCalls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:         id,
			Name:       call.Function.Name,
			Parameters: map[string]any(call.Function.Arguments),
		})
	}
	return resp, nil
}

// ollamaMessages converts the neutral history to ollama's format. Tool
// results become separate role "tool" messages.
func ollamaMessages(messages []Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]

		converted := api.Message{Role: msg.Role, Content: msg.Content}
		if len(msg.ToolCalls) > 0 {
			converted.ToolCalls = make([]api.ToolCall, len(msg.ToolCalls))
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				converted.ToolCalls[j] = api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: api.ToolCallFunctionArguments(tc.Parameters),
					},
				}
			}
		}

		if len(msg.ToolResults) > 0 {
			for j := range msg.ToolResults {
				tr := &msg.ToolResults[j]
				out = append(out, api.Message{Role: "tool", Content: tr.Content, ToolCallID: tr.ToolCallID})
			}
			if msg.Content != "" {
				out = append(out, converted)
			}
			continue
		}
		out = append(out, converted)
	}
	return out
}

func ollamaTools(defs []skills.ToolDefinition) api.Tools {
	tools := make(api.Tools, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]api.ToolProperty, len(def.InputSchema.Properties))
		for name := range def.InputSchema.Properties {
			prop := def.InputSchema.Properties[name]
			properties[name] = ollamaProperty(&prop)
		}
		tools[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       def.InputSchema.Type,
					Properties: properties,
					Required:   def.InputSchema.Required,
				},
			},
		}
	}
	return tools
}

func ollamaProperty(prop *skills.Property) api.ToolProperty {
	converted := api.ToolProperty{
		Type:        api.PropertyType{prop.Type},
		Description: prop.Description,
	}
	if len(prop.Enum) > 0 {
		enum := make([]any, len(prop.Enum))
		for i, v := range prop.Enum {
			enum[i] = v
		}
		converted.Enum = enum
	}
	if prop.Items != nil {
		converted.Items = ollamaProperty(prop.Items)
	}
	return converted
}

func ollamaStopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}
