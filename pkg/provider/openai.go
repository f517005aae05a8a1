package provider

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"openclaw/pkg/config"
	"openclaw/pkg/oops"
	"openclaw/pkg/skills"
)

// groqBaseURL is Groq's OpenAI-compatible endpoint.
const groqBaseURL = "https://api.groq.com/openai/v1"

// OpenAICompat adapts any endpoint speaking the OpenAI chat-completions wire
// format. Groq serves the same format, so both providers share this client.
type OpenAICompat struct {
	client openai.Client
	name   string
	model  string
}

// NewOpenAI builds an adapter against api.openai.com, or against
// cfg.BaseURL when set.
func NewOpenAI(cfg config.ProviderCfg, apiKey string) *OpenAICompat {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAICompat{client: openai.NewClient(opts...), name: config.ProviderOpenAI, model: cfg.Model}
}

// NewGroq builds a Groq adapter on the OpenAI-compatible surface.
func NewGroq(cfg config.ProviderCfg, apiKey string) *OpenAICompat {
	base := cfg.BaseURL
	if base == "" {
		base = groqBaseURL
	}
	return &OpenAICompat{
		client: openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(base)),
		name:   config.ProviderGroq,
		model:  cfg.Model,
	}
}

// ProviderName implements Client.
func (o *OpenAICompat) ProviderName() string { return o.name }

// ModelName implements Client.
func (o *OpenAICompat) ModelName() string { return o.model }

// Complete implements Client.
func (o *OpenAICompat) Complete(ctx context.Context, req Request) (Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(o.model),
		Messages:  openaiMessages(req.Messages),
		MaxTokens: openai.Int(int64(req.MaxTokens)),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = openaiTools(req.Tools)
		if req.ToolChoice == ToolChoiceAny {
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}
		}
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, classify(o.name, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Response{}, oops.Newf(oops.KindProvider, oops.CodeEmptyResponse, "%s returned no choices", o.name)
	}

	choice := &resp.Choices[0]
	out := Response{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage:      Usage{Input: int(resp.Usage.PromptTokens), Output: int(resp.Usage.CompletionTokens)},
	}
	for i := range choice.Message.ToolCalls {
		tc := &choice.Message.ToolCalls[i]
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return Response{}, oops.Wrap(oops.KindProvider, oops.CodeBadPrompt, err, "tool arguments are not valid JSON")
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Parameters: args})
	}
	return out, nil
}

func openaiMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				args, _ := json.Marshal(tc.Parameters)
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(args),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			// Each tool result becomes its own "tool" role message so call
			// IDs resolve before the next user text.
			for j := range msg.ToolResults {
				tr := &msg.ToolResults[j]
				out = append(out, openai.ToolMessage(tr.Content, tr.ToolCallID))
			}
			if msg.Content != "" || len(msg.ToolResults) == 0 {
				out = append(out, openai.UserMessage(msg.Content))
			}
		}
	}
	return out
}

func openaiTools(defs []skills.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	tools := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		tools = append(tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        def.Name,
			Description: openai.String(def.Description),
			Parameters: openai.FunctionParameters{
				"type":       "object",
				"properties": schemaProperties(&def.InputSchema),
				"required":   def.InputSchema.Required,
			},
		}))
	}
	return tools
}
