package provider

import (
	"context"
	"encoding/json"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"openclaw/pkg/config"
	"openclaw/pkg/oops"
	"openclaw/pkg/skills"
)

// Claude adapts the Anthropic Messages API.
type Claude struct {
	client sdk.Client
	model  string
}

// NewClaude builds a Claude adapter. The API key comes from the environment
// variable named in the provider config; the caller resolves it.
func NewClaude(cfg config.ProviderCfg, apiKey string) *Claude {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Claude{client: sdk.NewClient(opts...), model: cfg.Model}
}

// ProviderName implements Client.
func (c *Claude) ProviderName() string { return config.ProviderClaude }

// ModelName implements Client.
func (c *Claude) ModelName() string { return c.model }

// Complete implements Client.
func (c *Claude) Complete(ctx context.Context, req Request) (Response, error) {
	system, conversation, err := claudeMessages(req.Messages)
	if err != nil {
		return Response{}, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		Messages:  conversation,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = claudeTools(req.Tools)
		if req.ToolChoice == ToolChoiceAny {
			params.ToolChoice = sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
		} else {
			params.ToolChoice = sdk.ToolChoiceUnionParam{OfAuto: &sdk.ToolChoiceAutoParam{}}
		}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classify(config.ProviderClaude, err)
	}
	if msg == nil || len(msg.Content) == 0 {
		return Response{}, oops.New(oops.KindProvider, oops.CodeEmptyResponse, "claude returned no content")
	}

	var resp Response
	for i := range msg.Content {
		block := &msg.Content[i]
		switch block.Type {
		case "text":
			resp.Content += block.AsText().Text
		case "tool_use":
			use := block.AsToolUse()
			var input map[string]any
			if err := json.Unmarshal(use.Input, &input); err != nil {
				return Response{}, oops.Wrap(oops.KindProvider, oops.CodeBadPrompt, err, "claude tool input is not valid JSON")
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: use.ID, Name: use.Name, Parameters: input})
		}
	}
	resp.StopReason = string(msg.StopReason)
	resp.Usage = Usage{Input: int(msg.Usage.InputTokens), Output: int(msg.Usage.OutputTokens)}
	return resp, nil
}

// claudeMessages converts the neutral history into Anthropic's strict form:
// system turns move to the top-level system parameter, consecutive user-side
// turns merge into one, and the result must alternate user/assistant and both
// start and end on a user turn.
func claudeMessages(messages []Message) (string, []sdk.MessageParam, error) {
	if len(messages) == 0 {
		return "", nil, oops.New(oops.KindProvider, oops.CodeBadPrompt, "message list cannot be empty")
	}

	var systemParts []string
	var merged []sdk.MessageParam
	var pendingUser []sdk.ContentBlockParamUnion

	flushUser := func() {
		if len(pendingUser) > 0 {
			merged = append(merged, sdk.NewUserMessage(pendingUser...))
			pendingUser = nil
		}
	}

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case RoleSystem:
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case RoleAssistant:
			flushUser()
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Content))
			}
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Parameters, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, sdk.NewTextBlock("(no content)"))
			}
			merged = append(merged, sdk.NewAssistantMessage(blocks...))
		default:
			// Tool results lead the user turn so every tool_use has its
			// tool_result before free text.
			for j := range msg.ToolResults {
				tr := &msg.ToolResults[j]
				pendingUser = append(pendingUser, sdk.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			if msg.Content != "" {
				pendingUser = append(pendingUser, sdk.NewTextBlock(msg.Content))
			}
		}
	}
	flushUser()

	if len(merged) == 0 {
		return "", nil, oops.New(oops.KindProvider, oops.CodeBadPrompt, "must have at least one non-system message")
	}
	if merged[0].Role != sdk.MessageParamRoleUser {
		return "", nil, oops.New(oops.KindProvider, oops.CodeBadPrompt, "first message must be a user turn")
	}
	if merged[len(merged)-1].Role != sdk.MessageParamRoleUser {
		return "", nil, oops.New(oops.KindProvider, oops.CodeBadPrompt, "last message must be a user turn")
	}

	system := ""
	for i, part := range systemParts {
		if i > 0 {
			system += "\n\n"
		}
		system += part
	}
	return system, merged, nil
}

func claudeTools(defs []skills.ToolDefinition) []sdk.ToolUnionParam {
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
			Properties: schemaProperties(&def.InputSchema),
			Required:   def.InputSchema.Required,
		}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools
}
