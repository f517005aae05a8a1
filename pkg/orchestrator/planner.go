package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"openclaw/pkg/logx"
	"openclaw/pkg/oops"
	"openclaw/pkg/persistence"
	"openclaw/pkg/proto"
	"openclaw/pkg/provider"
	"openclaw/pkg/skills"
)

// ChatService is the router surface the orchestrator consumes.
type ChatService interface {
	Chat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error)
	Has(name string) bool
	ContextWindow(name string) int
	MinContextWindow() int
}

// MaxPlanningRounds bounds the planning conversation.
const MaxPlanningRounds = 5

const planningMaxTokens = 4096

const planningSystemPrompt = `You are the planning agent of an autonomous software development platform.
Decompose the captured project ideas into an ordered milestone plan.
Use web_search when you need current information about libraries or tooling.

Respond with a single JSON object:
{"summary": "one paragraph", "milestones": [{"name": "Milestone name", "tasks": [{"title": "short title", "description": "what to build and how to verify it", "milestone": "Milestone name", "assigned_agent_role": "developer"}]}]}

Keep milestones coarse and tasks concrete enough to execute independently.
Return only the JSON object.`

// PlanDoc is the parsed plan synthesis output.
type PlanDoc struct {
	Summary    string          `json:"summary"`
	Milestones []PlanMilestone `json:"milestones"`
}

// PlanMilestone is one named group of tasks in declared order.
type PlanMilestone struct {
	Name  string     `json:"name"`
	Tasks []PlanTask `json:"tasks"`
}

// PlanTask is one synthesized unit of work.
type PlanTask struct {
	Title             string `json:"title"`
	Description       string `json:"description"`
	Milestone         string `json:"milestone"`
	AssignedAgentRole string `json:"assigned_agent_role,omitempty"`
}

// TaskCount returns the total number of tasks across milestones.
func (d *PlanDoc) TaskCount() int {
	n := 0
	for _, m := range d.Milestones {
		n += len(m.Tasks)
	}
	return n
}

// Planner decomposes captured ideas into an executable plan through a
// bounded tool conversation. Only web search may execute during planning;
// every other tool call gets a refusal string so the model moves on.
type Planner struct {
	router   ChatService
	dispatch ActionDispatcher
	log      *logx.Logger
}

// NewPlanner builds a planner over the router and the agent dispatcher.
func NewPlanner(router ChatService, dispatch ActionDispatcher) *Planner {
	return &Planner{
		router:   router,
		dispatch: dispatch,
		log:      logx.NewLogger("planner"),
	}
}

// Synthesize runs the planning conversation for a project and parses the
// resulting plan JSON. The returned transcript carries the full
// conversation for persistence.
func (p *Planner) Synthesize(ctx context.Context, project *persistence.Project, ideas []*persistence.Idea) (*PlanDoc, []provider.Message, error) {
	msgs := []provider.Message{{
		Role:    provider.RoleUser,
		Content: buildPlanningPrompt(project, ideas),
	}}

	text, transcript, err := p.RunConversation(ctx, msgs, planningSystemPrompt)
	if err != nil {
		return nil, transcript, err
	}

	doc := ParsePlanJSON(text)
	if doc == nil || doc.TaskCount() == 0 {
		return nil, transcript, oops.New(oops.KindOrchestrator, oops.CodePlanSynthesisFailed,
			"planner output contained no parseable plan")
	}
	return doc, transcript, nil
}

// RunConversation drives the bounded planning loop and returns the final
// response text plus the accumulated transcript.
func (p *Planner) RunConversation(ctx context.Context, msgs []provider.Message, systemPrompt string) (string, []provider.Message, error) {
	current := append([]provider.Message(nil), msgs...)
	lastText := ""

	for round := 0; round < MaxPlanningRounds; round++ {
		resp, err := p.router.Chat(ctx, provider.ChatRequest{
			Request: provider.Request{
				Messages:    withSystem(systemPrompt, current),
				Tools:       skills.PlanningTools(),
				MaxTokens:   planningMaxTokens,
				Temperature: provider.TemperatureDefault,
			},
			TaskType: TaskTypePlanning,
		})
		if err != nil {
			return lastText, current, err
		}
		lastText = resp.Content

		current = append(current, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if !resp.HasToolCalls() {
			return lastText, current, nil
		}

		results := make([]provider.ToolResult, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			results = append(results, provider.ToolResult{
				ToolCallID: tc.ID,
				Content:    p.executePlanningTool(ctx, tc),
			})
		}
		current = append(current, provider.Message{
			Role:        provider.RoleUser,
			ToolResults: results,
		})
	}

	return lastText, current, nil
}

func (p *Planner) executePlanningTool(ctx context.Context, tc provider.ToolCall) string {
	if tc.Name != skills.ActionWebSearch {
		return fmt.Sprintf("Tool '%s' not available during planning.", tc.Name)
	}

	resp, err := p.dispatch.Dispatch(ctx, skills.ActionWebSearch, tc.Parameters, true)
	if err != nil {
		return fmt.Sprintf("Web search unavailable: %v", err)
	}
	if resp.Status == proto.StatusError {
		msg := resp.Error
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Sprintf("Web search unavailable: %s", msg)
	}
	if resp.Result == nil || resp.Result.Stdout == "" {
		return "Web search returned no results."
	}
	return resp.Result.Stdout
}

func buildPlanningPrompt(project *persistence.Project, ideas []*persistence.Idea) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", project.DisplayName)
	if project.Workdir != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", project.Workdir)
	}
	b.WriteString("\nCaptured ideas and requirements:\n")
	for i, idea := range ideas {
		fmt.Fprintf(&b, "%d. %s\n", i+1, idea.Content)
	}
	b.WriteString("\nProduce the milestone plan JSON now.")
	return b.String()
}

// withSystem prepends the system prompt as a system turn; adapters fold it
// into the vendor's system slot.
func withSystem(systemPrompt string, msgs []provider.Message) []provider.Message {
	if systemPrompt == "" {
		return msgs
	}
	out := make([]provider.Message, 0, len(msgs)+1)
	out = append(out, provider.Message{Role: provider.RoleSystem, Content: systemPrompt})
	return append(out, msgs...)
}

var (
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	bracePattern      = regexp.MustCompile(`(?s)\{.*\}`)
)

// ParsePlanJSON extracts a plan from model output: whole-text JSON first,
// then a fenced code block, then the widest brace-delimited substring.
func ParsePlanJSON(text string) *PlanDoc {
	if doc := tryDecodePlan(text); doc != nil {
		return doc
	}
	if m := fencedJSONPattern.FindStringSubmatch(text); m != nil {
		if doc := tryDecodePlan(m[1]); doc != nil {
			return doc
		}
	}
	if m := bracePattern.FindString(text); m != "" {
		if doc := tryDecodePlan(m); doc != nil {
			return doc
		}
	}
	return nil
}

func tryDecodePlan(s string) *PlanDoc {
	var doc PlanDoc
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &doc); err != nil {
		return nil
	}
	return &doc
}
