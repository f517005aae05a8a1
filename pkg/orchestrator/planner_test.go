package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"openclaw/pkg/oops"
	"openclaw/pkg/persistence"
	"openclaw/pkg/proto"
	"openclaw/pkg/provider"
	"openclaw/pkg/skills"
)

const planJSON = `{"summary": "A todo app", "milestones": [{"name": "Core", "tasks": [` +
	`{"title": "Scaffold app", "description": "flask skeleton", "milestone": "Core"},` +
	`{"title": "Add models", "description": "sqlite models", "milestone": "Core", "assigned_agent_role": "developer"}]}]}`

func TestParsePlanJSON(t *testing.T) {
	t.Run("WholeText", func(t *testing.T) {
		doc := ParsePlanJSON(planJSON)
		if doc == nil {
			t.Fatal("Expected a plan, got nil")
		}
		if doc.Summary != "A todo app" {
			t.Errorf("Unexpected summary: %q", doc.Summary)
		}
		if doc.TaskCount() != 2 {
			t.Errorf("Expected 2 tasks, got %d", doc.TaskCount())
		}
	})

	t.Run("FencedBlock", func(t *testing.T) {
		text := "Here is the plan:\n```json\n" + planJSON + "\n```\nLet me know."
		doc := ParsePlanJSON(text)
		if doc == nil || doc.TaskCount() != 2 {
			t.Fatalf("Expected plan from fenced block, got %+v", doc)
		}
	})

	t.Run("BareFence", func(t *testing.T) {
		text := "```\n" + planJSON + "\n```"
		doc := ParsePlanJSON(text)
		if doc == nil || doc.TaskCount() != 2 {
			t.Fatalf("Expected plan from bare fence, got %+v", doc)
		}
	})

	t.Run("BraceSubstring", func(t *testing.T) {
		text := "Sure! The plan is " + planJSON + " as requested."
		doc := ParsePlanJSON(text)
		if doc == nil || doc.TaskCount() != 2 {
			t.Fatalf("Expected plan from brace substring, got %+v", doc)
		}
	})

	t.Run("NoJSON", func(t *testing.T) {
		if doc := ParsePlanJSON("I could not produce a plan."); doc != nil {
			t.Errorf("Expected nil, got %+v", doc)
		}
	})
}

func TestPlannerSynthesize(t *testing.T) {
	chat := newFakeChat(func(call int, req provider.ChatRequest) (provider.ChatResponse, error) {
		if req.TaskType != TaskTypePlanning {
			t.Errorf("Expected planning task type, got %q", req.TaskType)
		}
		return textResponse(planJSON), nil
	})
	agent := &fakeAgent{}
	planner := NewPlanner(chat, agent)

	project := &persistence.Project{ID: "p1", Name: "todo", DisplayName: "todo", Workdir: "/home/dev/projects/todo"}
	ideas := []*persistence.Idea{
		{ID: "i1", ProjectID: "p1", Content: "a todo list"},
		{ID: "i2", ProjectID: "p1", Content: "with due dates"},
	}

	doc, transcript, err := planner.Synthesize(context.Background(), project, ideas)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if doc.TaskCount() != 2 {
		t.Errorf("Expected 2 tasks, got %d", doc.TaskCount())
	}
	if len(transcript) != 2 {
		t.Errorf("Expected user+assistant transcript, got %d turns", len(transcript))
	}

	prompt := transcript[0].Content
	if !strings.Contains(prompt, "1. a todo list") || !strings.Contains(prompt, "2. with due dates") {
		t.Errorf("Prompt missing numbered ideas:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Project: todo") {
		t.Errorf("Prompt missing project header:\n%s", prompt)
	}
}

func TestPlannerSynthesizeUnparseable(t *testing.T) {
	chat := newFakeChat(func(call int, req provider.ChatRequest) (provider.ChatResponse, error) {
		return textResponse("no plan today"), nil
	})
	planner := NewPlanner(chat, &fakeAgent{})

	project := &persistence.Project{ID: "p1", Name: "todo", DisplayName: "todo"}
	_, _, err := planner.Synthesize(context.Background(), project, []*persistence.Idea{{Content: "x"}})
	if err == nil {
		t.Fatal("Expected synthesis error")
	}
	if !oops.Is(err, oops.CodePlanSynthesisFailed) {
		t.Errorf("Expected plan_synthesis_failed, got %v", err)
	}
}

func TestPlannerWebSearchExecutes(t *testing.T) {
	chat := newFakeChat(func(call int, req provider.ChatRequest) (provider.ChatResponse, error) {
		if call == 1 {
			return toolCallResponse("tc1", skills.ActionWebSearch, map[string]any{"query": "flask sqlite"}), nil
		}
		// The tool result from the previous round must be visible.
		last := req.Messages[len(req.Messages)-1]
		if len(last.ToolResults) != 1 || last.ToolResults[0].Content != "flask docs say hi" {
			t.Errorf("Expected web search result in messages, got %+v", last)
		}
		return textResponse(planJSON), nil
	})
	agent := &fakeAgent{
		respond: func(action string, params map[string]any, confirmed bool) (*proto.ActionResponse, error) {
			return &proto.ActionResponse{
				Status: proto.StatusOK,
				Action: action,
				Result: &proto.ActionResult{Stdout: "flask docs say hi", Returncode: 0},
			}, nil
		},
	}
	planner := NewPlanner(chat, agent)

	project := &persistence.Project{ID: "p1", Name: "todo", DisplayName: "todo"}
	doc, _, err := planner.Synthesize(context.Background(), project, []*persistence.Idea{{Content: "x"}})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if doc == nil || doc.TaskCount() != 2 {
		t.Fatalf("Expected parsed plan after search round, got %+v", doc)
	}

	calls := agent.dispatched()
	if len(calls) != 1 || calls[0].action != skills.ActionWebSearch {
		t.Fatalf("Expected one web_search dispatch, got %+v", calls)
	}
	if !calls[0].confirmed {
		t.Error("Expected web_search forwarded as confirmed")
	}
}

func TestPlannerRefusesOtherTools(t *testing.T) {
	var sawRefusal bool
	chat := newFakeChat(func(call int, req provider.ChatRequest) (provider.ChatResponse, error) {
		if call == 1 {
			return toolCallResponse("tc1", skills.ActionFileWrite, map[string]any{"path": "a.txt", "content": "x"}), nil
		}
		last := req.Messages[len(req.Messages)-1]
		if len(last.ToolResults) == 1 &&
			last.ToolResults[0].Content == "Tool 'file_write' not available during planning." {
			sawRefusal = true
		}
		return textResponse(planJSON), nil
	})
	agent := &fakeAgent{}
	planner := NewPlanner(chat, agent)

	project := &persistence.Project{ID: "p1", Name: "todo", DisplayName: "todo"}
	if _, _, err := planner.Synthesize(context.Background(), project, []*persistence.Idea{{Content: "x"}}); err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if !sawRefusal {
		t.Error("Expected refusal text for non-search tool")
	}
	if calls := agent.dispatched(); len(calls) != 0 {
		t.Errorf("Expected no dispatches for refused tool, got %+v", calls)
	}
}

func TestPlannerWebSearchFailure(t *testing.T) {
	var results []string
	chat := newFakeChat(func(call int, req provider.ChatRequest) (provider.ChatResponse, error) {
		if call <= 2 {
			return toolCallResponse("tc", skills.ActionWebSearch, map[string]any{"query": "q", "call": call}), nil
		}
		for _, m := range req.Messages {
			for _, tr := range m.ToolResults {
				results = append(results, tr.Content)
			}
		}
		return textResponse(planJSON), nil
	})
	failures := []func() (*proto.ActionResponse, error){
		func() (*proto.ActionResponse, error) { return nil, errors.New("agent offline") },
		func() (*proto.ActionResponse, error) {
			return &proto.ActionResponse{Status: proto.StatusError, Error: "rate limited"}, nil
		},
	}
	idx := 0
	agent := &fakeAgent{
		respond: func(string, map[string]any, bool) (*proto.ActionResponse, error) {
			resp, err := failures[idx]()
			idx++
			return resp, err
		},
	}
	planner := NewPlanner(chat, agent)

	project := &persistence.Project{ID: "p1", Name: "todo", DisplayName: "todo"}
	if _, _, err := planner.Synthesize(context.Background(), project, []*persistence.Idea{{Content: "x"}}); err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 tool results, got %d", len(results))
	}
	if results[0] != "Web search unavailable: agent offline" {
		t.Errorf("Unexpected transport failure text: %q", results[0])
	}
	if results[1] != "Web search unavailable: rate limited" {
		t.Errorf("Unexpected status failure text: %q", results[1])
	}
}

func TestPlannerRoundCap(t *testing.T) {
	chat := newFakeChat(func(call int, req provider.ChatRequest) (provider.ChatResponse, error) {
		return toolCallResponse("tc", skills.ActionWebSearch, map[string]any{"query": "again", "call": call}), nil
	})
	planner := NewPlanner(chat, &fakeAgent{})

	_, transcript, err := planner.RunConversation(context.Background(),
		[]provider.Message{{Role: provider.RoleUser, Content: "plan it"}}, planningSystemPrompt)
	if err != nil {
		t.Fatalf("RunConversation failed: %v", err)
	}
	if got := len(chat.requests()); got != MaxPlanningRounds {
		t.Errorf("Expected %d rounds, got %d", MaxPlanningRounds, got)
	}
	// user + 5 x (assistant + tool results)
	if len(transcript) != 1+2*MaxPlanningRounds {
		t.Errorf("Unexpected transcript length %d", len(transcript))
	}
}
