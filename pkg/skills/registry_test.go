package skills

import (
	"context"
	"strings"
	"testing"
)

func testSkill(name string, tools ...string) *Skill {
	defs := make([]ToolDefinition, 0, len(tools))
	handlers := make(map[string]Handler, len(tools))
	for _, tool := range tools {
		tool := tool
		defs = append(defs, ToolDefinition{
			Name:        tool,
			Description: "test tool",
			InputSchema: objectSchema(map[string]Property{"path": stringProp("Path")}, "path"),
		})
		handlers[tool] = func(_ context.Context, params map[string]any) (string, error) {
			return tool + ":" + params["path"].(string), nil
		}
	}
	return &Skill{
		Name:     name,
		Handlers: handlers,
		Tools:    defs,
	}
}

func TestRegistryRegisterAndDispatch(t *testing.T) {
	reset()
	t.Cleanup(reset)

	s := testSkill("files", "read_file", "write_file")
	s.PlanAutoApproved = []string{"read_file"}
	s.RequiresApproval = []string{"write_file"}
	Register(s)

	defs := ToolsForRole("backend")
	if len(defs) != 2 {
		t.Fatalf("Expected 2 tools, got %d", len(defs))
	}
	if defs[0].Name != "read_file" || defs[1].Name != "write_file" {
		t.Errorf("Unexpected tool order: %q, %q", defs[0].Name, defs[1].Name)
	}

	owner, ok := SkillForTool("read_file")
	if !ok || owner.Name != "files" {
		t.Errorf("Expected files skill, got %v %v", owner, ok)
	}
	if _, ok := SkillForTool("unknown"); ok {
		t.Error("Expected miss for unknown tool")
	}

	if !IsPlanAutoApproved("read_file") {
		t.Error("Expected read_file plan-auto-approved")
	}
	if IsPlanAutoApproved("write_file") {
		t.Error("Expected write_file not plan-auto-approved")
	}
	if !RequiresApproval("write_file") {
		t.Error("Expected write_file to require approval")
	}
	if RequiresApproval("read_file") {
		t.Error("Expected read_file not to require approval")
	}

	result, err := Dispatch(context.Background(), "read_file", map[string]any{"path": "/tmp/x"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result != "read_file:/tmp/x" {
		t.Errorf("Unexpected result: %q", result)
	}

	if _, err := Dispatch(context.Background(), "unknown", nil); err == nil {
		t.Error("Expected error for unknown tool")
	}
}

func TestRegistryRoleFiltering(t *testing.T) {
	reset()
	t.Cleanup(reset)

	shared := testSkill("shared", "shared_tool")
	Register(shared)

	backendOnly := testSkill("backend-tools", "backend_tool")
	backendOnly.AllowedRoles = []string{"backend"}
	Register(backendOnly)

	backend := ToolsForRole("backend")
	if len(backend) != 2 {
		t.Errorf("Expected 2 tools for backend, got %d", len(backend))
	}

	qa := ToolsForRole("qa")
	if len(qa) != 1 {
		t.Fatalf("Expected 1 tool for qa, got %d", len(qa))
	}
	if qa[0].Name != "shared_tool" {
		t.Errorf("Expected shared_tool for qa, got %q", qa[0].Name)
	}
}

func TestRegistrySealedRejectsRegistration(t *testing.T) {
	reset()
	t.Cleanup(reset)

	Register(testSkill("first", "first_tool"))
	Seal()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Expected panic registering after seal")
		}
		if !strings.Contains(r.(string), "sealed") {
			t.Errorf("Unexpected panic message: %v", r)
		}
	}()
	Register(testSkill("late", "late_tool"))
}

func TestRegistryRejectsDuplicateTool(t *testing.T) {
	reset()
	t.Cleanup(reset)

	Register(testSkill("one", "same_tool"))

	defer func() {
		if recover() == nil {
			t.Fatal("Expected panic on duplicate tool name")
		}
	}()
	Register(testSkill("two", "same_tool"))
}

func TestRegistryRejectsMissingHandler(t *testing.T) {
	reset()
	t.Cleanup(reset)

	s := testSkill("broken", "has_handler")
	s.Tools = append(s.Tools, ToolDefinition{Name: "no_handler", Description: "x"})

	defer func() {
		if recover() == nil {
			t.Fatal("Expected panic on tool without handler")
		}
	}()
	Register(s)
}
