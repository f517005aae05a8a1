package skills

import "testing"

func TestActionCatalogComplete(t *testing.T) {
	defs := ActionTools()
	if len(defs) != len(actionOrder) {
		t.Fatalf("Expected %d actions, got %d", len(actionOrder), len(defs))
	}
	for i, def := range defs {
		if def.Name != actionOrder[i] {
			t.Errorf("Position %d: expected %q, got %q", i, actionOrder[i], def.Name)
		}
		if def.Description == "" {
			t.Errorf("Action %q has no description", def.Name)
		}
		if def.InputSchema.Type != "object" {
			t.Errorf("Action %q schema type %q", def.Name, def.InputSchema.Type)
		}
	}
}

func TestActionPlanAutoApprovedSet(t *testing.T) {
	approved := []string{
		ActionFileWrite, ActionFileRead, ActionListDirectory, ActionCreateDirectory,
		ActionGitInit, ActionGitStatus, ActionGitAddAll, ActionGitCommit,
		ActionRunTests, ActionLintProject, ActionBuildProject, ActionInstallDeps,
		ActionOpenInVSCode, ActionCheckCodingAgents, ActionRunCodingAgent,
	}
	for _, name := range approved {
		if !ActionPlanAutoApproved(name) {
			t.Errorf("Expected %q plan-auto-approved", name)
		}
	}

	notApproved := []string{
		ActionGitPush, ActionGhCreateRepo, ActionDockerBuild, ActionDockerComposeUp,
		ActionZipProject, ActionCloseApp, ActionStartDevServer, ActionWebSearch,
		ActionOllamaChat, "made_up_action",
	}
	for _, name := range notApproved {
		if ActionPlanAutoApproved(name) {
			t.Errorf("Expected %q not plan-auto-approved", name)
		}
	}
}

func TestActionAlwaysConfirm(t *testing.T) {
	for _, name := range []string{ActionGitPush, ActionGhCreateRepo} {
		if !ActionAlwaysConfirm(name) {
			t.Errorf("Expected %q to always confirm", name)
		}
	}
	if ActionAlwaysConfirm(ActionGitCommit) {
		t.Error("Expected git_commit not to always confirm")
	}
}

func TestPlanningTools(t *testing.T) {
	defs := PlanningTools()
	if len(defs) != 1 {
		t.Fatalf("Expected 1 planning tool, got %d", len(defs))
	}
	if defs[0].Name != ActionWebSearch {
		t.Errorf("Expected web_search, got %q", defs[0].Name)
	}
	if !ActionPlanningAllowed(ActionWebSearch) {
		t.Error("Expected web_search allowed during planning")
	}
	if ActionPlanningAllowed(ActionFileWrite) {
		t.Error("Expected file_write not allowed during planning")
	}
}

func TestActionToolsSubset(t *testing.T) {
	defs := ActionTools(ActionGitStatus, ActionFileWrite, "made_up_action")
	if len(defs) != 2 {
		t.Fatalf("Expected 2 tools, got %d", len(defs))
	}
	if defs[0].Name != ActionGitStatus || defs[1].Name != ActionFileWrite {
		t.Errorf("Unexpected subset: %q, %q", defs[0].Name, defs[1].Name)
	}

	if !IsRemoteAction(ActionZipProject) {
		t.Error("Expected zip_project to be a remote action")
	}
	if IsRemoteAction("project_create") {
		t.Error("Expected project_create not to be a remote action")
	}
}

func TestActionSchemas(t *testing.T) {
	defs := ActionTools(ActionGitCommit, ActionRunCodingAgent, ActionWebSearch)

	commit := defs[0]
	if len(commit.InputSchema.Required) != 2 {
		t.Errorf("Expected git_commit to require 2 params, got %v", commit.InputSchema.Required)
	}
	if _, ok := commit.InputSchema.Properties["message"]; !ok {
		t.Error("Expected git_commit message property")
	}

	coding := defs[1]
	agent, ok := coding.InputSchema.Properties["agent"]
	if !ok {
		t.Fatal("Expected run_coding_agent agent property")
	}
	if len(agent.Enum) != 3 {
		t.Errorf("Expected 3 agent choices, got %v", agent.Enum)
	}

	search := defs[2]
	if search.InputSchema.Properties["count"].Type != "integer" {
		t.Errorf("Expected count integer, got %q", search.InputSchema.Properties["count"].Type)
	}
}
