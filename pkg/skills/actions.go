package skills

// Remote action names. These execute on the local agent; the agent enforces
// its own policy tiers regardless of what the gateway requests.
const (
	ActionGitStatus         = "git_status"
	ActionRunTests          = "run_tests"
	ActionLintProject       = "lint_project"
	ActionBuildProject      = "build_project"
	ActionStartDevServer    = "start_dev_server"
	ActionFileRead          = "file_read"
	ActionListDirectory     = "list_directory"
	ActionWebSearch         = "web_search"
	ActionOllamaChat        = "ollama_chat"
	ActionCheckCodingAgents = "check_coding_agents"

	ActionGitCommit       = "git_commit"
	ActionGitInit         = "git_init"
	ActionGitAddAll       = "git_add_all"
	ActionGitPush         = "git_push"
	ActionGhCreateRepo    = "gh_create_repo"
	ActionInstallDeps     = "install_dependencies"
	ActionFileWrite       = "file_write"
	ActionCreateDirectory = "create_directory"
	ActionOpenInVSCode    = "open_in_vscode"
	ActionRunCodingAgent  = "run_coding_agent"
	ActionDockerBuild     = "docker_build"
	ActionDockerComposeUp = "docker_compose_up"
	ActionZipProject      = "zip_project"
	ActionCloseApp        = "close_app"
)

// ActionSpec describes one remote action from the gateway's point of view:
// the tool schema offered to models and how confirmation is resolved when a
// worker executes it inside an approved plan.
type ActionSpec struct {
	Def              ToolDefinition
	PlanAutoApproved bool // Pre-confirmed when executed within an approved plan
	AlwaysConfirm    bool // Operator confirms every time, even in plan scope
	PlanningAllowed  bool // Usable by the planner during plan synthesis
}

//nolint:gochecknoglobals // Fixed catalog, read-only after init
var (
	actionCatalog = buildActionCatalog()

	actionOrder = []string{
		ActionGitStatus, ActionRunTests, ActionLintProject, ActionBuildProject,
		ActionStartDevServer, ActionFileRead, ActionListDirectory, ActionWebSearch,
		ActionOllamaChat, ActionCheckCodingAgents,
		ActionGitCommit, ActionGitInit, ActionGitAddAll, ActionGitPush,
		ActionGhCreateRepo, ActionInstallDeps, ActionFileWrite, ActionCreateDirectory,
		ActionOpenInVSCode, ActionRunCodingAgent, ActionDockerBuild,
		ActionDockerComposeUp, ActionZipProject, ActionCloseApp,
	}
)

func buildActionCatalog() map[string]ActionSpec {
	pathProps := func(desc string) map[string]Property {
		return map[string]Property{"path": stringProp(desc)}
	}

	catalog := map[string]ActionSpec{
		ActionGitStatus: {
			Def: ToolDefinition{
				Name:        ActionGitStatus,
				Description: "Show the git working tree status of a project directory.",
				InputSchema: objectSchema(pathProps("Project directory"), "path"),
			},
			PlanAutoApproved: true,
		},
		ActionRunTests: {
			Def: ToolDefinition{
				Name:        ActionRunTests,
				Description: "Run the project's test suite and return the output.",
				InputSchema: objectSchema(pathProps("Project directory"), "path"),
			},
			PlanAutoApproved: true,
		},
		ActionLintProject: {
			Def: ToolDefinition{
				Name:        ActionLintProject,
				Description: "Run the project's linter and return findings.",
				InputSchema: objectSchema(pathProps("Project directory"), "path"),
			},
			PlanAutoApproved: true,
		},
		ActionBuildProject: {
			Def: ToolDefinition{
				Name:        ActionBuildProject,
				Description: "Build the project and return compiler output.",
				InputSchema: objectSchema(pathProps("Project directory"), "path"),
			},
			PlanAutoApproved: true,
		},
		ActionStartDevServer: {
			Def: ToolDefinition{
				Name:        ActionStartDevServer,
				Description: "Start the project's development server in the background.",
				InputSchema: objectSchema(pathProps("Project directory"), "path"),
			},
		},
		ActionFileRead: {
			Def: ToolDefinition{
				Name:        ActionFileRead,
				Description: "Read a text file (truncated to 64 KiB).",
				InputSchema: objectSchema(map[string]Property{
					"path": stringProp("File path inside an allowed root"),
				}, "path"),
			},
			PlanAutoApproved: true,
		},
		ActionListDirectory: {
			Def: ToolDefinition{
				Name:        ActionListDirectory,
				Description: "List a directory tree up to 3 levels deep (at most 500 entries).",
				InputSchema: objectSchema(pathProps("Directory to list"), "path"),
			},
			PlanAutoApproved: true,
		},
		ActionWebSearch: {
			Def: ToolDefinition{
				Name:        ActionWebSearch,
				Description: "Search the web and return result titles, URLs, and snippets.",
				InputSchema: objectSchema(map[string]Property{
					"query": stringProp("Search query"),
					"count": intProp("Number of results to return"),
				}, "query"),
			},
			PlanningAllowed: true,
		},
		ActionOllamaChat: {
			Def: ToolDefinition{
				Name:        ActionOllamaChat,
				Description: "Ask the local Ollama model a one-shot question.",
				InputSchema: objectSchema(map[string]Property{
					"prompt": stringProp("Prompt text"),
					"model":  stringProp("Model name override"),
				}, "prompt"),
			},
		},
		ActionCheckCodingAgents: {
			Def: ToolDefinition{
				Name:        ActionCheckCodingAgents,
				Description: "Report which CLI coding agents are installed on the workstation.",
				InputSchema: objectSchema(map[string]Property{}),
			},
			PlanAutoApproved: true,
		},

		ActionGitCommit: {
			Def: ToolDefinition{
				Name:        ActionGitCommit,
				Description: "Commit all staged changes with a message.",
				InputSchema: objectSchema(map[string]Property{
					"path":    stringProp("Project directory"),
					"message": stringProp("Commit message"),
				}, "path", "message"),
			},
			PlanAutoApproved: true,
		},
		ActionGitInit: {
			Def: ToolDefinition{
				Name:        ActionGitInit,
				Description: "Initialize a git repository in a directory.",
				InputSchema: objectSchema(pathProps("Project directory"), "path"),
			},
			PlanAutoApproved: true,
		},
		ActionGitAddAll: {
			Def: ToolDefinition{
				Name:        ActionGitAddAll,
				Description: "Stage all changes in the working tree.",
				InputSchema: objectSchema(pathProps("Project directory"), "path"),
			},
			PlanAutoApproved: true,
		},
		ActionGitPush: {
			Def: ToolDefinition{
				Name:        ActionGitPush,
				Description: "Push commits to the remote repository.",
				InputSchema: objectSchema(map[string]Property{
					"path":   stringProp("Project directory"),
					"remote": stringProp("Remote name, defaults to origin"),
					"branch": stringProp("Branch to push"),
				}, "path"),
			},
			AlwaysConfirm: true,
		},
		ActionGhCreateRepo: {
			Def: ToolDefinition{
				Name:        ActionGhCreateRepo,
				Description: "Create a GitHub repository for the project via the gh CLI.",
				InputSchema: objectSchema(map[string]Property{
					"path":    stringProp("Project directory"),
					"name":    stringProp("Repository name"),
					"private": boolProp("Create as a private repository"),
				}, "path", "name"),
			},
			AlwaysConfirm: true,
		},
		ActionInstallDeps: {
			Def: ToolDefinition{
				Name:        ActionInstallDeps,
				Description: "Install the project's dependencies with its package manager.",
				InputSchema: objectSchema(pathProps("Project directory"), "path"),
			},
			PlanAutoApproved: true,
		},
		ActionFileWrite: {
			Def: ToolDefinition{
				Name:        ActionFileWrite,
				Description: "Write content to a file (at most 1 MiB), creating parent directories.",
				InputSchema: objectSchema(map[string]Property{
					"path":    stringProp("File path inside an allowed root"),
					"content": stringProp("File content"),
				}, "path", "content"),
			},
			PlanAutoApproved: true,
		},
		ActionCreateDirectory: {
			Def: ToolDefinition{
				Name:        ActionCreateDirectory,
				Description: "Create a directory, including parents.",
				InputSchema: objectSchema(pathProps("Directory to create"), "path"),
			},
			PlanAutoApproved: true,
		},
		ActionOpenInVSCode: {
			Def: ToolDefinition{
				Name:        ActionOpenInVSCode,
				Description: "Open a project directory in VS Code on the workstation.",
				InputSchema: objectSchema(pathProps("Project directory"), "path"),
			},
			PlanAutoApproved: true,
		},
		ActionRunCodingAgent: {
			Def: ToolDefinition{
				Name:        ActionRunCodingAgent,
				Description: "Run an installed CLI coding agent against the project with a prompt.",
				InputSchema: objectSchema(map[string]Property{
					"path":  stringProp("Project directory"),
					"agent": {Type: "string", Description: "Which coding agent to run", Enum: []string{"codex", "claude", "cline"}},
					"prompt":          stringProp("Instruction for the coding agent"),
					"timeout_seconds": intProp("Timeout in seconds, 30 to 3600"),
				}, "path", "agent", "prompt"),
			},
			PlanAutoApproved: true,
		},
		ActionDockerBuild: {
			Def: ToolDefinition{
				Name:        ActionDockerBuild,
				Description: "Build a Docker image from the project directory.",
				InputSchema: objectSchema(map[string]Property{
					"path": stringProp("Project directory"),
					"tag":  stringProp("Image tag"),
				}, "path", "tag"),
			},
		},
		ActionDockerComposeUp: {
			Def: ToolDefinition{
				Name:        ActionDockerComposeUp,
				Description: "Start the project's docker compose services detached.",
				InputSchema: objectSchema(pathProps("Project directory"), "path"),
			},
		},
		ActionZipProject: {
			Def: ToolDefinition{
				Name:        ActionZipProject,
				Description: "Zip the project directory (at most 10 MiB) and return it base64-encoded.",
				InputSchema: objectSchema(pathProps("Project directory"), "path"),
			},
		},
		ActionCloseApp: {
			Def: ToolDefinition{
				Name:        ActionCloseApp,
				Description: "Close a running application on the workstation by name.",
				InputSchema: objectSchema(map[string]Property{
					"name": stringProp("Application name"),
				}, "name"),
			},
		},
	}
	return catalog
}

// IsRemoteAction reports whether name is a known remote action.
func IsRemoteAction(name string) bool {
	_, ok := actionCatalog[name]
	return ok
}

// ActionPlanAutoApproved reports whether an action is pre-confirmed when
// executed as part of an approved plan.
func ActionPlanAutoApproved(name string) bool {
	spec, ok := actionCatalog[name]
	return ok && spec.PlanAutoApproved && !spec.AlwaysConfirm
}

// ActionAlwaysConfirm reports whether an action needs operator confirmation
// on every invocation, even inside an approved plan.
func ActionAlwaysConfirm(name string) bool {
	spec, ok := actionCatalog[name]
	return ok && spec.AlwaysConfirm
}

// ActionTools returns tool definitions for the named remote actions, or for
// the whole catalog when no names are given.
func ActionTools(names ...string) []ToolDefinition {
	if len(names) == 0 {
		names = actionOrder
	}

	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		if spec, ok := actionCatalog[name]; ok {
			defs = append(defs, spec.Def)
		}
	}
	return defs
}

// PlanningTools returns the tools available during plan synthesis.
func PlanningTools() []ToolDefinition {
	var defs []ToolDefinition
	for _, name := range actionOrder {
		if spec := actionCatalog[name]; spec.PlanningAllowed {
			defs = append(defs, spec.Def)
		}
	}
	return defs
}

// ActionPlanningAllowed reports whether an action may run during plan
// synthesis, before any plan is approved.
func ActionPlanningAllowed(name string) bool {
	spec, ok := actionCatalog[name]
	return ok && spec.PlanningAllowed
}
