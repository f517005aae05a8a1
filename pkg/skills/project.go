package skills

import (
	"context"
	"fmt"
)

// Project skill tool names.
const (
	ToolProjectCreate       = "project_create"
	ToolProjectAddIdea      = "project_add_idea"
	ToolProjectList         = "project_list"
	ToolProjectStatus       = "project_status"
	ToolProjectGeneratePlan = "project_generate_plan"
	ToolProjectApproveStart = "project_approve_start"
	ToolProjectPause        = "project_pause"
	ToolProjectResume       = "project_resume"
	ToolProjectCancel       = "project_cancel"
	ToolProjectRemove       = "project_remove"
)

// ProjectManager drives project lifecycle operations on behalf of the project
// skill. Every method returns a short human-readable reply for the operator.
type ProjectManager interface {
	CreateProject(ctx context.Context, name, description string) (string, error)
	AddIdea(ctx context.Context, project, idea string) (string, error)
	ListProjects(ctx context.Context) (string, error)
	ProjectStatus(ctx context.Context, project string) (string, error)
	GeneratePlan(ctx context.Context, project string) (string, error)
	ApproveAndStart(ctx context.Context, project string) (string, error)
	PauseProject(ctx context.Context, project string) (string, error)
	ResumeProject(ctx context.Context, project string) (string, error)
	CancelProject(ctx context.Context, project string) (string, error)
	RemoveProject(ctx context.Context, project string) (string, error)
}

// RegisterProjectSkill wires the project-management skill to a manager.
func RegisterProjectSkill(m ProjectManager) {
	projectProp := map[string]Property{"project": stringProp("Project name")}

	Register(&Skill{
		Name:        "project",
		Description: "Create software projects, capture ideas, and drive plans to completion.",
		Tools: []ToolDefinition{
			{
				Name:        ToolProjectCreate,
				Description: "Create a new project in the ideation phase.",
				InputSchema: objectSchema(map[string]Property{
					"name":        stringProp("Short unique project name"),
					"description": stringProp("What the project should become"),
				}, "name"),
			},
			{
				Name:        ToolProjectAddIdea,
				Description: "Capture a free-text idea for a project.",
				InputSchema: objectSchema(map[string]Property{
					"project": stringProp("Project name"),
					"idea":    stringProp("Idea text"),
				}, "project", "idea"),
			},
			{
				Name:        ToolProjectList,
				Description: "List all projects with their current status.",
				InputSchema: objectSchema(map[string]Property{}),
			},
			{
				Name:        ToolProjectStatus,
				Description: "Show a project's status, active plan, and task progress.",
				InputSchema: objectSchema(projectProp, "project"),
			},
			{
				Name:        ToolProjectGeneratePlan,
				Description: "Synthesize a milestone plan from the project's captured ideas.",
				InputSchema: objectSchema(projectProp, "project"),
			},
			{
				Name:        ToolProjectApproveStart,
				Description: "Approve the draft plan and start autonomous execution.",
				InputSchema: objectSchema(projectProp, "project"),
			},
			{
				Name:        ToolProjectPause,
				Description: "Pause a project at the next safe boundary.",
				InputSchema: objectSchema(projectProp, "project"),
			},
			{
				Name:        ToolProjectResume,
				Description: "Resume a paused project where it left off.",
				InputSchema: objectSchema(projectProp, "project"),
			},
			{
				Name:        ToolProjectCancel,
				Description: "Cancel a project; running work stops at the next boundary.",
				InputSchema: objectSchema(projectProp, "project"),
			},
			{
				Name:        ToolProjectRemove,
				Description: "Delete a project and all of its plans, tasks, and history.",
				InputSchema: objectSchema(projectProp, "project"),
			},
		},
		PlanAutoApproved: []string{ToolProjectAddIdea, ToolProjectList, ToolProjectStatus},
		RequiresApproval: []string{ToolProjectRemove},
		Handlers: map[string]Handler{
			ToolProjectCreate: func(ctx context.Context, params map[string]any) (string, error) {
				name, err := stringParam(params, "name")
				if err != nil {
					return "", err
				}
				return m.CreateProject(ctx, name, optionalStringParam(params, "description"))
			},
			ToolProjectAddIdea: func(ctx context.Context, params map[string]any) (string, error) {
				project, err := stringParam(params, "project")
				if err != nil {
					return "", err
				}
				idea, err := stringParam(params, "idea")
				if err != nil {
					return "", err
				}
				return m.AddIdea(ctx, project, idea)
			},
			ToolProjectList: func(ctx context.Context, _ map[string]any) (string, error) {
				return m.ListProjects(ctx)
			},
			ToolProjectStatus:       projectHandler(m.ProjectStatus),
			ToolProjectGeneratePlan: projectHandler(m.GeneratePlan),
			ToolProjectApproveStart: projectHandler(m.ApproveAndStart),
			ToolProjectPause:        projectHandler(m.PauseProject),
			ToolProjectResume:       projectHandler(m.ResumeProject),
			ToolProjectCancel:       projectHandler(m.CancelProject),
			ToolProjectRemove:       projectHandler(m.RemoveProject),
		},
	})
}

// projectHandler adapts a single-project manager method into a Handler.
func projectHandler(fn func(ctx context.Context, project string) (string, error)) Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		project, err := stringParam(params, "project")
		if err != nil {
			return "", err
		}
		return fn(ctx, project)
	}
}

func stringParam(params map[string]any, key string) (string, error) {
	value, ok := params[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return value, nil
}

func optionalStringParam(params map[string]any, key string) string {
	value, _ := params[key].(string)
	return value
}
