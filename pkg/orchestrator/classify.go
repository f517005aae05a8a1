package orchestrator

import "strings"

// Task type tags used for provider routing.
const (
	TaskTypeScaffold        = "scaffold"
	TaskTypeCRUD            = "crud"
	TaskTypeUnitTest        = "unit_test"
	TaskTypeReadmePolish    = "readme_polish"
	TaskTypeHardDebug       = "hard_debug"
	TaskTypeComplexRefactor = "complex_refactor"
	TaskTypePlanning        = "planning"
	TaskTypeGeneral         = "general"
)

// ClassifyTask tags a task for routing by keyword heuristics over its title
// and milestone. Cheap providers handle boilerplate; debugging and
// refactoring route to stronger models.
func ClassifyTask(title, milestone string) string {
	title = strings.ToLower(title)
	milestone = strings.ToLower(milestone)

	switch {
	case containsAny(title, "scaffold", "setup", "init", "boilerplate", "create project"):
		return TaskTypeScaffold
	case containsAny(title, "crud", "model", "schema", "migration"):
		return TaskTypeCRUD
	case containsAny(title, "test", "spec", "jest", "pytest"):
		return TaskTypeUnitTest
	case containsAny(title, "readme", "docs", "documentation"):
		return TaskTypeReadmePolish
	case containsAny(title, "debug", "fix bug", "diagnose", "troubleshoot"):
		return TaskTypeHardDebug
	case containsAny(title, "refactor", "redesign", "restructure"):
		return TaskTypeComplexRefactor
	case containsAny(milestone, "plan", "design", "architecture"):
		return TaskTypePlanning
	default:
		return TaskTypeGeneral
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
