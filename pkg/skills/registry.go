package skills

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes one tool of a skill and returns the text fed back to the
// model as the tool result.
type Handler func(ctx context.Context, params map[string]any) (string, error)

// Skill groups related tools behind a handler table with a shared approval
// classification. Tool names are globally unique across skills.
type Skill struct {
	Handlers         map[string]Handler
	Name             string
	Description      string
	AllowedRoles     []string // Empty allows every role
	Tools            []ToolDefinition
	PlanAutoApproved []string // Tool names pre-confirmed within an approved plan
	RequiresApproval []string // Tool names needing per-call operator approval
}

func (s *Skill) allowsRole(role string) bool {
	if len(s.AllowedRoles) == 0 {
		return true
	}
	for _, r := range s.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

func (s *Skill) nameInSet(set []string, name string) bool {
	for _, n := range set {
		if n == name {
			return true
		}
	}
	return false
}

// registry is the global, sealed-after-startup skill registry. All Register
// calls happen during wire-up; the first lookup seals it.
type registry struct {
	skills    map[string]*Skill
	toolIndex map[string]*Skill
	order     []*Skill
	mu        sync.RWMutex
	sealed    bool
}

//nolint:gochecknoglobals // Single registry shared by the manager conversation
var globalRegistry = &registry{
	skills:    make(map[string]*Skill),
	toolIndex: make(map[string]*Skill),
}

// Register adds a skill to the global registry. Panics on registration after
// sealing, duplicate skill or tool names, or tools without handlers, since
// all of those are wiring mistakes.
func Register(s *Skill) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	if globalRegistry.sealed {
		panic(fmt.Sprintf("skill registry sealed - cannot register %q", s.Name))
	}
	if s.Name == "" {
		panic("skill name cannot be empty")
	}
	if _, exists := globalRegistry.skills[s.Name]; exists {
		panic(fmt.Sprintf("skill %q already registered", s.Name))
	}
	for _, def := range s.Tools {
		if def.Name == "" {
			panic(fmt.Sprintf("skill %q declares a tool without a name", s.Name))
		}
		if _, exists := globalRegistry.toolIndex[def.Name]; exists {
			panic(fmt.Sprintf("tool %q already registered", def.Name))
		}
		if s.Handlers[def.Name] == nil {
			panic(fmt.Sprintf("tool %q has no handler", def.Name))
		}
	}

	globalRegistry.skills[s.Name] = s
	globalRegistry.order = append(globalRegistry.order, s)
	for _, def := range s.Tools {
		globalRegistry.toolIndex[def.Name] = s
	}
}

// Seal prevents further registrations. Called automatically on first lookup.
func Seal() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.sealed = true
}

// ToolsForRole returns the tool definitions a given agent role may use, in
// registration order.
func ToolsForRole(role string) []ToolDefinition {
	Seal()
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	var defs []ToolDefinition
	for _, s := range globalRegistry.order {
		if s.allowsRole(role) {
			defs = append(defs, s.Tools...)
		}
	}
	return defs
}

// SkillForTool returns the skill owning a tool name.
func SkillForTool(toolName string) (*Skill, bool) {
	Seal()
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	s, ok := globalRegistry.toolIndex[toolName]
	return s, ok
}

// IsPlanAutoApproved reports whether a tool is pre-confirmed inside an
// approved plan.
func IsPlanAutoApproved(toolName string) bool {
	s, ok := SkillForTool(toolName)
	return ok && s.nameInSet(s.PlanAutoApproved, toolName)
}

// RequiresApproval reports whether a tool needs per-call operator approval.
func RequiresApproval(toolName string) bool {
	s, ok := SkillForTool(toolName)
	return ok && s.nameInSet(s.RequiresApproval, toolName)
}

// Dispatch routes a tool call to its skill handler.
func Dispatch(ctx context.Context, toolName string, params map[string]any) (string, error) {
	s, ok := SkillForTool(toolName)
	if !ok {
		return "", fmt.Errorf("tool %q not registered", toolName)
	}
	return s.Handlers[toolName](ctx, params)
}

// reset clears the registry for tests.
func reset() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.skills = make(map[string]*Skill)
	globalRegistry.toolIndex = make(map[string]*Skill)
	globalRegistry.order = nil
	globalRegistry.sealed = false
}
