// Package skills defines the tool surface the gateway exposes to language
// models: schema types, a sealed registry of gateway skills, and the catalog
// of remote actions executable on the local agent.
package skills

// Property describes one field of a tool's input schema.
type Property struct {
	Properties  map[string]*Property `json:"properties,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
}

// InputSchema is the JSON schema for a tool's parameters.
type InputSchema struct {
	Properties map[string]Property `json:"properties"`
	Type       string              `json:"type"`
	Required   []string            `json:"required,omitempty"`
}

// ToolDefinition describes a tool offered to a model.
type ToolDefinition struct {
	InputSchema InputSchema `json:"input_schema"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
}

// objectSchema builds an object schema with the given properties and required names.
func objectSchema(props map[string]Property, required ...string) InputSchema {
	return InputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func stringProp(desc string) Property {
	return Property{Type: "string", Description: desc}
}

func intProp(desc string) Property {
	return Property{Type: "integer", Description: desc}
}

func boolProp(desc string) Property {
	return Property{Type: "boolean", Description: desc}
}
