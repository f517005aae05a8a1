package provider

import "openclaw/pkg/skills"

// schemaMap renders a tool property as a plain JSON-schema map. Claude and
// the OpenAI-compatible vendors accept schemas in this loose form.
func schemaMap(prop *skills.Property) map[string]any {
	schema := map[string]any{"type": prop.Type}
	if prop.Description != "" {
		schema["description"] = prop.Description
	}
	if len(prop.Enum) > 0 {
		schema["enum"] = prop.Enum
	}
	if prop.Type == "array" && prop.Items != nil {
		schema["items"] = schemaMap(prop.Items)
	}
	if prop.Type == "object" && len(prop.Properties) > 0 {
		nested := make(map[string]any, len(prop.Properties))
		for name, child := range prop.Properties {
			if child != nil {
				nested[name] = schemaMap(child)
			}
		}
		schema["properties"] = nested
	}
	return schema
}

// schemaProperties converts a tool's full property table.
func schemaProperties(schema *skills.InputSchema) map[string]any {
	props := make(map[string]any, len(schema.Properties))
	for name := range schema.Properties {
		p := schema.Properties[name]
		props[name] = schemaMap(&p)
	}
	return props
}
