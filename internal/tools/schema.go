package tools

// Schema helpers for building JSON Schema parameter definitions.

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProperty creates a string property.
func StringProperty(description string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
	}
}

// StringEnumProperty creates a string property with allowed values.
func StringEnumProperty(description string, values ...string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
		"enum":        values,
	}
}

// NumberProperty creates a number property.
func NumberProperty(description string) map[string]any {
	return map[string]any{
		"type":        "number",
		"description": description,
	}
}

// IntegerProperty creates an integer property.
func IntegerProperty(description string) map[string]any {
	return map[string]any{
		"type":        "integer",
		"description": description,
	}
}

// AmountProperty accepts a human-readable amount as a string or a number.
func AmountProperty(description string) map[string]any {
	return map[string]any{
		"type":        []string{"string", "number"},
		"description": description,
	}
}

func required(schema map[string]any) []string {
	r, _ := schema["required"].([]string)
	return r
}
