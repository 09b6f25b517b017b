// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"sort"
)

const (
	formatBenthos    = "benthos"
	formatJSONSchema = "json-schema"
)

func validateFormat(format string) error {
	switch format {
	case formatBenthos, formatJSONSchema:
		return nil
	case "":
		return fmt.Errorf("format cannot be empty")
	default:
		return fmt.Errorf("invalid format: %s (must be '%s' or '%s')", format, formatBenthos, formatJSONSchema)
	}
}

// render returns the document to write for format.
func render(schemas *SchemaOutput, format, version string) (any, error) {
	if err := validateFormat(format); err != nil {
		return nil, err
	}
	if format == formatBenthos {
		return schemas, nil
	}
	return jsonSchema(schemas, version), nil
}

// jsonSchema converts the export into a draft-07 document with one
// definition per component, suitable for editor validation.
func jsonSchema(schemas *SchemaOutput, version string) map[string]any {
	definitions := map[string]any{}
	for _, group := range []map[string]ComponentSpec{schemas.Inputs, schemas.Processors, schemas.Outputs} {
		for name, c := range group {
			definitions[name] = componentSchema(c)
		}
	}
	return map[string]any{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"$id":         fmt.Sprintf("https://github.com/united-manufacturing-hub/benthos-sparkplug/schemas/sparkplug-v%s.json", version),
		"title":       "Sparkplug B Component Configuration",
		"description": "JSON Schema for the Sparkplug B inputs, outputs and processors",
		"definitions": definitions,
	}
}

func componentSchema(c ComponentSpec) map[string]any {
	s := map[string]any{"type": "object"}
	if c.Description != "" {
		s["description"] = c.Description
	} else if c.Summary != "" {
		s["description"] = c.Summary
	}

	fields := make([]FieldSpec, 0, len(c.Config))
	for _, f := range c.Config {
		fields = append(fields, f)
	}
	addProperties(s, fields)
	return s
}

func fieldSchema(f FieldSpec) map[string]any {
	s := map[string]any{"type": schemaType(f.Type)}
	if f.Description != "" {
		s["description"] = f.Description
	}
	if f.Default != nil {
		s["default"] = f.Default
	}
	if len(f.Options) > 0 {
		s["enum"] = f.Options
	}
	if f.Advanced {
		s["x-advanced"] = true
	}

	// Kind wraps the element type: arrays and maps of objects carry their
	// children on the element.
	element := s
	switch f.Kind {
	case "array", "2darray":
		element = map[string]any{"type": schemaType(f.Type)}
		s["type"] = "array"
		s["items"] = element
	case "map":
		element = map[string]any{"type": schemaType(f.Type)}
		s["type"] = "object"
		s["additionalProperties"] = element
	}
	if len(f.Children) > 0 {
		element["type"] = "object"
		addProperties(element, f.Children)
	}
	return s
}

func addProperties(s map[string]any, fields []FieldSpec) {
	if len(fields) == 0 {
		return
	}
	properties := make(map[string]any, len(fields))
	var required []string
	for _, f := range fields {
		properties[f.Name] = fieldSchema(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	s["properties"] = properties
	if len(required) > 0 {
		sort.Strings(required)
		s["required"] = required
	}
}

func schemaType(benthosType string) string {
	switch benthosType {
	case "int", "float", "number":
		return "number"
	case "bool":
		return "boolean"
	case "object":
		return "object"
	case "array":
		return "array"
	default:
		return "string"
	}
}
